package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/pyramidbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. The entry
// and TP-level sequences are stored as JSONB; the ledger remains the single
// writer for any one position (enforced by the lease), so snapshots are
// simple whole-row upserts.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `id, user_id, exchange, symbol, side, leverage,
	entries, avg_entry_price, base_size, original_quantity, remaining_quantity,
	tp_levels, tp_armed, stop_loss_price, legacy_take_profit,
	status, close_reason, opened_at, closed_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status string
	var entriesJSON, tpJSON []byte

	err := row.Scan(
		&p.ID, &p.UserID, &p.Exchange, &p.Symbol, &side, &p.Leverage,
		&entriesJSON, &p.AvgEntryPrice, &p.BaseSize, &p.OriginalQuantity, &p.RemainingQuantity,
		&tpJSON, &p.TPArmed, &p.StopLossPrice, &p.LegacyTakeProfit,
		&status, &p.CloseReason, &p.OpenedAt, &p.ClosedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)

	if err := json.Unmarshal(entriesJSON, &p.Entries); err != nil {
		return domain.Position{}, fmt.Errorf("unmarshal entries: %w", err)
	}
	if err := json.Unmarshal(tpJSON, &p.TPLevels); err != nil {
		return domain.Position{}, fmt.Errorf("unmarshal tp levels: %w", err)
	}
	return p, nil
}

// Upsert writes a full position snapshot.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	entriesJSON, err := json.Marshal(p.Entries)
	if err != nil {
		return fmt.Errorf("postgres: marshal entries %s: %w", p.ID, err)
	}
	tpJSON, err := json.Marshal(p.TPLevels)
	if err != nil {
		return fmt.Errorf("postgres: marshal tp levels %s: %w", p.ID, err)
	}

	const query = `
		INSERT INTO positions (
			id, user_id, exchange, symbol, side, leverage,
			entries, avg_entry_price, base_size, original_quantity, remaining_quantity,
			tp_levels, tp_armed, stop_loss_price, legacy_take_profit,
			status, close_reason, opened_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			entries            = EXCLUDED.entries,
			avg_entry_price    = EXCLUDED.avg_entry_price,
			base_size          = EXCLUDED.base_size,
			original_quantity  = EXCLUDED.original_quantity,
			remaining_quantity = EXCLUDED.remaining_quantity,
			tp_levels          = EXCLUDED.tp_levels,
			tp_armed           = EXCLUDED.tp_armed,
			stop_loss_price    = EXCLUDED.stop_loss_price,
			legacy_take_profit = EXCLUDED.legacy_take_profit,
			status             = EXCLUDED.status,
			close_reason       = EXCLUDED.close_reason,
			closed_at          = EXCLUDED.closed_at,
			updated_at         = NOW()`

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.UserID, p.Exchange, p.Symbol, string(p.Side), p.Leverage,
		entriesJSON, p.AvgEntryPrice, p.BaseSize, p.OriginalQuantity, p.RemainingQuantity,
		tpJSON, p.TPArmed, p.StopLossPrice, p.LegacyTakeProfit,
		string(p.Status), p.CloseReason, p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID retrieves a single position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListOpen returns every non-closed position across all users; used to
// rebuild the live set on startup.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	return s.listOpen(ctx, `SELECT `+positionCols+` FROM positions WHERE status <> 'closed' ORDER BY opened_at`)
}

// ListOpenByUser returns the user's non-closed positions.
func (s *PositionStore) ListOpenByUser(ctx context.Context, userID string) ([]domain.Position, error) {
	return s.listOpen(ctx,
		`SELECT `+positionCols+` FROM positions WHERE status <> 'closed' AND user_id = $1 ORDER BY opened_at`,
		userID)
}

func (s *PositionStore) listOpen(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan open position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list open positions rows: %w", err)
	}
	return positions, nil
}

// ListHistory returns the user's positions with pagination and optional
// time filtering.
func (s *PositionStore) ListHistory(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions WHERE user_id = $1`
	args := []any{userID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND opened_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY opened_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position history: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list position history rows: %w", err)
	}
	return positions, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
