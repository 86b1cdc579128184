package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/pyramidbot/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by the given pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeCols = `id, position_id, user_id, exchange, symbol, side, kind,
	quantity, price, fees, pnl, entry_index,
	is_partial_exit, tp_level, exit_ratio, remaining_quantity_after,
	trigger_kind, executed_at`

func scanTrades(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var side, kind, trigger string

		if err := rows.Scan(
			&t.ID, &t.PositionID, &t.UserID, &t.Exchange, &t.Symbol, &side, &kind,
			&t.Quantity, &t.Price, &t.Fees, &t.PnL, &t.EntryIndex,
			&t.IsPartialExit, &t.TPLevel, &t.ExitRatio, &t.RemainingAfter,
			&trigger, &t.Timestamp,
		); err != nil {
			return nil, err
		}
		t.Side = domain.Side(side)
		t.Kind = domain.TradeKind(kind)
		t.Trigger = domain.TriggerKind(trigger)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Insert persists one executed trade.
func (s *TradeStore) Insert(ctx context.Context, t domain.Trade) error {
	const query = `
		INSERT INTO trades (
			id, position_id, user_id, exchange, symbol, side, kind,
			quantity, price, fees, pnl, entry_index,
			is_partial_exit, tp_level, exit_ratio, remaining_quantity_after,
			trigger_kind, executed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16,
			$17, $18
		)`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.PositionID, t.UserID, t.Exchange, t.Symbol, string(t.Side), string(t.Kind),
		t.Quantity, t.Price, t.Fees, t.PnL, t.EntryIndex,
		t.IsPartialExit, t.TPLevel, t.ExitRatio, t.RemainingAfter,
		string(t.Trigger), t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.ID, err)
	}
	return nil
}

// ListByPosition returns a position's trades in execution order.
func (s *TradeStore) ListByPosition(ctx context.Context, positionID string, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `SELECT ` + tradeCols + ` FROM trades WHERE position_id = $1 ORDER BY executed_at`
	args := []any{positionID}
	if opts.Limit > 0 {
		query += " LIMIT $2"
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades for position %s: %w", positionID, err)
	}
	defer rows.Close()

	trades, err := scanTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades for position %s: %w", positionID, err)
	}
	return trades, nil
}

// ListByUser returns a user's trades, newest first.
func (s *TradeStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `SELECT ` + tradeCols + ` FROM trades WHERE user_id = $1`
	args := []any{userID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND executed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND executed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY executed_at DESC"

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
		return nil, fmt.Errorf("postgres: list trades for user %s: %w", userID, err)
	}
	defer rows.Close()

	trades, err := scanTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades for user %s: %w", userID, err)
	}
	return trades, nil
}

// ListBefore returns all trades executed strictly before the cutoff; used by
// the archiver.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeCols+` FROM trades WHERE executed_at < $1 ORDER BY executed_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before %s: %w", before, err)
	}
	defer rows.Close()

	trades, err := scanTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades before %s: %w", before, err)
	}
	return trades, nil
}

// Compile-time interface check.
var _ domain.TradeStore = (*TradeStore)(nil)
