package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/pyramidbot/internal/configcache"
	"github.com/alanyoungcy/pyramidbot/internal/domain"
)

// RiskConfigStore implements domain.ConfigStore using PostgreSQL. Its write
// path is where the consistency contract starts: the invalidation broadcast
// is dispatched before Write returns its CommitAck, so a caller that writes
// a parameter and then immediately triggers a dependent action cannot
// observe other workers acting on the pre-write value beyond the cache's
// staleness bound.
type RiskConfigStore struct {
	pool   *pgxpool.Pool
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewRiskConfigStore creates a RiskConfigStore backed by the given pool. The
// bus carries invalidation broadcasts on writes.
func NewRiskConfigStore(pool *pgxpool.Pool, bus domain.SignalBus, logger *slog.Logger) *RiskConfigStore {
	return &RiskConfigStore{
		pool:   pool,
		bus:    bus,
		logger: logger.With(slog.String("component", "risk_config_store")),
	}
}

const riskConfigCols = `user_id, entry_multiplier, base_investment, scale_in_enabled, max_entries,
	use_tp1, use_tp2, use_tp3,
	tp1_percent, tp2_percent, tp3_percent,
	tp1_ratio, tp2_ratio, tp3_ratio,
	sl_percent, legacy_tp_percent, leverage, generation, updated_at`

func scanRiskConfig(row pgx.Row) (domain.RiskConfig, error) {
	var c domain.RiskConfig
	err := row.Scan(
		&c.UserID, &c.EntryMultiplier, &c.BaseInvestment, &c.ScaleInEnabled, &c.MaxEntries,
		&c.UseTP1, &c.UseTP2, &c.UseTP3,
		&c.TP1Percent, &c.TP2Percent, &c.TP3Percent,
		&c.TP1Ratio, &c.TP2Ratio, &c.TP3Ratio,
		&c.SLPercent, &c.LegacyTPPercent, &c.Leverage, &c.Generation, &c.UpdatedAt,
	)
	return c, err
}

// Read retrieves a user's risk configuration.
func (s *RiskConfigStore) Read(ctx context.Context, userID string) (domain.RiskConfig, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+riskConfigCols+` FROM risk_configs WHERE user_id = $1`, userID)

	cfg, err := scanRiskConfig(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.RiskConfig{}, domain.ErrNotFound
		}
		return domain.RiskConfig{}, fmt.Errorf("postgres: read risk config %s: %w", userID, err)
	}
	return cfg, nil
}

// Write upserts a user's risk configuration, bumping its generation, then
// broadcasts the invalidation. The CommitAck is only returned once the
// broadcast has been dispatched.
func (s *RiskConfigStore) Write(ctx context.Context, cfg domain.RiskConfig) (domain.CommitAck, error) {
	if err := cfg.Validate(); err != nil {
		return domain.CommitAck{}, fmt.Errorf("postgres: write risk config: %w", err)
	}

	const query = `
		INSERT INTO risk_configs (
			user_id, entry_multiplier, base_investment, scale_in_enabled, max_entries,
			use_tp1, use_tp2, use_tp3,
			tp1_percent, tp2_percent, tp3_percent,
			tp1_ratio, tp2_ratio, tp3_ratio,
			sl_percent, legacy_tp_percent, leverage, generation, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11,
			$12, $13, $14,
			$15, $16, $17, 1, NOW()
		)
		ON CONFLICT (user_id) DO UPDATE SET
			entry_multiplier  = EXCLUDED.entry_multiplier,
			base_investment   = EXCLUDED.base_investment,
			scale_in_enabled  = EXCLUDED.scale_in_enabled,
			max_entries       = EXCLUDED.max_entries,
			use_tp1           = EXCLUDED.use_tp1,
			use_tp2           = EXCLUDED.use_tp2,
			use_tp3           = EXCLUDED.use_tp3,
			tp1_percent       = EXCLUDED.tp1_percent,
			tp2_percent       = EXCLUDED.tp2_percent,
			tp3_percent       = EXCLUDED.tp3_percent,
			tp1_ratio         = EXCLUDED.tp1_ratio,
			tp2_ratio         = EXCLUDED.tp2_ratio,
			tp3_ratio         = EXCLUDED.tp3_ratio,
			sl_percent        = EXCLUDED.sl_percent,
			legacy_tp_percent = EXCLUDED.legacy_tp_percent,
			leverage          = EXCLUDED.leverage,
			generation        = risk_configs.generation + 1,
			updated_at        = NOW()
		RETURNING generation, updated_at`

	var generation int64
	var committedAt time.Time
	err := s.pool.QueryRow(ctx, query,
		cfg.UserID, cfg.EntryMultiplier, cfg.BaseInvestment, cfg.ScaleInEnabled, cfg.MaxEntries,
		cfg.UseTP1, cfg.UseTP2, cfg.UseTP3,
		cfg.TP1Percent, cfg.TP2Percent, cfg.TP3Percent,
		cfg.TP1Ratio, cfg.TP2Ratio, cfg.TP3Ratio,
		cfg.SLPercent, cfg.LegacyTPPercent, cfg.Leverage,
	).Scan(&generation, &committedAt)
	if err != nil {
		return domain.CommitAck{}, fmt.Errorf("postgres: upsert risk config %s: %w", cfg.UserID, err)
	}

	payload, err := json.Marshal(configcache.Invalidation{
		UserID:     cfg.UserID,
		Generation: generation,
	})
	if err != nil {
		return domain.CommitAck{}, fmt.Errorf("postgres: marshal invalidation %s: %w", cfg.UserID, err)
	}
	if err := s.bus.Publish(ctx, configcache.InvalidationChannel, payload); err != nil {
		// The row is committed but readers were not told; without the ack
		// the caller must treat the write as incomplete and retry.
		return domain.CommitAck{}, fmt.Errorf("postgres: broadcast invalidation %s: %w", cfg.UserID, err)
	}

	s.logger.InfoContext(ctx, "risk config committed",
		slog.String("user_id", cfg.UserID),
		slog.Int64("generation", generation),
	)

	return domain.CommitAck{Generation: generation, CommittedAt: committedAt}, nil
}

// Compile-time interface check.
var _ domain.ConfigStore = (*RiskConfigStore)(nil)
