package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ConfigStore is the durable, authoritative store of per-user risk
// parameters. Write returns only after the change is committed AND the
// invalidation broadcast for the user has been dispatched, so a caller that
// writes and then triggers a dependent action cannot race its own update.
type ConfigStore interface {
	Read(ctx context.Context, userID string) (RiskConfig, error)
	Write(ctx context.Context, cfg RiskConfig) (CommitAck, error)
}

// PositionStore persists position snapshots.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	ListOpenByUser(ctx context.Context, userID string) ([]Position, error)
	ListHistory(ctx context.Context, userID string, opts ListOpts) ([]Position, error)
}

// TradeStore persists executed entries and exits.
type TradeStore interface {
	Insert(ctx context.Context, trade Trade) error
	ListByPosition(ctx context.Context, positionID string, opts ListOpts) ([]Trade, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Trade, error)
	ListBefore(ctx context.Context, before time.Time) ([]Trade, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
