package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/davemott/paperledger/internal/models"
)

// MutateFunc is invoked with a freshly row-locked position. It may mutate
// the position and return the audit row to persist alongside it, or return
// ErrUnchanged to commit nothing. Network calls do not belong inside it.
type MutateFunc func(p *models.Position) (*models.StateTransition, error)

// Interface is the privileged, cross-tenant storage handle used by the
// scheduled reconciliation jobs. User-initiated operations must go through
// the tenant-scoped handle returned by ForTenant instead.
//
// Implementations must be safe for concurrent use. Every positional write is
// a conditional update on the position's version; zero affected rows is the
// sole conflict signal (ErrVersionConflict).
type Interface interface {
	// CreatePosition inserts the position and its creation audit row in one
	// transaction. When the position carries an idempotency key that already
	// exists, the original position is returned instead of creating a
	// second one.
	CreatePosition(ctx context.Context, p *models.Position, rec *models.StateTransition) (*models.Position, error)
	// DeletePosition removes a position and, by cascade, its audit and
	// snapshot rows. Only used to roll back a tentative creation.
	DeletePosition(ctx context.Context, id uuid.UUID) error
	GetPosition(ctx context.Context, id uuid.UUID) (*models.Position, error)
	// ListByStatus returns positions in any of the given statuses across
	// all tenants, oldest first.
	ListByStatus(ctx context.Context, statuses ...models.Status) ([]models.Position, error)

	// ApplyTransition persists a lifecycle mutation: the full mutable field
	// set conditional on p.Version, plus exactly one audit row, in one
	// transaction. On success p.Version is bumped by exactly one.
	ApplyTransition(ctx context.Context, p *models.Position, rec *models.StateTransition) error
	// UpdateMark persists mark price and unrealized P&L, conditional on
	// p.Version.
	UpdateMark(ctx context.Context, p *models.Position) error
	// UpdateBracket persists bracket prices, broker order ids, and the
	// context blob, conditional on p.Version.
	UpdateBracket(ctx context.Context, p *models.Position) error
	// MutateLocked re-reads the position under a row-level lock, applies fn,
	// and commits the mutation plus optional audit row atomically.
	MutateLocked(ctx context.Context, id uuid.UUID, fn MutateFunc) error

	AppendSnapshot(ctx context.Context, s *models.PriceSnapshot) error
	Snapshots(ctx context.Context, positionID uuid.UUID, limit int) ([]models.PriceSnapshot, error)
	Transitions(ctx context.Context, positionID uuid.UUID) ([]models.StateTransition, error)

	// RealizedPnLSince sums realized P&L for a tenant's positions closed at
	// or after the given instant. Feeds the daily-loss circuit breaker.
	RealizedPnLSince(ctx context.Context, tenantID string, since time.Time) (float64, error)
	TenantSettings(ctx context.Context, tenantID string) (*models.TenantRiskSettings, error)
	UpsertTenantSettings(ctx context.Context, s *models.TenantRiskSettings) error

	// WithAdvisoryLock runs fn while holding the statically-assigned
	// advisory lock, or returns ErrLockHeld without running fn when a
	// concurrent holder exists. The lock is released in a guaranteed
	// cleanup step.
	WithAdvisoryLock(ctx context.Context, lockID int64, fn func(ctx context.Context) error) error

	// ForTenant returns a handle whose visibility is restricted to one
	// tenant's rows.
	ForTenant(tenantID string) TenantInterface
}

// TenantInterface is the tenant-scoped storage handle passed through the
// call chain for user-initiated operations. Every method behaves as if rows
// of other tenants did not exist.
type TenantInterface interface {
	CreatePosition(ctx context.Context, p *models.Position, rec *models.StateTransition) (*models.Position, error)
	GetPosition(ctx context.Context, id uuid.UUID) (*models.Position, error)
	ListPositions(ctx context.Context, statuses ...models.Status) ([]models.Position, error)
	UpdateBracket(ctx context.Context, p *models.Position) error
	MutateLocked(ctx context.Context, id uuid.UUID, fn MutateFunc) error
	Transitions(ctx context.Context, positionID uuid.UUID) ([]models.StateTransition, error)
	Snapshots(ctx context.Context, positionID uuid.UUID, limit int) ([]models.PriceSnapshot, error)
	Settings(ctx context.Context) (*models.TenantRiskSettings, error)
}
