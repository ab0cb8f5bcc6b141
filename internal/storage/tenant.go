package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/davemott/paperledger/internal/models"
)

// tenantStore narrows a Store to a single tenant's rows. Every predicate
// carries the tenant id so a guessed position id of another tenant behaves
// exactly like a missing row.
type tenantStore struct {
	store    *Store
	tenantID string
}

// ForTenant returns a handle whose visibility is restricted to one tenant.
func (s *Store) ForTenant(tenantID string) TenantInterface {
	return &tenantStore{store: s, tenantID: tenantID}
}

func (t *tenantStore) CreatePosition(ctx context.Context, p *models.Position, rec *models.StateTransition) (*models.Position, error) {
	if p.TenantID == "" {
		p.TenantID = t.tenantID
	}
	if p.TenantID != t.tenantID {
		return nil, fmt.Errorf("storage: position tenant %q does not match handle tenant %q", p.TenantID, t.tenantID)
	}
	return t.store.createPosition(ctx, p, rec, t.tenantID)
}

func (t *tenantStore) GetPosition(ctx context.Context, id uuid.UUID) (*models.Position, error) {
	return t.store.getPosition(ctx, id, t.tenantID)
}

func (t *tenantStore) ListPositions(ctx context.Context, statuses ...models.Status) ([]models.Position, error) {
	if len(statuses) == 0 {
		statuses = models.AllStatuses
	}
	return t.store.listByStatus(ctx, t.tenantID, statuses...)
}

func (t *tenantStore) UpdateBracket(ctx context.Context, p *models.Position) error {
	return t.store.updateBracket(ctx, p, t.tenantID)
}

func (t *tenantStore) MutateLocked(ctx context.Context, id uuid.UUID, fn MutateFunc) error {
	return t.store.mutateLocked(ctx, id, t.tenantID, fn)
}

func (t *tenantStore) Transitions(ctx context.Context, positionID uuid.UUID) ([]models.StateTransition, error) {
	// Ownership check first; the audit table has no tenant column.
	if _, err := t.GetPosition(ctx, positionID); err != nil {
		return nil, err
	}
	return t.store.Transitions(ctx, positionID)
}

func (t *tenantStore) Snapshots(ctx context.Context, positionID uuid.UUID, limit int) ([]models.PriceSnapshot, error) {
	if _, err := t.GetPosition(ctx, positionID); err != nil {
		return nil, err
	}
	return t.store.Snapshots(ctx, positionID, limit)
}

func (t *tenantStore) Settings(ctx context.Context) (*models.TenantRiskSettings, error) {
	return t.store.TenantSettings(ctx, t.tenantID)
}

var _ TenantInterface = (*tenantStore)(nil)
