package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davemott/paperledger/internal/models"
)

// MockStorage is an in-memory Interface implementation for tests. It keeps
// the same concurrency contract as the real store: version-conditional
// writes, row-serialized mutations, and try-lock advisory locks.
type MockStorage struct {
	mu          sync.Mutex
	positions   map[uuid.UUID]*models.Position
	transitions map[uuid.UUID][]models.StateTransition
	snapshots   map[uuid.UUID][]models.PriceSnapshot
	settings    map[string]*models.TenantRiskSettings
	locks       map[int64]bool
	nextTransID int64
	nextSnapID  int64

	// Now is the mock clock; tests may pin it.
	Now func() time.Time

	// CreateErr, MutateErr etc. force the next matching call to fail.
	CreateErr error
	UpdateErr error
	MutateErr error
}

// NewMockStorage returns an empty in-memory store.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		positions:   make(map[uuid.UUID]*models.Position),
		transitions: make(map[uuid.UUID][]models.StateTransition),
		snapshots:   make(map[uuid.UUID][]models.PriceSnapshot),
		settings:    make(map[string]*models.TenantRiskSettings),
		locks:       make(map[int64]bool),
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

func clonePosition(p *models.Position) *models.Position {
	cp := *p
	if p.Context != nil {
		cp.Context = make(map[string]any, len(p.Context))
		for k, v := range p.Context {
			cp.Context[k] = v
		}
	}
	clonePtr := func(f *float64) *float64 {
		if f == nil {
			return nil
		}
		v := *f
		return &v
	}
	cloneStr := func(s *string) *string {
		if s == nil {
			return nil
		}
		v := *s
		return &v
	}
	cp.StopLoss = clonePtr(p.StopLoss)
	cp.TakeProfit = clonePtr(p.TakeProfit)
	cp.ExitPrice = clonePtr(p.ExitPrice)
	cp.RealizedPnL = clonePtr(p.RealizedPnL)
	cp.BrokerOrderID = cloneStr(p.BrokerOrderID)
	cp.SLOrderID = cloneStr(p.SLOrderID)
	cp.TPOrderID = cloneStr(p.TPOrderID)
	cp.IdempotencyKey = cloneStr(p.IdempotencyKey)
	if p.ClosedAt != nil {
		v := *p.ClosedAt
		cp.ClosedAt = &v
	}
	return &cp
}

func (m *MockStorage) appendTransition(rec *models.StateTransition) {
	m.nextTransID++
	rec.ID = m.nextTransID
	m.transitions[rec.PositionID] = append(m.transitions[rec.PositionID], *rec)
}

func (m *MockStorage) CreatePosition(_ context.Context, p *models.Position, rec *models.StateTransition) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}

	if p.IdempotencyKey != nil {
		for _, existing := range m.positions {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *p.IdempotencyKey {
				return clonePosition(existing), nil
			}
		}
	}
	if _, ok := m.positions[p.ID]; ok {
		return nil, fmt.Errorf("mock storage: duplicate position id %s", p.ID)
	}

	now := m.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	m.positions[p.ID] = clonePosition(p)
	if rec != nil {
		m.appendTransition(rec)
	}
	return p, nil
}

func (m *MockStorage) DeletePosition(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[id]; !ok {
		return ErrNotFound
	}
	delete(m.positions, id)
	delete(m.transitions, id)
	delete(m.snapshots, id)
	return nil
}

func (m *MockStorage) GetPosition(_ context.Context, id uuid.UUID) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePosition(p), nil
}

func (m *MockStorage) ListByStatus(_ context.Context, statuses ...models.Status) ([]models.Position, error) {
	return m.list("", statuses...)
}

func (m *MockStorage) list(tenant string, statuses ...models.Status) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[models.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []models.Position
	for _, p := range m.positions {
		if !want[p.Status] {
			continue
		}
		if tenant != "" && p.TenantID != tenant {
			continue
		}
		out = append(out, *clonePosition(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MockStorage) write(p *models.Position, rec *models.StateTransition) error {
	stored, ok := m.positions[p.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != p.Version {
		return ErrVersionConflict
	}
	p.Version++
	m.positions[p.ID] = clonePosition(p)
	if rec != nil {
		m.appendTransition(rec)
	}
	return nil
}

func (m *MockStorage) ApplyTransition(_ context.Context, p *models.Position, rec *models.StateTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	return m.write(p, rec)
}

func (m *MockStorage) UpdateMark(_ context.Context, p *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	return m.write(p, nil)
}

func (m *MockStorage) UpdateBracket(_ context.Context, p *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	return m.write(p, nil)
}

func (m *MockStorage) MutateLocked(_ context.Context, id uuid.UUID, fn MutateFunc) error {
	return m.mutateLocked(id, "", fn)
}

func (m *MockStorage) mutateLocked(id uuid.UUID, tenant string, fn MutateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MutateErr != nil {
		return m.MutateErr
	}

	stored, ok := m.positions[id]
	if !ok || (tenant != "" && stored.TenantID != tenant) {
		return ErrNotFound
	}

	p := clonePosition(stored)
	rec, err := fn(p)
	if err != nil {
		if err == ErrUnchanged {
			return nil
		}
		return err
	}
	return m.write(p, rec)
}

func (m *MockStorage) AppendSnapshot(_ context.Context, snap *models.PriceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = m.Now()
	}
	m.nextSnapID++
	snap.ID = m.nextSnapID
	m.snapshots[snap.PositionID] = append(m.snapshots[snap.PositionID], *snap)
	return nil
}

func (m *MockStorage) Snapshots(_ context.Context, positionID uuid.UUID, limit int) ([]models.PriceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snaps := m.snapshots[positionID]
	out := make([]models.PriceSnapshot, len(snaps))
	copy(out, snaps)
	// Newest first, like the real store.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStorage) Transitions(_ context.Context, positionID uuid.UUID) ([]models.StateTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.transitions[positionID]
	out := make([]models.StateTransition, len(recs))
	copy(out, recs)
	return out, nil
}

func (m *MockStorage) RealizedPnLSince(_ context.Context, tenantID string, since time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, p := range m.positions {
		if p.TenantID != tenantID || p.RealizedPnL == nil || p.ClosedAt == nil {
			continue
		}
		if p.ClosedAt.Before(since) {
			continue
		}
		total += *p.RealizedPnL
	}
	return total, nil
}

func (m *MockStorage) TenantSettings(_ context.Context, tenantID string) (*models.TenantRiskSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.settings[tenantID]
	if !ok {
		return nil, ErrTenantSettingsNotFound
	}
	cp := *set
	return &cp, nil
}

func (m *MockStorage) UpsertTenantSettings(_ context.Context, set *models.TenantRiskSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *set
	m.settings[set.TenantID] = &cp
	return nil
}

func (m *MockStorage) WithAdvisoryLock(ctx context.Context, lockID int64, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	if m.locks[lockID] {
		m.mu.Unlock()
		return ErrLockHeld
	}
	m.locks[lockID] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.locks, lockID)
		m.mu.Unlock()
	}()
	return fn(ctx)
}

func (m *MockStorage) ForTenant(tenantID string) TenantInterface {
	return &mockTenantStorage{mock: m, tenantID: tenantID}
}

type mockTenantStorage struct {
	mock     *MockStorage
	tenantID string
}

func (t *mockTenantStorage) CreatePosition(ctx context.Context, p *models.Position, rec *models.StateTransition) (*models.Position, error) {
	if p.TenantID == "" {
		p.TenantID = t.tenantID
	}
	if p.TenantID != t.tenantID {
		return nil, fmt.Errorf("mock storage: tenant mismatch: %q vs %q", p.TenantID, t.tenantID)
	}
	return t.mock.CreatePosition(ctx, p, rec)
}

func (t *mockTenantStorage) GetPosition(ctx context.Context, id uuid.UUID) (*models.Position, error) {
	p, err := t.mock.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.TenantID != t.tenantID {
		return nil, ErrNotFound
	}
	return p, nil
}

func (t *mockTenantStorage) ListPositions(_ context.Context, statuses ...models.Status) ([]models.Position, error) {
	if len(statuses) == 0 {
		statuses = models.AllStatuses
	}
	return t.mock.list(t.tenantID, statuses...)
}

func (t *mockTenantStorage) UpdateBracket(ctx context.Context, p *models.Position) error {
	if p.TenantID != t.tenantID {
		return ErrNotFound
	}
	return t.mock.UpdateBracket(ctx, p)
}

func (t *mockTenantStorage) MutateLocked(_ context.Context, id uuid.UUID, fn MutateFunc) error {
	return t.mock.mutateLocked(id, t.tenantID, fn)
}

func (t *mockTenantStorage) Transitions(ctx context.Context, positionID uuid.UUID) ([]models.StateTransition, error) {
	if _, err := t.GetPosition(ctx, positionID); err != nil {
		return nil, err
	}
	return t.mock.Transitions(ctx, positionID)
}

func (t *mockTenantStorage) Snapshots(ctx context.Context, positionID uuid.UUID, limit int) ([]models.PriceSnapshot, error) {
	if _, err := t.GetPosition(ctx, positionID); err != nil {
		return nil, err
	}
	return t.mock.Snapshots(ctx, positionID, limit)
}

func (t *mockTenantStorage) Settings(ctx context.Context) (*models.TenantRiskSettings, error) {
	return t.mock.TenantSettings(ctx, t.tenantID)
}

var (
	_ Interface       = (*MockStorage)(nil)
	_ TenantInterface = (*mockTenantStorage)(nil)
)
