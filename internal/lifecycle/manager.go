package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/davemott/paperledger/internal/models"
)

// Store is the slice of the storage layer the manager needs: a single-
// transaction write of the mutated position (conditional on its version)
// plus exactly one audit row.
type Store interface {
	ApplyTransition(ctx context.Context, p *models.Position, rec *models.StateTransition) error
}

// Manager validates and applies state transitions. It is the only path by
// which a position's status changes after creation.
type Manager struct {
	store  Store
	logger *logrus.Logger
	now    func() time.Time
}

// NewManager creates a lifecycle manager bound to a store.
func NewManager(store Store, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Normalize canonicalizes a caller-supplied status value.
func Normalize(s models.Status) models.Status {
	return models.Status(strings.ToLower(strings.TrimSpace(string(s))))
}

// Apply validates the edge and, on success, mutates the position in memory
// and returns the audit row to persist with it. On failure the position is
// byte-for-byte unchanged and the error is a typed *InvalidTransitionError.
//
// Apply does not touch storage; it is shared by the optimistic path
// (Manager.Transition) and by row-locked mutation callbacks.
func Apply(p *models.Position, to models.Status, trigger models.Trigger,
	meta models.TransitionMetadata, now time.Time) (*models.StateTransition, error) {
	to = Normalize(to)
	if err := validate(p.Status, to); err != nil {
		return nil, err
	}
	return apply(p, to, trigger, meta, now)
}

// apply performs the mutation and builds the audit row without validating.
func apply(p *models.Position, to models.Status, trigger models.Trigger,
	meta models.TransitionMetadata, now time.Time) (*models.StateTransition, error) {
	raw, err := models.EncodeMetadata(meta)
	if err != nil {
		return nil, fmt.Errorf("encode transition metadata: %w", err)
	}

	rec := &models.StateTransition{
		PositionID: p.ID,
		ToStatus:   to,
		Trigger:    trigger,
		Metadata:   raw,
		CreatedAt:  now,
	}
	if p.Status != "" {
		from := p.Status
		rec.FromStatus = &from
	}

	p.Status = to
	p.UpdatedAt = now
	if to.Terminal() {
		closedAt := now
		p.ClosedAt = &closedAt
	}
	return rec, nil
}

// Transition validates the edge, applies it to the position, and persists
// the mutated row together with exactly one audit record in one storage
// transaction. The write is conditional on the position's current version;
// the store bumps it by exactly one on success and reports a conflict
// otherwise.
func (m *Manager) Transition(ctx context.Context, p *models.Position, to models.Status,
	trigger models.Trigger, meta models.TransitionMetadata) error {
	rec, err := Apply(p, to, trigger, meta, m.now())
	if err != nil {
		return err
	}
	if err := m.store.ApplyTransition(ctx, p, rec); err != nil {
		return err
	}
	return nil
}

// ForceTerminal is the single documented escape hatch: a broker-confirmed
// terminal event (typically a cancellation racing a local close) is a fact
// that must be recorded even when the internal model disagrees. The edge is
// not validated; the audit row carries a "*_forced" trigger and the state
// the position was in when the event arrived.
func (m *Manager) ForceTerminal(ctx context.Context, p *models.Position, to models.Status,
	trigger models.Trigger, brokerStatus string) error {
	to = Normalize(to)
	if !to.Terminal() {
		return fmt.Errorf("force-terminal target %q is not a terminal status", to)
	}

	m.logger.WithFields(logrus.Fields{
		"position": p.ID,
		"from":     p.Status,
		"to":       to,
		"broker":   brokerStatus,
	}).Warn("forcing terminal state on broker-confirmed event")

	rec, err := apply(p, to, trigger.Forced(), models.ForceMetadata{
		PriorStatus:  p.Status,
		BrokerStatus: brokerStatus,
	}, m.now())
	if err != nil {
		return err
	}
	return m.store.ApplyTransition(ctx, p, rec)
}
