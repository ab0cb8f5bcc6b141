package engine

import (
	"context"
	"errors"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/davemott/paperledger/internal/broker"
	"github.com/davemott/paperledger/internal/lifecycle"
	"github.com/davemott/paperledger/internal/models"
	"github.com/davemott/paperledger/internal/storage"
)

// SyncBrokerOrders reconciles open positions against their broker-side
// orders, then reaps bracket orders left dangling on terminal positions.
// Returns storage.ErrLockHeld when a previous run is still in flight.
func (e *Engine) SyncBrokerOrders(ctx context.Context) error {
	return e.store.WithAdvisoryLock(ctx, storage.LockSyncBrokerOrders, func(ctx context.Context) error {
		open, err := e.store.ListByStatus(ctx, models.StatusOpen)
		if err != nil {
			return err
		}
		for tenantID, batch := range groupByTenant(open) {
			e.syncTenantOrders(ctx, tenantID, batch)
		}
		return e.reapOrphanBrackets(ctx)
	})
}

// syncTenantOrders polls one tenant's open positions. Auth failures and rate
// limits abandon the tenant for this tick; any other broker error skips just
// the one position.
func (e *Engine) syncTenantOrders(ctx context.Context, tenantID string, batch []models.Position) {
	log := e.logger.WithField("tenant", tenantID)

	b, _, err := e.brokerFor(ctx, tenantID)
	if err != nil {
		log.WithError(err).Error("cannot resolve broker, skipping tenant")
		return
	}

	for i := range batch {
		p := &batch[i]
		if err := e.syncPositionOrders(ctx, b, p); err != nil {
			if broker.IsAuth(err) {
				log.WithError(err).Error("broker authentication failed, skipping tenant")
				return
			}
			if broker.IsRateLimit(err) {
				log.WithError(err).Warn("broker rate limited, skipping tenant this tick")
				return
			}
			log.WithError(err).WithField("position", p.ID).Warn("order sync failed for position")
		}
	}
}

// syncPositionOrders checks the bracket legs first, then the entry order, and
// acts on the first terminal broker state it sees.
func (e *Engine) syncPositionOrders(ctx context.Context, b broker.Broker, p *models.Position) error {
	for _, orderID := range []*string{p.SLOrderID, p.TPOrderID, p.BrokerOrderID} {
		if orderID == nil {
			continue
		}

		callCtx, cancel := e.callCtx(ctx)
		state, err := b.GetOrder(callCtx, *orderID)
		cancel()
		if err != nil {
			return err
		}
		if !state.Status.Terminal() {
			continue
		}

		switch state.Status {
		case broker.OrderStatusFilled:
			return e.closeFromBrokerFill(ctx, p, state)
		case broker.OrderStatusExpired:
			return e.expireFromBroker(ctx, p, state)
		case broker.OrderStatusRejected, broker.OrderStatusCanceled:
			return e.cancelFromBroker(ctx, p, state)
		}
	}
	return nil
}

// deriveCloseReason classifies a broker fill against the bracket. A fill
// within the tolerance band of a leg is attributed to that leg, stop-loss
// first; anything else is a plain broker fill. The band scales with the leg
// price, floored in absolute dollars.
func (e *Engine) deriveCloseReason(p *models.Position, fillPrice float64) models.CloseReason {
	within := func(leg float64) bool {
		tol := math.Max(leg*e.cfg.BracketTolerancePct, e.cfg.BracketToleranceMin)
		return math.Abs(fillPrice-leg) <= tol
	}
	if p.StopLoss != nil && within(*p.StopLoss) {
		return models.CloseReasonStopLoss
	}
	if p.TakeProfit != nil && within(*p.TakeProfit) {
		return models.CloseReasonTakeProfit
	}
	return models.CloseReasonBrokerFill
}

func (e *Engine) closeFromBrokerFill(ctx context.Context, p *models.Position, state *broker.OrderState) error {
	fill := state.AvgFillPrice
	realized := p.RealizedAt(fill)
	reason := e.deriveCloseReason(p, fill)

	p.ExitPrice = &fill
	p.RealizedPnL = &realized
	p.CloseReason = reason
	p.MarkPrice = fill
	p.UnrealizedPnL = 0

	err := e.lifecycle.Transition(ctx, p, models.StatusClosed, models.TriggerBrokerFill, models.FillMetadata{
		OrderID:     state.OrderID,
		FillPrice:   fill,
		RealizedPnL: realized,
		Reason:      string(reason),
	})
	if err != nil {
		return err
	}

	e.logger.WithFields(logrus.Fields{
		"position": p.ID,
		"tenant":   p.TenantID,
		"fill":     fill,
		"realized": realized,
		"reason":   reason,
	}).Info("position closed on broker fill")
	return nil
}

func (e *Engine) expireFromBroker(ctx context.Context, p *models.Position, state *broker.OrderState) error {
	zero := 0.0
	realized := p.RealizedAt(0)
	p.ExitPrice = &zero
	p.RealizedPnL = &realized
	p.CloseReason = models.CloseReasonExpired
	p.MarkPrice = 0
	p.UnrealizedPnL = 0

	return e.lifecycle.Transition(ctx, p, models.StatusExpired, models.TriggerBrokerExpired, models.FillMetadata{
		OrderID:     state.OrderID,
		FillPrice:   0,
		RealizedPnL: realized,
		Reason:      string(models.CloseReasonExpired),
	})
}

// cancelFromBroker maps a broker rejection or cancellation onto the position.
// When the position raced to a terminal state first, the broker event is
// still recorded via the forced escape hatch instead of being dropped.
func (e *Engine) cancelFromBroker(ctx context.Context, p *models.Position, state *broker.OrderState) error {
	err := e.lifecycle.Transition(ctx, p, models.StatusCanceled, models.TriggerBrokerCanceled, models.OrderMetadata{
		OrderID:      state.OrderID,
		BrokerStatus: string(state.Status),
	})
	if err == nil {
		return nil
	}

	var invalid *lifecycle.InvalidTransitionError
	if errors.As(err, &invalid) {
		return e.lifecycle.ForceTerminal(ctx, p, models.StatusCanceled, models.TriggerBrokerCanceled, string(state.Status))
	}
	if errors.Is(err, storage.ErrVersionConflict) {
		fresh, ferr := e.store.GetPosition(ctx, p.ID)
		if ferr != nil {
			return ferr
		}
		if fresh.Status.Terminal() {
			return e.lifecycle.ForceTerminal(ctx, fresh, models.StatusCanceled, models.TriggerBrokerCanceled, string(state.Status))
		}
		// Someone else moved it to a live state; next tick re-evaluates.
		return err
	}
	return err
}

// reapOrphanBrackets cancels bracket orders still attached to terminal
// positions and clears the ids, so no live order outlives its position.
func (e *Engine) reapOrphanBrackets(ctx context.Context) error {
	terminal, err := e.store.ListByStatus(ctx, models.StatusClosed, models.StatusExpired, models.StatusCanceled)
	if err != nil {
		return err
	}

	for tenantID, batch := range groupByTenant(terminal) {
		var tenantBroker broker.Broker
		for i := range batch {
			p := &batch[i]
			if !p.HasBracketOrders() {
				continue
			}
			if tenantBroker == nil {
				tenantBroker, _, err = e.brokerFor(ctx, tenantID)
				if err != nil {
					e.logger.WithError(err).WithField("tenant", tenantID).Error("cannot resolve broker for orphan reap")
					break
				}
			}
			e.reapPositionBrackets(ctx, tenantBroker, p)
		}
	}
	return nil
}

func (e *Engine) reapPositionBrackets(ctx context.Context, b broker.Broker, p *models.Position) {
	log := e.logger.WithFields(logrus.Fields{"position": p.ID, "tenant": p.TenantID})

	// An id is cleared only once the broker confirms the order is gone:
	// canceled now, or already terminal. A transient provider failure keeps
	// the id so the next tick retries instead of losing track of a live order.
	var cleared bool
	reap := func(orderID *string) *string {
		if orderID == nil {
			return nil
		}
		callCtx, cancel := e.callCtx(ctx)
		err := b.CancelOrder(callCtx, *orderID)
		cancel()
		if err != nil && !broker.IsOrderGone(err) {
			log.WithError(err).WithField("order", *orderID).Warn("orphan bracket cancel failed, keeping id for next tick")
			return orderID
		}
		cleared = true
		return nil
	}

	p.SLOrderID = reap(p.SLOrderID)
	p.TPOrderID = reap(p.TPOrderID)
	if !cleared {
		return
	}
	if err := e.store.UpdateBracket(ctx, p); err != nil {
		log.WithError(err).Warn("failed to clear orphan bracket ids")
		return
	}
	log.Info("cleared orphan bracket orders on terminal position")
}
