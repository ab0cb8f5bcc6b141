package engine

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/davemott/paperledger/internal/broker"
	"github.com/davemott/paperledger/internal/lifecycle"
	"github.com/davemott/paperledger/internal/models"
	"github.com/davemott/paperledger/internal/storage"
)

// LifecycleSync repolls positions stuck mid-transition (awaiting an entry
// fill or a close fill) and sweeps open positions whose contracts have
// expired worthless.
func (e *Engine) LifecycleSync(ctx context.Context) error {
	return e.store.WithAdvisoryLock(ctx, storage.LockLifecycleSync, func(ctx context.Context) error {
		stuck, err := e.store.ListByStatus(ctx,
			models.StatusPending, models.StatusPartiallyFilled, models.StatusClosing)
		if err != nil {
			return err
		}
		for tenantID, batch := range groupByTenant(stuck) {
			e.repollTenant(ctx, tenantID, batch)
		}
		return e.sweepExpired(ctx)
	})
}

func (e *Engine) repollTenant(ctx context.Context, tenantID string, batch []models.Position) {
	log := e.logger.WithField("tenant", tenantID)

	b, _, err := e.brokerFor(ctx, tenantID)
	if err != nil {
		log.WithError(err).Error("cannot resolve broker, skipping tenant")
		return
	}

	for i := range batch {
		p := &batch[i]
		if p.BrokerOrderID == nil {
			// Stuck with no order to poll; nothing the broker can tell us.
			log.WithFields(logrus.Fields{
				"position": p.ID,
				"status":   p.Status,
			}).Warn("position stuck without a broker order id")
			continue
		}

		callCtx, cancel := e.callCtx(ctx)
		state, err := b.GetOrder(callCtx, *p.BrokerOrderID)
		cancel()
		if err != nil {
			if broker.IsAuth(err) {
				log.WithError(err).Error("broker authentication failed, skipping tenant")
				return
			}
			if broker.IsRateLimit(err) {
				log.WithError(err).Warn("broker rate limited, skipping tenant this tick")
				return
			}
			log.WithError(err).WithField("position", p.ID).Warn("order repoll failed")
			continue
		}

		if err := e.applyStuckOrderState(ctx, p, state); err != nil {
			log.WithError(err).WithField("position", p.ID).Warn("stuck order reconciliation failed")
		}
	}
}

// applyStuckOrderState maps a broker order state onto a position stuck in
// pending, partially_filled, or closing.
func (e *Engine) applyStuckOrderState(ctx context.Context, p *models.Position, state *broker.OrderState) error {
	if p.Status == models.StatusClosing {
		switch state.Status {
		case broker.OrderStatusFilled:
			return e.closeFromBrokerFill(ctx, p, state)
		case broker.OrderStatusExpired, broker.OrderStatusRejected, broker.OrderStatusCanceled:
			// The close order died; the position is live again. Its id must
			// not linger, or the order sync would read the dead close order
			// as a cancellation of the position itself.
			p.BrokerOrderID = nil
			return e.lifecycle.Transition(ctx, p, models.StatusOpen, models.TriggerCloseRejected, models.OrderMetadata{
				OrderID:      state.OrderID,
				BrokerStatus: string(state.Status),
			})
		}
		return nil
	}

	// Entry path: pending or partially_filled.
	switch state.Status {
	case broker.OrderStatusFilled:
		if state.AvgFillPrice > 0 {
			p.EntryPrice = state.AvgFillPrice
		}
		// The filled entry order stops being tracked once the position is
		// open; the order sync must never mistake it for an exit fill.
		p.BrokerOrderID = nil
		return e.lifecycle.Transition(ctx, p, models.StatusOpen, models.TriggerBrokerFill, models.OrderMetadata{
			OrderID:      state.OrderID,
			BrokerStatus: string(state.Status),
		})
	case broker.OrderStatusPartiallyFilled:
		if p.Status != models.StatusPending {
			return nil
		}
		return e.lifecycle.Transition(ctx, p, models.StatusPartiallyFilled, models.TriggerBrokerFill, models.OrderMetadata{
			OrderID:      state.OrderID,
			BrokerStatus: string(state.Status),
		})
	case broker.OrderStatusExpired:
		// An expired entry order means the position never existed; expiry of
		// the contract itself is the sweep's business, not this path's.
		return e.lifecycle.Transition(ctx, p, models.StatusCanceled, models.TriggerBrokerExpired, models.OrderMetadata{
			OrderID:      state.OrderID,
			BrokerStatus: string(state.Status),
		})
	case broker.OrderStatusRejected, broker.OrderStatusCanceled:
		return e.cancelFromBroker(ctx, p, state)
	}
	return nil
}

// sweepExpired closes open positions whose expiry is on or before today and
// whose last mark sits at or under the worthless threshold. Exit price is
// zero; realized P&L is direction-aware against a zero fill.
func (e *Engine) sweepExpired(ctx context.Context) error {
	open, err := e.store.ListByStatus(ctx, models.StatusOpen)
	if err != nil {
		return err
	}

	today := e.now()
	for i := range open {
		p := &open[i]
		if !p.ExpiresOnOrBefore(today) || p.MarkPrice > e.cfg.ExpiryWorthlessMark {
			continue
		}

		expiry := p.Expiry.Format("2006-01-02")
		err := e.store.MutateLocked(ctx, p.ID, func(locked *models.Position) (*models.StateTransition, error) {
			if locked.Status != models.StatusOpen {
				return nil, storage.ErrUnchanged
			}
			if !locked.ExpiresOnOrBefore(today) || locked.MarkPrice > e.cfg.ExpiryWorthlessMark {
				return nil, storage.ErrUnchanged
			}

			lastMark := locked.MarkPrice
			zero := 0.0
			realized := locked.RealizedAt(0)
			locked.ExitPrice = &zero
			locked.RealizedPnL = &realized
			locked.CloseReason = models.CloseReasonExpired
			locked.MarkPrice = 0
			locked.UnrealizedPnL = 0

			return lifecycle.Apply(locked, models.StatusExpired, models.TriggerExpirySweep, models.ExpiryMetadata{
				Expiry:   expiry,
				LastMark: lastMark,
			}, e.now())
		})
		if err != nil {
			e.logger.WithError(err).WithField("position", p.ID).Warn("expiry sweep failed for position")
			continue
		}
		e.logger.WithFields(logrus.Fields{
			"position": p.ID,
			"tenant":   p.TenantID,
			"expiry":   expiry,
		}).Info("position expired worthless")
	}
	return nil
}
