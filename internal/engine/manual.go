package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/davemott/paperledger/internal/broker"
	"github.com/davemott/paperledger/internal/lifecycle"
	"github.com/davemott/paperledger/internal/models"
	"github.com/davemott/paperledger/internal/storage"
)

var (
	// ErrPositionNotOpen is returned when a synchronous operation finds the
	// position in any state other than open, including after losing a race
	// to a concurrent close. Surfaced as "stale, please refresh".
	ErrPositionNotOpen = errors.New("position is not open")
	// ErrRiskLimitExceeded is returned when creation would violate the
	// tenant's position or exposure caps.
	ErrRiskLimitExceeded = errors.New("tenant risk limit exceeded")
)

// CreateRequest describes a position to open.
type CreateRequest struct {
	Underlying     string             `json:"underlying"`
	Strike         float64            `json:"strike"`
	Expiry         time.Time          `json:"expiry"`
	OptionType     models.OptionType  `json:"option_type"`
	Direction      models.Direction   `json:"direction"`
	EntryPrice     float64            `json:"entry_price"`
	Quantity       int                `json:"quantity"`
	StopLoss       *float64           `json:"stop_loss,omitempty"`
	TakeProfit     *float64           `json:"take_profit,omitempty"`
	IdempotencyKey *string            `json:"idempotency_key,omitempty"`
}

// CreatePosition opens a new position for the tenant: risk checks, a
// tentative pending row, the broker entry order, and bracket placement. A
// broker rejection rolls the tentative row back entirely. A duplicate
// idempotency key returns the original position without touching the broker.
func (e *Engine) CreatePosition(ctx context.Context, tenantID string, req CreateRequest) (*models.Position, error) {
	ts := e.store.ForTenant(tenantID)

	settings, err := ts.Settings(ctx)
	if err != nil && !errors.Is(err, storage.ErrTenantSettingsNotFound) {
		return nil, err
	}

	p := models.NewPosition(tenantID, req.Underlying, req.Strike, req.Expiry,
		req.OptionType, req.Direction, req.EntryPrice, req.Quantity)
	p.StopLoss = req.StopLoss
	p.TakeProfit = req.TakeProfit
	p.IdempotencyKey = req.IdempotencyKey
	applyDefaultBracket(p, settings)

	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := e.checkRiskLimits(ctx, ts, settings, p); err != nil {
		return nil, err
	}

	rec, err := lifecycle.Apply(p, models.StatusPending, models.TriggerOrderPlaced, nil, e.now())
	if err != nil {
		return nil, err
	}
	created, err := ts.CreatePosition(ctx, p, rec)
	if err != nil {
		return nil, err
	}
	if created.ID != p.ID {
		// Idempotent replay: the key already produced a position.
		return created, nil
	}

	b, err := e.brokers(brokerCreds(settings))
	if err != nil {
		_ = e.store.DeletePosition(ctx, p.ID)
		return nil, err
	}

	callCtx, cancel := e.callCtx(ctx)
	state, err := b.PlaceOrder(callCtx, orderSpec(p))
	cancel()
	if err != nil {
		// Roll the tentative row back rather than leaving a half-created
		// position pointing at no order.
		if delErr := e.store.DeletePosition(ctx, p.ID); delErr != nil {
			e.logger.WithError(delErr).WithField("position", p.ID).Error("failed to roll back rejected creation")
		}
		return nil, err
	}

	if state.Status == broker.OrderStatusFilled {
		if state.AvgFillPrice > 0 {
			p.EntryPrice = state.AvgFillPrice
		}
		// A filled entry order is permanently terminal; only orders whose
		// fill means an exit may stay tracked on an open position. The order
		// id survives in the audit metadata.
		p.BrokerOrderID = nil
		if err := e.lifecycle.Transition(ctx, p, models.StatusOpen, models.TriggerPaperFill, models.OrderMetadata{
			OrderID:      state.OrderID,
			BrokerStatus: string(state.Status),
		}); err != nil {
			return nil, err
		}
		e.placeBracket(ctx, ts, b, p)
	} else {
		p.BrokerOrderID = &state.OrderID
		if err := ts.UpdateBracket(ctx, p); err != nil {
			return nil, err
		}
	}

	e.logger.WithFields(logrus.Fields{
		"position": p.ID,
		"tenant":   tenantID,
		"symbol":   p.OptionSymbol(),
		"status":   p.Status,
	}).Info("position created")
	return p, nil
}

// applyDefaultBracket fills missing bracket legs from the tenant's default
// percentages, direction-aware.
func applyDefaultBracket(p *models.Position, settings *models.TenantRiskSettings) {
	if settings == nil || p.EntryPrice <= 0 {
		return
	}
	dir := p.Direction.Multiplier()
	if p.StopLoss == nil && settings.DefaultStopPct > 0 {
		sl := p.EntryPrice * (1 - dir*settings.DefaultStopPct)
		p.StopLoss = &sl
	}
	if p.TakeProfit == nil && settings.DefaultTargetPct > 0 {
		tp := p.EntryPrice * (1 + dir*settings.DefaultTargetPct)
		p.TakeProfit = &tp
	}
}

func brokerCreds(settings *models.TenantRiskSettings) models.BrokerCredentials {
	if settings == nil {
		return models.BrokerCredentials{Provider: "paper"}
	}
	return settings.Broker
}

func orderSpec(p *models.Position) broker.OrderSpec {
	return broker.OrderSpec{
		Symbol:     p.OptionSymbol(),
		Underlying: p.Underlying,
		Strike:     p.Strike,
		Expiry:     p.Expiry.Format("2006-01-02"),
		OptionType: p.OptionType,
		Direction:  p.Direction,
		Quantity:   p.Quantity,
		LimitPrice: p.EntryPrice,
	}
}

// checkRiskLimits enforces the tenant's position count and exposure caps
// against live (non-terminal) positions.
func (e *Engine) checkRiskLimits(ctx context.Context, ts storage.TenantInterface,
	settings *models.TenantRiskSettings, p *models.Position) error {
	if settings == nil {
		return nil
	}

	live, err := ts.ListPositions(ctx,
		models.StatusPending, models.StatusPartiallyFilled, models.StatusOpen, models.StatusClosing)
	if err != nil {
		return err
	}

	if settings.MaxOpenPositions > 0 && len(live) >= settings.MaxOpenPositions {
		return fmt.Errorf("%w: %d positions already live (max %d)",
			ErrRiskLimitExceeded, len(live), settings.MaxOpenPositions)
	}

	if settings.MaxExposure > 0 {
		exposure := p.EntryPrice * float64(p.Quantity) * float64(p.ContractMultiplier)
		for i := range live {
			q := &live[i]
			exposure += q.EntryPrice * float64(q.Quantity) * float64(q.ContractMultiplier)
		}
		if exposure > settings.MaxExposure {
			return fmt.Errorf("%w: exposure %.2f exceeds max %.2f",
				ErrRiskLimitExceeded, exposure, settings.MaxExposure)
		}
	}
	return nil
}

// placeBracket places the OCO pair for a freshly opened position. A failure
// leaves the position live but flagged unprotected in its context blob.
func (e *Engine) placeBracket(ctx context.Context, ts storage.TenantInterface, b broker.Broker, p *models.Position) {
	if p.StopLoss == nil && p.TakeProfit == nil {
		return
	}

	var sl, tp float64
	if p.StopLoss != nil {
		sl = *p.StopLoss
	}
	if p.TakeProfit != nil {
		tp = *p.TakeProfit
	}

	callCtx, cancel := e.callCtx(ctx)
	ids, err := b.PlaceOCOOrder(callCtx, orderSpec(p), sl, tp)
	cancel()
	if err != nil {
		e.logger.WithError(err).WithField("position", p.ID).Error("bracket placement failed, position unprotected")
		e.flagUnprotected(ctx, ts, p)
		return
	}

	p.SLOrderID = &ids.StopLossOrderID
	p.TPOrderID = &ids.TakeProfitOrderID
	if err := ts.UpdateBracket(ctx, p); err != nil {
		e.logger.WithError(err).WithField("position", p.ID).Error("failed to persist bracket order ids")
	}
}

func (e *Engine) flagUnprotected(ctx context.Context, ts storage.TenantInterface, p *models.Position) {
	if p.Context == nil {
		p.Context = map[string]any{}
	}
	p.Context["unprotected"] = true
	if err := ts.UpdateBracket(ctx, p); err != nil {
		e.logger.WithError(err).WithField("position", p.ID).Error("failed to persist unprotected flag")
	}
}

// ManualClose closes an open position at the user's request, using the same
// locking discipline as the scheduled jobs. Broker calls happen outside the
// row lock; the definitive still-open check happens inside it.
func (e *Engine) ManualClose(ctx context.Context, tenantID string, id uuid.UUID) (*models.Position, error) {
	ts := e.store.ForTenant(tenantID)

	p, err := ts.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusOpen {
		return nil, fmt.Errorf("%w: status %s", ErrPositionNotOpen, p.Status)
	}

	b, settings, err := e.brokerFor(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, storage.ErrTenantSettingsNotFound) {
			return nil, err
		}
		b, err = e.brokers(brokerCreds(settings))
		if err != nil {
			return nil, err
		}
	}

	if err := e.cancelBracketOrders(ctx, b, p); err != nil {
		return nil, err
	}

	exitPrice, priceSource := e.resolveExitPrice(ctx, p)

	err = ts.MutateLocked(ctx, id, func(locked *models.Position) (*models.StateTransition, error) {
		if locked.Status != models.StatusOpen {
			return nil, fmt.Errorf("%w: status %s", ErrPositionNotOpen, locked.Status)
		}

		realized := locked.RealizedAt(exitPrice)
		exit := exitPrice
		locked.ExitPrice = &exit
		locked.RealizedPnL = &realized
		locked.CloseReason = models.CloseReasonManual
		locked.MarkPrice = exitPrice
		locked.UnrealizedPnL = 0
		locked.SLOrderID = nil
		locked.TPOrderID = nil

		return lifecycle.Apply(locked, models.StatusClosed, models.TriggerManualClose, models.CloseMetadata{
			ExitPrice:   exitPrice,
			RealizedPnL: realized,
			Reason:      string(models.CloseReasonManual),
			PriceSource: priceSource,
		}, e.now())
	})
	if err != nil {
		return nil, err
	}

	closed, err := ts.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	e.logger.WithFields(logrus.Fields{
		"position": id,
		"tenant":   tenantID,
		"exit":     exitPrice,
		"source":   priceSource,
	}).Info("position closed manually")
	return closed, nil
}

// cancelBracketOrders cancels any live bracket legs at the broker. An order
// already gone at the broker is not an error; any other failure aborts the
// caller, which must not discard ids while a leg may still be live.
func (e *Engine) cancelBracketOrders(ctx context.Context, b broker.Broker, p *models.Position) error {
	for _, orderID := range []*string{p.SLOrderID, p.TPOrderID} {
		if orderID == nil {
			continue
		}
		callCtx, cancel := e.callCtx(ctx)
		err := b.CancelOrder(callCtx, *orderID)
		cancel()
		if err != nil {
			if broker.IsOrderGone(err) {
				e.logger.WithError(err).WithField("order", *orderID).Debug("bracket cancel skipped")
				continue
			}
			return err
		}
	}
	return nil
}

// resolveExitPrice falls through fresh quote, last known mark, and entry
// price, rejecting a quote absurdly far from the entry as stale data.
func (e *Engine) resolveExitPrice(ctx context.Context, p *models.Position) (float64, string) {
	quote, err := e.fetchMark(ctx, p)
	if err == nil && quote.Mark > 0 && e.priceSane(p.EntryPrice, quote.Mark) {
		return quote.Mark, "quote"
	}
	if err != nil {
		e.logger.WithError(err).WithField("position", p.ID).Warn("exit quote unavailable, falling back")
	}
	if p.MarkPrice > 0 {
		return p.MarkPrice, "last_mark"
	}
	return p.EntryPrice, "entry"
}

// priceSane rejects a price more than StalePriceFactor away from the
// reference in either direction.
func (e *Engine) priceSane(reference, price float64) bool {
	if reference <= 0 {
		return true
	}
	factor := e.cfg.StalePriceFactor
	return price <= reference*factor && price >= reference/factor
}

// AdjustBracket replaces the position's bracket: cancel the old OCO pair,
// then place the new one. If the cancel succeeds but the placement fails the
// position is flagged unprotected rather than rolled back, since the old
// orders are already gone.
func (e *Engine) AdjustBracket(ctx context.Context, tenantID string, id uuid.UUID,
	stopLoss, takeProfit *float64) (*models.Position, error) {
	ts := e.store.ForTenant(tenantID)

	p, err := ts.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusOpen {
		return nil, fmt.Errorf("%w: status %s", ErrPositionNotOpen, p.Status)
	}

	b, settings, err := e.brokerFor(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, storage.ErrTenantSettingsNotFound) {
			return nil, err
		}
		b, err = e.brokers(brokerCreds(settings))
		if err != nil {
			return nil, err
		}
	}

	if err := e.cancelBracketOrders(ctx, b, p); err != nil {
		return nil, err
	}

	p.StopLoss = stopLoss
	p.TakeProfit = takeProfit
	p.SLOrderID = nil
	p.TPOrderID = nil

	var placeErr error
	if stopLoss != nil || takeProfit != nil {
		var sl, tp float64
		if stopLoss != nil {
			sl = *stopLoss
		}
		if takeProfit != nil {
			tp = *takeProfit
		}
		callCtx, cancel := e.callCtx(ctx)
		ids, err := b.PlaceOCOOrder(callCtx, orderSpec(p), sl, tp)
		cancel()
		if err != nil {
			placeErr = err
		} else {
			p.SLOrderID = &ids.StopLossOrderID
			p.TPOrderID = &ids.TakeProfitOrderID
		}
	}

	err = ts.MutateLocked(ctx, id, func(locked *models.Position) (*models.StateTransition, error) {
		if locked.Status != models.StatusOpen {
			return nil, fmt.Errorf("%w: status %s", ErrPositionNotOpen, locked.Status)
		}
		locked.StopLoss = p.StopLoss
		locked.TakeProfit = p.TakeProfit
		locked.SLOrderID = p.SLOrderID
		locked.TPOrderID = p.TPOrderID
		if placeErr != nil {
			if locked.Context == nil {
				locked.Context = map[string]any{}
			}
			locked.Context["unprotected"] = true
		} else if locked.Context != nil {
			delete(locked.Context, "unprotected")
		}
		return nil, nil
	})
	if err != nil {
		// Lost the race after touching the broker; the orphan guard or a
		// retry cleans up any freshly placed orders.
		return nil, err
	}
	if placeErr != nil {
		e.logger.WithError(placeErr).WithField("position", id).Error("bracket replacement failed, position unprotected")
		return nil, placeErr
	}

	return ts.GetPosition(ctx, id)
}
