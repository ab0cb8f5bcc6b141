package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/davemott/paperledger/internal/lifecycle"
	"github.com/davemott/paperledger/internal/models"
	"github.com/davemott/paperledger/internal/quotes"
	"github.com/davemott/paperledger/internal/storage"
)

// UpdatePriceSnapshots refreshes marks for all open positions, appends a
// periodic snapshot each, and executes bracket auto-closes. Skipped entirely
// outside trading hours.
func (e *Engine) UpdatePriceSnapshots(ctx context.Context) error {
	if !e.cfg.TradingHours(e.now()) {
		e.logger.Debug("outside trading hours, skipping price snapshots")
		return nil
	}
	return e.store.WithAdvisoryLock(ctx, storage.LockUpdatePriceSnapshots, func(ctx context.Context) error {
		open, err := e.store.ListByStatus(ctx, models.StatusOpen)
		if err != nil {
			return err
		}
		for tenantID, batch := range groupByTenant(open) {
			e.snapshotTenant(ctx, tenantID, batch)
		}
		return nil
	})
}

// CaptureBookendSnapshot takes the authoritative daily valuation for every
// open position, tagged market_open or market_close.
func (e *Engine) CaptureBookendSnapshot(ctx context.Context, tag models.SnapshotType) error {
	if tag != models.SnapshotMarketOpen && tag != models.SnapshotMarketClose {
		return fmt.Errorf("engine: %q is not a bookend snapshot type", tag)
	}
	return e.store.WithAdvisoryLock(ctx, storage.LockBookendSnapshot, func(ctx context.Context) error {
		open, err := e.store.ListByStatus(ctx, models.StatusOpen)
		if err != nil {
			return err
		}
		for i := range open {
			p := &open[i]
			quote, err := e.fetchMark(ctx, p)
			if err != nil {
				e.logger.WithError(err).WithField("position", p.ID).Warn("bookend quote failed")
				continue
			}
			if err := e.recordSnapshot(ctx, p, quote, tag); err != nil {
				e.logger.WithError(err).WithField("position", p.ID).Warn("bookend snapshot failed")
			}
		}
		return nil
	})
}

// snapshotTenant refreshes one tenant's open positions, honoring the daily
// loss circuit breaker for stop-loss auto-closes.
func (e *Engine) snapshotTenant(ctx context.Context, tenantID string, batch []models.Position) {
	log := e.logger.WithField("tenant", tenantID)

	lossBreached := e.dailyLossBreached(ctx, tenantID)

	for i := range batch {
		p := &batch[i]
		quote, err := e.fetchMark(ctx, p)
		if err != nil {
			log.WithError(err).WithField("position", p.ID).Warn("quote fetch failed")
			continue
		}

		if err := e.recordSnapshot(ctx, p, quote, models.SnapshotPeriodic); err != nil {
			log.WithError(err).WithField("position", p.ID).Warn("snapshot write failed")
			continue
		}

		reason := p.BracketCrossed(quote.Mark)
		if reason == "" {
			continue
		}
		if reason == models.CloseReasonStopLoss && lossBreached {
			log.WithFields(logrus.Fields{
				"position": p.ID,
				"mark":     quote.Mark,
			}).Warn("daily loss limit breached, suppressing stop-loss auto-close")
			continue
		}
		if err := e.autoClose(ctx, p.ID, quote.Mark, reason); err != nil {
			log.WithError(err).WithField("position", p.ID).Warn("auto-close failed")
		}
	}
}

// dailyLossBreached checks the tenant's realized losses since midnight in
// the configured exchange timezone against their daily limit. Missing
// settings disable the breaker.
func (e *Engine) dailyLossBreached(ctx context.Context, tenantID string) bool {
	settings, err := e.store.TenantSettings(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, storage.ErrTenantSettingsNotFound) {
			e.logger.WithError(err).WithField("tenant", tenantID).Warn("cannot load tenant settings")
		}
		return false
	}
	realized, err := e.store.RealizedPnLSince(ctx, tenantID, startOfDay(e.now(), e.cfg.Location))
	if err != nil {
		e.logger.WithError(err).WithField("tenant", tenantID).Warn("cannot compute realized pnl")
		return false
	}
	return settings.DailyLossBreached(realized)
}

// fetchMark prefers the option-specific quote and falls back to the
// underlying's price when the contract has no quote.
func (e *Engine) fetchMark(ctx context.Context, p *models.Position) (*quotes.OptionQuote, error) {
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	oq, err := e.quotes.GetOptionQuote(callCtx, p)
	if err == nil && oq != nil && oq.Mark > 0 {
		return oq, nil
	}

	uq, uerr := e.quotes.GetQuote(callCtx, p.Underlying)
	if uerr != nil {
		if err != nil {
			return nil, err
		}
		return nil, uerr
	}
	return &quotes.OptionQuote{
		Symbol:     p.OptionSymbol(),
		Mark:       uq.Price,
		Bid:        uq.Bid,
		Ask:        uq.Ask,
		Underlying: uq.Price,
	}, nil
}

// recordSnapshot appends the snapshot row and persists the refreshed mark.
// A version conflict on the mark update is harmless: a concurrent writer
// already has fresher state.
func (e *Engine) recordSnapshot(ctx context.Context, p *models.Position, quote *quotes.OptionQuote, tag models.SnapshotType) error {
	snap := &models.PriceSnapshot{
		PositionID:      p.ID,
		Mark:            quote.Mark,
		Bid:             quote.Bid,
		Ask:             quote.Ask,
		Greeks:          quote.Greeks,
		UnderlyingPrice: quote.Underlying,
		Type:            tag,
	}
	if err := e.store.AppendSnapshot(ctx, snap); err != nil {
		return err
	}

	p.MarkPrice = quote.Mark
	p.UnrealizedPnL = p.UnrealizedAt(quote.Mark)
	if err := e.store.UpdateMark(ctx, p); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			e.logger.WithField("position", p.ID).Debug("mark update lost version race, skipping")
			return nil
		}
		return err
	}
	return nil
}

// autoClose executes a bracket-triggered close under a row lock, re-checking
// the position is still open. A position that left OPEN in the meantime is
// skipped silently.
func (e *Engine) autoClose(ctx context.Context, id uuid.UUID, mark float64, reason models.CloseReason) error {
	trigger := models.TriggerStopLoss
	if reason == models.CloseReasonTakeProfit {
		trigger = models.TriggerTakeProfit
	}

	err := e.store.MutateLocked(ctx, id, func(p *models.Position) (*models.StateTransition, error) {
		if p.Status != models.StatusOpen {
			return nil, storage.ErrUnchanged
		}

		realized := p.RealizedAt(mark)
		exit := mark
		p.ExitPrice = &exit
		p.RealizedPnL = &realized
		p.CloseReason = reason
		p.MarkPrice = mark
		p.UnrealizedPnL = 0

		return lifecycle.Apply(p, models.StatusClosed, trigger, models.CloseMetadata{
			ExitPrice:   mark,
			RealizedPnL: realized,
			Reason:      string(reason),
			PriceSource: "mark",
		}, e.now())
	})
	if err != nil {
		return err
	}

	e.logger.WithFields(logrus.Fields{
		"position": id,
		"mark":     mark,
		"reason":   reason,
	}).Info("bracket auto-close executed")
	return nil
}
