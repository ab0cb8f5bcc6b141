package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davemott/paperledger/internal/broker"
	"github.com/davemott/paperledger/internal/models"
	"github.com/davemott/paperledger/internal/quotes"
	"github.com/davemott/paperledger/internal/storage"
)

const testTenant = "tenant-a"

// stubQuotes serves a fixed option quote.
type stubQuotes struct {
	quote *quotes.OptionQuote
	err   error
}

func (s *stubQuotes) GetQuote(_ context.Context, symbol string) (*quotes.Quote, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &quotes.Quote{Symbol: symbol, Price: s.quote.Underlying}, nil
}

func (s *stubQuotes) GetOptionQuote(_ context.Context, _ *models.Position) (*quotes.OptionQuote, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.quote, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestEngine(t *testing.T, store *storage.MockStorage, mb broker.Broker, q quotes.Provider) *Engine {
	t.Helper()
	if q == nil {
		q = &stubQuotes{quote: &quotes.OptionQuote{Mark: 5.00, Underlying: 450}}
	}
	factory := func(models.BrokerCredentials) (broker.Broker, error) { return mb, nil }
	return New(store, factory, q, Config{}, quietLogger())
}

func seedSettings(t *testing.T, store *storage.MockStorage, settings models.TenantRiskSettings) {
	t.Helper()
	settings.TenantID = testTenant
	require.NoError(t, store.UpsertTenantSettings(context.Background(), &settings))
}

func seedPosition(t *testing.T, store *storage.MockStorage, mutate func(p *models.Position)) *models.Position {
	t.Helper()
	p := models.NewPosition(testTenant, "SPY", 450, time.Now().UTC().AddDate(0, 1, 0),
		models.OptionCall, models.DirectionLong, 5.00, 2)
	p.Status = models.StatusOpen
	if mutate != nil {
		mutate(p)
	}
	_, err := store.CreatePosition(context.Background(), p, nil)
	require.NoError(t, err)
	return p
}

func strPtr(s string) *string     { return &s }
func floatPtr(v float64) *float64 { return &v }

func TestSyncBrokerOrders_FillClosesWithDirectionAwarePnL(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	p := seedPosition(t, store, func(p *models.Position) {
		p.BrokerOrderID = strPtr("ord-1")
	})

	mb := &broker.MockBroker{
		GetOrderFunc: func(_ context.Context, orderID string) (*broker.OrderState, error) {
			return &broker.OrderState{OrderID: orderID, Status: broker.OrderStatusFilled, AvgFillPrice: 7.50, FilledQuantity: 2}, nil
		},
	}
	eng := newTestEngine(t, store, mb, nil)

	require.NoError(t, eng.SyncBrokerOrders(context.Background()))

	got, err := store.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
	require.NotNil(t, got.RealizedPnL)
	assert.InDelta(t, 500.00, *got.RealizedPnL, 1e-9)
	require.NotNil(t, got.ExitPrice)
	assert.InDelta(t, 7.50, *got.ExitPrice, 1e-9)
	assert.Equal(t, models.CloseReasonBrokerFill, got.CloseReason)
	require.NotNil(t, got.ClosedAt)

	recs, err := store.Transitions(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.TriggerBrokerFill, recs[0].Trigger)
}

func TestSyncBrokerOrders_ShortFillProfit(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	p := seedPosition(t, store, func(p *models.Position) {
		p.Direction = models.DirectionShort
		p.EntryPrice = 8.00
		p.BrokerOrderID = strPtr("ord-2")
	})

	mb := &broker.MockBroker{
		GetOrderFunc: func(_ context.Context, orderID string) (*broker.OrderState, error) {
			return &broker.OrderState{OrderID: orderID, Status: broker.OrderStatusFilled, AvgFillPrice: 5.00}, nil
		},
	}
	eng := newTestEngine(t, store, mb, nil)

	require.NoError(t, eng.SyncBrokerOrders(context.Background()))

	got, err := store.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.InDelta(t, 600.00, *got.RealizedPnL, 1e-9)
}

func TestDeriveCloseReason_ToleranceBand(t *testing.T) {
	eng := newTestEngine(t, storage.NewMockStorage(), &broker.MockBroker{}, nil)
	p := &models.Position{
		Direction:  models.DirectionLong,
		StopLoss:   floatPtr(4.00),
		TakeProfit: floatPtr(8.00),
	}

	tests := []struct {
		name string
		fill float64
		want models.CloseReason
	}{
		{"fill on the stop", 4.00, models.CloseReasonStopLoss},
		{"fill slipped past the stop", 3.95, models.CloseReasonStopLoss},
		{"fill on the target", 8.00, models.CloseReasonTakeProfit},
		{"fill just past the target", 8.10, models.CloseReasonTakeProfit},
		{"fill between the legs", 6.00, models.CloseReasonBrokerFill},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, eng.deriveCloseReason(p, tt.fill))
		})
	}
}

func TestSyncBrokerOrders_FreshlyOpenedPositionSurvives(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	eng := newTestEngine(t, store, &broker.MockBroker{}, nil)

	// Instant fill at $5.00, bracket placed.
	p, err := eng.CreatePosition(context.Background(), testTenant, CreateRequest{
		Underlying: "SPY",
		Strike:     450,
		Expiry:     time.Now().UTC().AddDate(0, 1, 0),
		OptionType: models.OptionCall,
		Direction:  models.DirectionLong,
		EntryPrice: 5.00,
		Quantity:   2,
		StopLoss:   floatPtr(4.00),
		TakeProfit: floatPtr(8.00),
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusOpen, p.Status)

	require.NoError(t, eng.SyncBrokerOrders(context.Background()))

	got, err := store.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status, "the entry fill must never read as an exit")
	assert.Nil(t, got.ExitPrice)
	assert.Nil(t, got.BrokerOrderID)

	recs, err := store.Transitions(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 2, "creation and fill only, no sync-driven close")
}

func TestDeriveCloseReason_BandScalesWithLegPrice(t *testing.T) {
	eng := newTestEngine(t, storage.NewMockStorage(), &broker.MockBroker{}, nil)
	p := &models.Position{
		Direction: models.DirectionLong,
		StopLoss:  floatPtr(10.00),
	}

	// 2% of the $10.00 stop is a $0.20 band; a fill $0.197 under the stop is
	// still attributed to it.
	assert.Equal(t, models.CloseReasonStopLoss, eng.deriveCloseReason(p, 9.803))
	assert.Equal(t, models.CloseReasonBrokerFill, eng.deriveCloseReason(p, 9.75))
}

func TestSyncBrokerOrders_CanceledAfterTerminalUsesForcedTrigger(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	p := seedPosition(t, store, func(p *models.Position) {
		p.BrokerOrderID = strPtr("ord-3")
	})
	eng := newTestEngine(t, store, &broker.MockBroker{}, nil)

	// A concurrent close commits first; our in-hand copy is now stale.
	stale := *p
	now := time.Now().UTC()
	require.NoError(t, store.MutateLocked(context.Background(), p.ID, func(locked *models.Position) (*models.StateTransition, error) {
		locked.Status = models.StatusClosed
		locked.ClosedAt = &now
		return nil, nil
	}))

	err := eng.cancelFromBroker(context.Background(), &stale,
		&broker.OrderState{OrderID: "ord-3", Status: broker.OrderStatusCanceled})
	require.NoError(t, err)

	got, err := store.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, got.Status)

	recs, err := store.Transitions(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.TriggerBrokerCanceled.Forced(), recs[0].Trigger)
}

func TestSyncBrokerOrders_OrphanGuardClearsBrackets(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	closedAt := time.Now().UTC()
	p := seedPosition(t, store, func(p *models.Position) {
		p.Status = models.StatusClosed
		p.ClosedAt = &closedAt
		p.SLOrderID = strPtr("sl-1")
		p.TPOrderID = strPtr("tp-1")
	})

	var canceled []string
	mb := &broker.MockBroker{
		CancelOrderFunc: func(_ context.Context, orderID string) error {
			canceled = append(canceled, orderID)
			return nil
		},
	}
	eng := newTestEngine(t, store, mb, nil)

	require.NoError(t, eng.SyncBrokerOrders(context.Background()))

	assert.ElementsMatch(t, []string{"sl-1", "tp-1"}, canceled)
	got, err := store.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Nil(t, got.SLOrderID)
	assert.Nil(t, got.TPOrderID)
}

func TestSyncBrokerOrders_OrphanGuardKeepsIdsOnTransientCancelFailure(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	closedAt := time.Now().UTC()
	p := seedPosition(t, store, func(p *models.Position) {
		p.Status = models.StatusClosed
		p.ClosedAt = &closedAt
		p.SLOrderID = strPtr("sl-1")
		p.TPOrderID = strPtr("tp-1")
	})

	mb := &broker.MockBroker{
		CancelOrderFunc: func(_ context.Context, orderID string) error {
			if orderID == "sl-1" {
				return &broker.Error{Provider: "mock", Op: "cancel order", Err: errors.New("gateway timeout")}
			}
			return nil
		},
	}
	eng := newTestEngine(t, store, mb, nil)

	require.NoError(t, eng.SyncBrokerOrders(context.Background()))

	got, err := store.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SLOrderID, "a leg that failed to cancel stays tracked")
	assert.Equal(t, "sl-1", *got.SLOrderID)
	assert.Nil(t, got.TPOrderID, "the confirmed cancel is cleared")
}

func TestSyncBrokerOrders_OrphanGuardClearsGoneOrders(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	closedAt := time.Now().UTC()
	p := seedPosition(t, store, func(p *models.Position) {
		p.Status = models.StatusClosed
		p.ClosedAt = &closedAt
		p.SLOrderID = strPtr("sl-2")
	})

	mb := &broker.MockBroker{
		CancelOrderFunc: func(_ context.Context, orderID string) error {
			return &broker.Error{Provider: "mock", Op: "cancel order",
				Err: fmt.Errorf("order %s already filled: %w", orderID, broker.ErrOrderGone)}
		},
	}
	eng := newTestEngine(t, store, mb, nil)

	require.NoError(t, eng.SyncBrokerOrders(context.Background()))

	got, err := store.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Nil(t, got.SLOrderID, "an order the broker no longer tracks is cleared")
}

func TestSyncBrokerOrders_AuthFailureSkipsTenant(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	seedPosition(t, store, func(p *models.Position) { p.BrokerOrderID = strPtr("ord-a") })
	p2 := seedPosition(t, store, func(p *models.Position) { p.BrokerOrderID = strPtr("ord-b") })

	calls := 0
	mb := &broker.MockBroker{
		GetOrderFunc: func(_ context.Context, _ string) (*broker.OrderState, error) {
			calls++
			return nil, &broker.AuthError{Provider: "paper", Err: errors.New("bad key")}
		},
	}
	eng := newTestEngine(t, store, mb, nil)

	require.NoError(t, eng.SyncBrokerOrders(context.Background()))

	assert.Equal(t, 1, calls, "tenant abandoned after the first auth failure")
	got, err := store.GetPosition(context.Background(), p2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status)
}

func TestUpdatePriceSnapshots_AppendsSnapshotAndRefreshesMark(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	p := seedPosition(t, store, nil)

	q := &stubQuotes{quote: &quotes.OptionQuote{Mark: 6.50, Bid: 6.40, Ask: 6.60, Underlying: 455}}
	eng := newTestEngine(t, store, &broker.MockBroker{}, q)

	require.NoError(t, eng.UpdatePriceSnapshots(context.Background()))

	got, err := store.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 6.50, got.MarkPrice, 1e-9)
	assert.InDelta(t, 300.00, got.UnrealizedPnL, 1e-9)
	assert.Equal(t, models.StatusOpen, got.Status)

	snaps, err := store.Snapshots(context.Background(), p.ID, 10)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, models.SnapshotPeriodic, snaps[0].Type)
	assert.InDelta(t, 6.50, snaps[0].Mark, 1e-9)
}

func TestUpdatePriceSnapshots_SkippedOutsideTradingHours(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	p := seedPosition(t, store, nil)

	q := &stubQuotes{quote: &quotes.OptionQuote{Mark: 6.50, Underlying: 455}}
	factory := func(models.BrokerCredentials) (broker.Broker, error) { return &broker.MockBroker{}, nil }
	eng := New(store, factory, q, Config{
		TradingHours: func(time.Time) bool { return false },
	}, quietLogger())

	require.NoError(t, eng.UpdatePriceSnapshots(context.Background()))

	snaps, err := store.Snapshots(context.Background(), p.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestUpdatePriceSnapshots_BracketAutoClose(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	p := seedPosition(t, store, func(p *models.Position) {
		p.TakeProfit = floatPtr(8.00)
	})

	q := &stubQuotes{quote: &quotes.OptionQuote{Mark: 8.25, Underlying: 460}}
	eng := newTestEngine(t, store, &broker.MockBroker{}, q)

	require.NoError(t, eng.UpdatePriceSnapshots(context.Background()))

	got, err := store.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.Equal(t, models.CloseReasonTakeProfit, got.CloseReason)
	assert.InDelta(t, 650.00, *got.RealizedPnL, 1e-9)

	recs, err := store.Transitions(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.TriggerTakeProfit, recs[0].Trigger)
}

func TestUpdatePriceSnapshots_DailyLossBreakerSuppressesOnlyStopLoss(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{DailyLossLimit: 500})

	// A big realized loss from earlier today breaches the limit.
	closedAt := time.Now().UTC()
	seedPosition(t, store, func(p *models.Position) {
		p.Status = models.StatusClosed
		p.ClosedAt = &closedAt
		p.RealizedPnL = floatPtr(-600)
	})

	slPos := seedPosition(t, store, func(p *models.Position) {
		p.StopLoss = floatPtr(4.00)
	})
	tpPos := seedPosition(t, store, func(p *models.Position) {
		p.EntryPrice = 2.00
		p.TakeProfit = floatPtr(3.00)
	})

	// Mark 3.50 crosses slPos's stop (4.00, long) and tpPos's target (3.00).
	q := &stubQuotes{quote: &quotes.OptionQuote{Mark: 3.50, Underlying: 440}}
	eng := newTestEngine(t, store, &broker.MockBroker{}, q)

	require.NoError(t, eng.UpdatePriceSnapshots(context.Background()))

	gotSL, err := store.GetPosition(context.Background(), slPos.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, gotSL.Status, "stop-loss close must be suppressed")
	recs, err := store.Transitions(context.Background(), slPos.ID)
	require.NoError(t, err)
	assert.Empty(t, recs)

	gotTP, err := store.GetPosition(context.Background(), tpPos.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, gotTP.Status, "take-profit close must never be suppressed")
}

func TestAutoClose_SkipsSilentlyWhenPositionLeftOpen(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	closedAt := time.Now().UTC()
	p := seedPosition(t, store, func(p *models.Position) {
		p.Status = models.StatusClosed
		p.ClosedAt = &closedAt
		p.ExitPrice = floatPtr(6.00)
		p.RealizedPnL = floatPtr(200)
	})
	eng := newTestEngine(t, store, &broker.MockBroker{}, nil)

	require.NoError(t, eng.autoClose(context.Background(), p.ID, 3.00, models.CloseReasonStopLoss))

	got, err := store.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.InDelta(t, 6.00, *got.ExitPrice, 1e-9, "racing close's exit price must survive")
	recs, err := store.Transitions(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestCaptureBookendSnapshot(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	p := seedPosition(t, store, nil)

	q := &stubQuotes{quote: &quotes.OptionQuote{Mark: 5.75, Underlying: 452}}
	eng := newTestEngine(t, store, &broker.MockBroker{}, q)

	require.NoError(t, eng.CaptureBookendSnapshot(context.Background(), models.SnapshotMarketClose))

	snaps, err := store.Snapshots(context.Background(), p.ID, 10)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, models.SnapshotMarketClose, snaps[0].Type)

	err = eng.CaptureBookendSnapshot(context.Background(), models.SnapshotPeriodic)
	assert.Error(t, err, "periodic is not a bookend tag")
}

func TestLifecycleSync_ExpirySweep(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})

	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	worthless := seedPosition(t, store, func(p *models.Position) {
		p.Expiry = yesterday
		p.MarkPrice = 0.03
	})
	stillWorth := seedPosition(t, store, func(p *models.Position) {
		p.Expiry = yesterday
		p.MarkPrice = 0.50
	})

	eng := newTestEngine(t, store, &broker.MockBroker{}, nil)
	require.NoError(t, eng.LifecycleSync(context.Background()))

	got, err := store.GetPosition(context.Background(), worthless.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)
	assert.InDelta(t, 0.0, *got.ExitPrice, 1e-9)
	assert.InDelta(t, -1000.00, *got.RealizedPnL, 1e-9, "entry 5.00 x 2 x 100 lost")
	assert.Equal(t, models.CloseReasonExpired, got.CloseReason)

	recs, err := store.Transitions(context.Background(), worthless.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.TriggerExpirySweep, recs[0].Trigger)

	kept, err := store.GetPosition(context.Background(), stillWorth.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, kept.Status, "a mark above the threshold is not worthless")
}

func TestLifecycleSync_StuckPendingFillsToOpen(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	p := seedPosition(t, store, func(p *models.Position) {
		p.Status = models.StatusPending
		p.BrokerOrderID = strPtr("ord-stuck")
	})

	mb := &broker.MockBroker{
		GetOrderFunc: func(_ context.Context, orderID string) (*broker.OrderState, error) {
			return &broker.OrderState{OrderID: orderID, Status: broker.OrderStatusFilled, AvgFillPrice: 5.10}, nil
		},
	}
	eng := newTestEngine(t, store, mb, nil)

	require.NoError(t, eng.LifecycleSync(context.Background()))

	got, err := store.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status)
	assert.InDelta(t, 5.10, got.EntryPrice, 1e-9, "entry re-anchored to the actual fill")
	assert.Nil(t, got.BrokerOrderID)
}

func TestLifecycleSync_RejectedCloseRevertsToOpen(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	p := seedPosition(t, store, func(p *models.Position) {
		p.Status = models.StatusClosing
		p.BrokerOrderID = strPtr("ord-close")
	})

	mb := &broker.MockBroker{
		GetOrderFunc: func(_ context.Context, orderID string) (*broker.OrderState, error) {
			return &broker.OrderState{OrderID: orderID, Status: broker.OrderStatusRejected}, nil
		},
	}
	eng := newTestEngine(t, store, mb, nil)

	require.NoError(t, eng.LifecycleSync(context.Background()))

	got, err := store.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status)
	assert.Nil(t, got.BrokerOrderID, "the dead close order must not be re-polled")

	recs, err := store.Transitions(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.TriggerCloseRejected, recs[0].Trigger)
}

func TestCreatePosition_HappyPathOpensWithBracket(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	eng := newTestEngine(t, store, &broker.MockBroker{}, nil)

	p, err := eng.CreatePosition(context.Background(), testTenant, CreateRequest{
		Underlying: "SPY",
		Strike:     450,
		Expiry:     time.Now().UTC().AddDate(0, 1, 0),
		OptionType: models.OptionCall,
		Direction:  models.DirectionLong,
		EntryPrice: 5.00,
		Quantity:   2,
		StopLoss:   floatPtr(4.00),
		TakeProfit: floatPtr(8.00),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusOpen, p.Status)
	assert.Nil(t, p.BrokerOrderID, "a filled entry order is no longer tracked")
	require.NotNil(t, p.SLOrderID)
	require.NotNil(t, p.TPOrderID)

	recs, err := store.Transitions(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Nil(t, recs[0].FromStatus)
	assert.Equal(t, models.StatusPending, recs[0].ToStatus)
	assert.Equal(t, models.StatusOpen, recs[1].ToStatus)
}

func TestCreatePosition_IdempotentReplayReturnsOriginal(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	mb := &broker.MockBroker{}
	eng := newTestEngine(t, store, mb, nil)

	req := CreateRequest{
		Underlying:     "SPY",
		Strike:         450,
		Expiry:         time.Now().UTC().AddDate(0, 1, 0),
		OptionType:     models.OptionCall,
		Direction:      models.DirectionLong,
		EntryPrice:     5.00,
		Quantity:       2,
		IdempotencyKey: strPtr("create-once"),
	}

	first, err := eng.CreatePosition(context.Background(), testTenant, req)
	require.NoError(t, err)
	ordersPlaced := len(mb.Calls)

	second, err := eng.CreatePosition(context.Background(), testTenant, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "duplicate key hands back the original position")
	assert.Len(t, mb.Calls, ordersPlaced, "replay must not touch the broker")

	all, err := store.ListByStatus(context.Background(), models.AllStatuses...)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCreatePosition_BrokerRejectionRollsBack(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	mb := &broker.MockBroker{
		PlaceOrderFunc: func(_ context.Context, _ broker.OrderSpec) (*broker.OrderState, error) {
			return nil, &broker.Error{Provider: "paper", Op: "place order", Err: errors.New("insufficient buying power")}
		},
	}
	eng := newTestEngine(t, store, mb, nil)

	_, err := eng.CreatePosition(context.Background(), testTenant, CreateRequest{
		Underlying: "SPY",
		Strike:     450,
		Expiry:     time.Now().UTC().AddDate(0, 1, 0),
		OptionType: models.OptionCall,
		Direction:  models.DirectionLong,
		EntryPrice: 5.00,
		Quantity:   2,
	})
	require.Error(t, err)

	all, listErr := store.ListByStatus(context.Background(), models.AllStatuses...)
	require.NoError(t, listErr)
	assert.Empty(t, all, "rejected creation leaves no half-created row")
}

func TestCreatePosition_RiskLimits(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{MaxOpenPositions: 1})
	seedPosition(t, store, nil)
	eng := newTestEngine(t, store, &broker.MockBroker{}, nil)

	_, err := eng.CreatePosition(context.Background(), testTenant, CreateRequest{
		Underlying: "QQQ",
		Strike:     380,
		Expiry:     time.Now().UTC().AddDate(0, 1, 0),
		OptionType: models.OptionPut,
		Direction:  models.DirectionLong,
		EntryPrice: 3.00,
		Quantity:   1,
	})
	require.ErrorIs(t, err, ErrRiskLimitExceeded)
}

func TestManualClose_UsesFreshQuote(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	p := seedPosition(t, store, func(p *models.Position) {
		p.SLOrderID = strPtr("sl-9")
		p.TPOrderID = strPtr("tp-9")
	})

	var canceled []string
	mb := &broker.MockBroker{
		CancelOrderFunc: func(_ context.Context, orderID string) error {
			canceled = append(canceled, orderID)
			return nil
		},
	}
	q := &stubQuotes{quote: &quotes.OptionQuote{Mark: 6.00, Underlying: 455}}
	eng := newTestEngine(t, store, mb, q)

	got, err := eng.ManualClose(context.Background(), testTenant, p.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusClosed, got.Status)
	assert.InDelta(t, 6.00, *got.ExitPrice, 1e-9)
	assert.InDelta(t, 200.00, *got.RealizedPnL, 1e-9)
	assert.Equal(t, models.CloseReasonManual, got.CloseReason)
	assert.Nil(t, got.SLOrderID)
	assert.Nil(t, got.TPOrderID)
	assert.ElementsMatch(t, []string{"sl-9", "tp-9"}, canceled)

	recs, err := store.Transitions(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.TriggerManualClose, recs[0].Trigger)
	assert.Contains(t, string(recs[0].Metadata), `"price_source":"quote"`)
}

func TestManualClose_StaleQuoteFallsBackToLastMark(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	p := seedPosition(t, store, func(p *models.Position) {
		p.MarkPrice = 5.50
	})

	// 60.00 against a 5.00 entry trips the 10x stale-price guard.
	q := &stubQuotes{quote: &quotes.OptionQuote{Mark: 60.00, Underlying: 455}}
	eng := newTestEngine(t, store, &broker.MockBroker{}, q)

	got, err := eng.ManualClose(context.Background(), testTenant, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 5.50, *got.ExitPrice, 1e-9)

	recs, err := store.Transitions(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, string(recs[0].Metadata), `"price_source":"last_mark"`)
}

func TestManualClose_QuoteUnavailableFallsBackToEntry(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	p := seedPosition(t, store, nil) // MarkPrice zero, no quote

	q := &stubQuotes{err: errors.New("feed down")}
	eng := newTestEngine(t, store, &broker.MockBroker{}, q)

	got, err := eng.ManualClose(context.Background(), testTenant, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 5.00, *got.ExitPrice, 1e-9)
	assert.InDelta(t, 0.0, *got.RealizedPnL, 1e-9)
}

func TestManualClose_NotOpen(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	closedAt := time.Now().UTC()
	p := seedPosition(t, store, func(p *models.Position) {
		p.Status = models.StatusClosed
		p.ClosedAt = &closedAt
	})
	eng := newTestEngine(t, store, &broker.MockBroker{}, nil)

	_, err := eng.ManualClose(context.Background(), testTenant, p.ID)
	require.ErrorIs(t, err, ErrPositionNotOpen)
}

func TestManualClose_WrongTenantSeesNotFound(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	p := seedPosition(t, store, nil)
	eng := newTestEngine(t, store, &broker.MockBroker{}, nil)

	_, err := eng.ManualClose(context.Background(), "tenant-b", p.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAdjustBracket_ReplacesOrders(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	p := seedPosition(t, store, func(p *models.Position) {
		p.StopLoss = floatPtr(4.00)
		p.SLOrderID = strPtr("sl-old")
		p.TPOrderID = strPtr("tp-old")
	})

	var canceled []string
	mb := &broker.MockBroker{
		CancelOrderFunc: func(_ context.Context, orderID string) error {
			canceled = append(canceled, orderID)
			return nil
		},
	}
	eng := newTestEngine(t, store, mb, nil)

	got, err := eng.AdjustBracket(context.Background(), testTenant, p.ID, floatPtr(3.50), floatPtr(9.00))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"sl-old", "tp-old"}, canceled)
	assert.InDelta(t, 3.50, *got.StopLoss, 1e-9)
	assert.InDelta(t, 9.00, *got.TakeProfit, 1e-9)
	assert.Equal(t, "mock-sl", *got.SLOrderID)
	assert.Equal(t, "mock-tp", *got.TPOrderID)
}

func TestAdjustBracket_PlacementFailureFlagsUnprotected(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	p := seedPosition(t, store, func(p *models.Position) {
		p.SLOrderID = strPtr("sl-old")
	})

	mb := &broker.MockBroker{
		PlaceOCOOrderFunc: func(_ context.Context, _ broker.OrderSpec, _, _ float64) (*broker.OCOOrderIDs, error) {
			return nil, &broker.Error{Provider: "paper", Op: "place oco", Err: errors.New("rejected")}
		},
	}
	eng := newTestEngine(t, store, mb, nil)

	_, err := eng.AdjustBracket(context.Background(), testTenant, p.ID, floatPtr(3.50), nil)
	require.Error(t, err)

	got, getErr := store.GetPosition(context.Background(), p.ID)
	require.NoError(t, getErr)
	assert.Equal(t, true, got.Context["unprotected"], "failed replacement must be visible, not silent")
	assert.Nil(t, got.SLOrderID, "old order ids are gone either way")
	assert.Equal(t, models.StatusOpen, got.Status)
}

func TestJobs_SkipWhenAdvisoryLockHeld(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{})
	eng := newTestEngine(t, store, &broker.MockBroker{}, nil)

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = store.WithAdvisoryLock(context.Background(), storage.LockSyncBrokerOrders, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := eng.SyncBrokerOrders(context.Background())
	assert.ErrorIs(t, err, storage.ErrLockHeld)
	close(release)
}

func TestStartOfDay_AnchorsToLocation(t *testing.T) {
	et := time.FixedZone("ET", -5*3600)

	// 01:00 UTC is still the previous evening in ET.
	now := time.Date(2026, 3, 3, 1, 0, 0, 0, time.UTC)
	got := startOfDay(now, et)
	assert.True(t, got.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, et)))

	assert.True(t, startOfDay(now, time.UTC).Equal(time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)))
}

func TestDailyLossBreaker_EveningLossCountsInExchangeDay(t *testing.T) {
	store := storage.NewMockStorage()
	seedSettings(t, store, models.TenantRiskSettings{DailyLossLimit: 500})

	// Lost $600 at 18:00 ET; it is already "tomorrow" in UTC two hours later.
	et := time.FixedZone("ET", -5*3600)
	lossAt := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
	seedPosition(t, store, func(p *models.Position) {
		p.Status = models.StatusClosed
		p.ClosedAt = &lossAt
		p.RealizedPnL = floatPtr(-600)
	})

	factory := func(models.BrokerCredentials) (broker.Broker, error) { return &broker.MockBroker{}, nil }
	q := &stubQuotes{quote: &quotes.OptionQuote{Mark: 5.00, Underlying: 450}}
	eng := New(store, factory, q, Config{Location: et}, quietLogger())
	eng.now = func() time.Time { return time.Date(2026, 3, 3, 1, 0, 0, 0, time.UTC) }

	assert.True(t, eng.dailyLossBreached(context.Background(), testTenant),
		"the loss belongs to the ET trading day still in progress")
}

func TestGroupByTenant(t *testing.T) {
	positions := []models.Position{
		{ID: uuid.New(), TenantID: "a"},
		{ID: uuid.New(), TenantID: "b"},
		{ID: uuid.New(), TenantID: "a"},
	}
	grouped := groupByTenant(positions)
	assert.Len(t, grouped["a"], 2)
	assert.Len(t, grouped["b"], 1)
}
