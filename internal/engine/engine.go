// Package engine implements the reconciliation jobs and the synchronous
// user-facing operations on positions. Jobs are stateless between ticks:
// every run re-reads the database, takes its advisory lock, and processes
// whatever it finds.
package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/davemott/paperledger/internal/broker"
	"github.com/davemott/paperledger/internal/lifecycle"
	"github.com/davemott/paperledger/internal/models"
	"github.com/davemott/paperledger/internal/quotes"
	"github.com/davemott/paperledger/internal/storage"
)

// Config tunes the engine's close and reconciliation behavior.
type Config struct {
	// BracketTolerancePct classifies a broker fill as SL_HIT or TP_HIT when
	// the fill price lands within this fraction of the bracket price.
	BracketTolerancePct float64
	// BracketToleranceMin is the absolute floor for the tolerance band, in
	// option price dollars.
	BracketToleranceMin float64
	// StalePriceFactor rejects an exit quote more than this many times away
	// from (or under 1/factor of) the entry price, falling back to the last
	// mark.
	StalePriceFactor float64
	// ExpiryWorthlessMark is the mark at or under which an expired contract
	// is swept as worthless.
	ExpiryWorthlessMark float64
	// CallTimeout bounds each broker and quote call made inside a job.
	CallTimeout time.Duration
	// TradingHours reports whether the market is open at the given instant.
	// The snapshot job skips its tick outside trading hours.
	TradingHours func(t time.Time) bool
	// Location anchors day boundaries, such as the daily loss window, to the
	// exchange timezone rather than UTC.
	Location *time.Location
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		BracketTolerancePct: 0.02,
		BracketToleranceMin: 0.05,
		StalePriceFactor:    10,
		ExpiryWorthlessMark: 0.05,
		CallTimeout:         10 * time.Second,
		TradingHours:        func(time.Time) bool { return true },
		Location:            time.UTC,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BracketTolerancePct <= 0 {
		c.BracketTolerancePct = d.BracketTolerancePct
	}
	if c.BracketToleranceMin <= 0 {
		c.BracketToleranceMin = d.BracketToleranceMin
	}
	if c.StalePriceFactor <= 1 {
		c.StalePriceFactor = d.StalePriceFactor
	}
	if c.ExpiryWorthlessMark <= 0 {
		c.ExpiryWorthlessMark = d.ExpiryWorthlessMark
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.TradingHours == nil {
		c.TradingHours = d.TradingHours
	}
	if c.Location == nil {
		c.Location = d.Location
	}
}

// Engine owns the position lifecycle: scheduled reconciliation against the
// broker and market data, plus the synchronous create/close/adjust paths.
type Engine struct {
	store     storage.Interface
	brokers   broker.Factory
	quotes    quotes.Provider
	lifecycle *lifecycle.Manager
	logger    *logrus.Logger
	cfg       Config
	now       func() time.Time
}

// New builds an engine. The lifecycle manager is constructed on the same
// store so transitions and audit rows share transactions.
func New(store storage.Interface, brokers broker.Factory, quoteProvider quotes.Provider,
	cfg Config, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	cfg.applyDefaults()
	return &Engine{
		store:     store,
		brokers:   brokers,
		quotes:    quoteProvider,
		lifecycle: lifecycle.NewManager(store, logger),
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// brokerFor resolves the tenant's broker from its stored credentials.
func (e *Engine) brokerFor(ctx context.Context, tenantID string) (broker.Broker, *models.TenantRiskSettings, error) {
	settings, err := e.store.TenantSettings(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	b, err := e.brokers(settings.Broker)
	if err != nil {
		return nil, nil, err
	}
	return b, settings, nil
}

// callCtx bounds a single outbound call.
func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.CallTimeout)
}

// groupByTenant buckets positions by tenant, preserving creation order
// within each bucket.
func groupByTenant(positions []models.Position) map[string][]models.Position {
	byTenant := make(map[string][]models.Position)
	for _, p := range positions {
		byTenant[p.TenantID] = append(byTenant[p.TenantID], p)
	}
	return byTenant
}

// startOfDay truncates t to midnight in loc, the window used by the daily
// loss breaker. The same timezone drives trading hours and bookends, so an
// evening loss counts against the trading day it happened in.
func startOfDay(t time.Time, loc *time.Location) time.Time {
	tt := t.In(loc)
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, loc)
}
