// Package quotes supplies underlying and option marks to the snapshot and
// close paths, with an optional Redis read-through cache in front of the
// provider.
package quotes

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/davemott/paperledger/internal/models"
)

// Quote is a quote for an underlying symbol.
type Quote struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	PctChange float64 `json:"pct_change"`
}

// OptionQuote is a quote for a single option contract.
type OptionQuote struct {
	Symbol     string         `json:"symbol"`
	Mark       float64        `json:"mark"`
	Bid        float64        `json:"bid"`
	Ask        float64        `json:"ask"`
	Underlying float64        `json:"underlying"`
	Greeks     *models.Greeks `json:"greeks,omitempty"`
}

// Provider serves quotes. A zero mark with a nil error means the provider
// had no quote for the contract; callers fall back rather than fail.
type Provider interface {
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetOptionQuote(ctx context.Context, p *models.Position) (*OptionQuote, error)
}

// SimProvider generates deterministic pseudo-quotes from the symbol and the
// clock. It stands in for a market data feed in paper mode and in tests.
type SimProvider struct {
	mu    sync.Mutex
	fixed map[string]float64

	now func() time.Time
}

// NewSimProvider returns a simulated provider.
func NewSimProvider() *SimProvider {
	return &SimProvider{
		fixed: make(map[string]float64),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetPrice pins a symbol's price, overriding the generated walk.
func (s *SimProvider) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	s.fixed[symbol] = price
	s.mu.Unlock()
}

func (s *SimProvider) basePrice(symbol string) float64 {
	s.mu.Lock()
	if price, ok := s.fixed[symbol]; ok {
		s.mu.Unlock()
		return price
	}
	s.mu.Unlock()

	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	base := 50 + float64(h.Sum32()%400)
	// Slow sinusoidal drift so repeated ticks see movement.
	minutes := float64(s.now().Unix() / 60)
	return base * (1 + 0.01*math.Sin(minutes/30))
}

func (s *SimProvider) GetQuote(_ context.Context, symbol string) (*Quote, error) {
	price := s.basePrice(symbol)
	spread := price * 0.001
	return &Quote{
		Symbol: symbol,
		Price:  price,
		Bid:    price - spread,
		Ask:    price + spread,
	}, nil
}

func (s *SimProvider) GetOptionQuote(ctx context.Context, p *models.Position) (*OptionQuote, error) {
	underlying, err := s.GetQuote(ctx, p.Underlying)
	if err != nil {
		return nil, err
	}

	// Intrinsic value plus a crude time-value cushion. Good enough for a
	// paper book; nobody prices real risk off this.
	var intrinsic float64
	switch p.OptionType {
	case models.OptionCall:
		intrinsic = math.Max(0, underlying.Price-p.Strike)
	case models.OptionPut:
		intrinsic = math.Max(0, p.Strike-underlying.Price)
	default:
		return nil, fmt.Errorf("quotes: unknown option type %q", p.OptionType)
	}

	timeValue := 0.0
	if days := time.Until(p.Expiry).Hours() / 24; days > 0 {
		timeValue = underlying.Price * 0.002 * math.Sqrt(days)
	}
	mark := intrinsic + timeValue
	spread := math.Max(0.01, mark*0.02)

	delta := 0.5
	if intrinsic > 0 {
		delta = 0.7
	}
	if p.OptionType == models.OptionPut {
		delta = -delta
	}

	return &OptionQuote{
		Symbol:     p.OptionSymbol(),
		Mark:       mark,
		Bid:        math.Max(0, mark-spread/2),
		Ask:        mark + spread/2,
		Underlying: underlying.Price,
		Greeks: &models.Greeks{
			Delta: delta,
			Gamma: 0.02,
			Theta: -timeValue / 30,
			Vega:  0.1,
			IV:    0.25,
		},
	}, nil
}

var _ Provider = (*SimProvider)(nil)
