package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }

func TestRealizedAt_DirectionAware(t *testing.T) {
	tests := []struct {
		name      string
		direction Direction
		entry     float64
		qty       int
		fill      float64
		want      float64
	}{
		{
			name:      "long fill above entry",
			direction: DirectionLong,
			entry:     5.00, qty: 2, fill: 7.50,
			want: 500.00,
		},
		{
			name:      "short fill below entry is a profit",
			direction: DirectionShort,
			entry:     8.00, qty: 2, fill: 5.00,
			want: 600.00,
		},
		{
			name:      "long fill below entry is a loss",
			direction: DirectionLong,
			entry:     5.00, qty: 1, fill: 3.00,
			want: -200.00,
		},
		{
			name:      "worthless expiry on a long loses the premium",
			direction: DirectionLong,
			entry:     2.50, qty: 4, fill: 0,
			want: -1000.00,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Position{
				Direction:          tt.direction,
				EntryPrice:         tt.entry,
				Quantity:           tt.qty,
				ContractMultiplier: DefaultContractMultiplier,
			}
			assert.InDelta(t, tt.want, p.RealizedAt(tt.fill), 1e-9)
		})
	}
}

func TestBracketCrossed_StopLossTakesPriority(t *testing.T) {
	p := &Position{
		Direction:  DirectionLong,
		StopLoss:   floatPtr(4.00),
		TakeProfit: floatPtr(3.00), // misconfigured so both legs trigger at once
	}
	assert.Equal(t, CloseReasonStopLoss, p.BracketCrossed(3.50))
}

func TestBracketCrossed(t *testing.T) {
	tests := []struct {
		name      string
		direction Direction
		sl, tp    *float64
		mark      float64
		want      CloseReason
	}{
		{"long mark under stop", DirectionLong, floatPtr(4.00), floatPtr(8.00), 3.90, CloseReasonStopLoss},
		{"long mark over target", DirectionLong, floatPtr(4.00), floatPtr(8.00), 8.10, CloseReasonTakeProfit},
		{"long mark in band", DirectionLong, floatPtr(4.00), floatPtr(8.00), 6.00, ""},
		{"short mark over stop", DirectionShort, floatPtr(10.00), floatPtr(4.00), 10.50, CloseReasonStopLoss},
		{"short mark under target", DirectionShort, floatPtr(10.00), floatPtr(4.00), 3.80, CloseReasonTakeProfit},
		{"no bracket never triggers", DirectionLong, nil, nil, 0.01, ""},
		{"exact stop price triggers", DirectionLong, floatPtr(4.00), nil, 4.00, CloseReasonStopLoss},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Position{Direction: tt.direction, StopLoss: tt.sl, TakeProfit: tt.tp}
			assert.Equal(t, tt.want, p.BracketCrossed(tt.mark))
		})
	}
}

func TestExpiresOnOrBefore(t *testing.T) {
	day := time.Date(2026, 3, 20, 14, 30, 0, 0, time.UTC)
	p := &Position{Expiry: time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)}
	assert.True(t, p.ExpiresOnOrBefore(day))

	p.Expiry = time.Date(2026, 3, 21, 0, 0, 0, 0, time.UTC)
	assert.False(t, p.ExpiresOnOrBefore(day))

	p.Expiry = time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC)
	assert.True(t, p.ExpiresOnOrBefore(day))
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusClosed, StatusExpired, StatusCanceled} {
		assert.True(t, s.Terminal(), "%s", s)
	}
	for _, s := range []Status{StatusPending, StatusPartiallyFilled, StatusOpen, StatusClosing} {
		assert.False(t, s.Terminal(), "%s", s)
	}
}

func TestValidate(t *testing.T) {
	expiry := time.Now().UTC().AddDate(0, 1, 0)
	valid := func() *Position {
		p := NewPosition("tenant-a", "SPY", 450, expiry, OptionCall, DirectionLong, 5.00, 2)
		p.Status = StatusOpen
		return p
	}

	require.NoError(t, valid().Validate())

	p := valid()
	p.TenantID = ""
	assert.ErrorContains(t, p.Validate(), "tenant id is required")

	p = valid()
	p.Quantity = 0
	assert.ErrorContains(t, p.Validate(), "quantity must be > 0")

	p = valid()
	p.OptionType = "butterfly"
	assert.ErrorContains(t, p.Validate(), "invalid option type")

	p = valid()
	p.Status = StatusClosed // terminal without closed_at
	assert.ErrorContains(t, p.Validate(), "closed_at")

	p = valid()
	closedAt := time.Now().UTC()
	p.ClosedAt = &closedAt // closed_at without terminal status
	assert.ErrorContains(t, p.Validate(), "closed_at")
}

func TestOptionSymbol(t *testing.T) {
	p := &Position{
		Underlying: "SPY",
		Expiry:     time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC),
		Strike:     450,
		OptionType: OptionCall,
	}
	assert.Equal(t, "SPY 2026-01-16 450 call", p.OptionSymbol())
}

func TestDailyLossBreached(t *testing.T) {
	settings := &TenantRiskSettings{DailyLossLimit: 500}
	assert.False(t, settings.DailyLossBreached(-499))
	assert.True(t, settings.DailyLossBreached(-500))
	assert.True(t, settings.DailyLossBreached(-1200))
	assert.False(t, settings.DailyLossBreached(250))

	disabled := &TenantRiskSettings{}
	assert.False(t, disabled.DailyLossBreached(-99999))

	var nilSettings *TenantRiskSettings
	assert.False(t, nilSettings.DailyLossBreached(-99999))
}
