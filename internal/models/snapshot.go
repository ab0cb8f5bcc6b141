package models

import (
	"time"

	"github.com/google/uuid"
)

// SnapshotType tags how a price snapshot was taken.
type SnapshotType string

const (
	// SnapshotPeriodic is a regular intraday refresh.
	SnapshotPeriodic SnapshotType = "periodic"
	// SnapshotMarketOpen is the bookend valuation taken near market open.
	SnapshotMarketOpen SnapshotType = "market_open"
	// SnapshotMarketClose is the bookend valuation taken near market close.
	SnapshotMarketClose SnapshotType = "market_close"
)

// Valid returns true if the SnapshotType is one of the defined constants.
func (t SnapshotType) Valid() bool {
	switch t {
	case SnapshotPeriodic, SnapshotMarketOpen, SnapshotMarketClose:
		return true
	default:
		return false
	}
}

// Greeks holds the option sensitivities captured with a quote.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	IV    float64 `json:"iv"`
}

// PriceSnapshot is an append-only time series row per position. It feeds the
// live unrealized P&L display and, post-close, the excursion labels.
type PriceSnapshot struct {
	ID              int64        `json:"id"`
	PositionID      uuid.UUID    `json:"position_id"`
	Mark            float64      `json:"mark"`
	Bid             float64      `json:"bid"`
	Ask             float64      `json:"ask"`
	Greeks          *Greeks      `json:"greeks,omitempty"`
	UnderlyingPrice float64      `json:"underlying_price"`
	Type            SnapshotType `json:"type"`
	CreatedAt       time.Time    `json:"created_at"`
}
