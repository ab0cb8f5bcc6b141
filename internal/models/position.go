// Package models provides data structures and state definitions for paper
// trading positions.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a position.
type Status string

const (
	// StatusPending means the entry order was submitted and is awaiting broker confirmation.
	StatusPending Status = "pending"
	// StatusPartiallyFilled means the entry order has partial executions.
	StatusPartiallyFilled Status = "partially_filled"
	// StatusOpen means the position is live and being managed.
	StatusOpen Status = "open"
	// StatusClosing means a close order is in flight.
	StatusClosing Status = "closing"
	// StatusClosed is terminal: the position was exited at a known price.
	StatusClosed Status = "closed"
	// StatusExpired is terminal: the option expired worthless.
	StatusExpired Status = "expired"
	// StatusCanceled is terminal: the position never filled or was canceled.
	StatusCanceled Status = "canceled"
)

// AllStatuses lists every valid status, in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusPartiallyFilled, StatusOpen, StatusClosing,
	StatusClosed, StatusExpired, StatusCanceled,
}

// Valid returns true if the Status is one of the defined constants.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPartiallyFilled, StatusOpen, StatusClosing,
		StatusClosed, StatusExpired, StatusCanceled:
		return true
	default:
		return false
	}
}

// Terminal returns true for states with no outgoing edges.
func (s Status) Terminal() bool {
	switch s {
	case StatusClosed, StatusExpired, StatusCanceled:
		return true
	default:
		return false
	}
}

// Direction indicates whether the position is long or short the contract.
type Direction string

const (
	// DirectionLong profits when the option price rises.
	DirectionLong Direction = "long"
	// DirectionShort profits when the option price falls.
	DirectionShort Direction = "short"
)

// Valid returns true if the Direction is one of the defined constants.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// Multiplier returns +1 for long positions and -1 for short positions.
// All P&L math is (price delta) x quantity x contract multiplier x this.
func (d Direction) Multiplier() float64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// OptionType represents the type of option contract.
type OptionType string

const (
	// OptionCall is a call contract.
	OptionCall OptionType = "call"
	// OptionPut is a put contract.
	OptionPut OptionType = "put"
)

// Valid returns true if the OptionType is one of the defined constants.
func (t OptionType) Valid() bool {
	return t == OptionCall || t == OptionPut
}

// CloseReason records why a position left the open state.
type CloseReason string

const (
	// CloseReasonStopLoss is a bracket stop-loss exit.
	CloseReasonStopLoss CloseReason = "sl_hit"
	// CloseReasonTakeProfit is a bracket take-profit exit.
	CloseReasonTakeProfit CloseReason = "tp_hit"
	// CloseReasonBrokerFill is a broker fill not attributable to either bracket leg.
	CloseReasonBrokerFill CloseReason = "broker_fill"
	// CloseReasonExpired is an expiry sweep close.
	CloseReasonExpired CloseReason = "expired"
	// CloseReasonManual is a user-initiated close.
	CloseReasonManual CloseReason = "user_manual_close"
)

// DefaultContractMultiplier is the standard shares-per-contract for US equity options.
const DefaultContractMultiplier = 100

// Position represents a simulated option trade with bracket prices and an
// optimistic version counter. After creation, all mutations go through the
// lifecycle manager or a predicate-qualified store update; a stale writer
// affects zero rows and must refetch.
type Position struct {
	ID                 uuid.UUID      `json:"id"`
	TenantID           string         `json:"tenant_id"`
	Underlying         string         `json:"underlying"`
	Strike             float64        `json:"strike"`
	Expiry             time.Time      `json:"expiry"`
	OptionType         OptionType     `json:"option_type"`
	Direction          Direction      `json:"direction"`
	EntryPrice         float64        `json:"entry_price"`
	Quantity           int            `json:"quantity"`
	ContractMultiplier int            `json:"contract_multiplier"`
	StopLoss           *float64       `json:"stop_loss,omitempty"`
	TakeProfit         *float64       `json:"take_profit,omitempty"`
	MarkPrice          float64        `json:"mark_price"`
	UnrealizedPnL      float64        `json:"unrealized_pnl"`
	Status             Status         `json:"status"`
	ExitPrice          *float64       `json:"exit_price,omitempty"`
	RealizedPnL        *float64       `json:"realized_pnl,omitempty"`
	CloseReason        CloseReason    `json:"close_reason,omitempty"`
	Context            map[string]any `json:"context,omitempty"`
	BrokerOrderID      *string        `json:"broker_order_id,omitempty"`
	SLOrderID          *string        `json:"sl_order_id,omitempty"`
	TPOrderID          *string        `json:"tp_order_id,omitempty"`
	Version            int64          `json:"version"`
	IdempotencyKey     *string        `json:"idempotency_key,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	ClosedAt           *time.Time     `json:"closed_at,omitempty"`
}

// NewPosition creates an unsaved position with version 1 and no status yet.
// The status is assigned by the creation transition (pending or open).
func NewPosition(tenantID, underlying string, strike float64, expiry time.Time,
	optionType OptionType, direction Direction, entryPrice float64, quantity int) *Position {
	return &Position{
		ID:                 uuid.New(),
		TenantID:           tenantID,
		Underlying:         underlying,
		Strike:             strike,
		Expiry:             expiry,
		OptionType:         optionType,
		Direction:          direction,
		EntryPrice:         entryPrice,
		Quantity:           quantity,
		ContractMultiplier: DefaultContractMultiplier,
		Version:            1,
		Context:            map[string]any{},
	}
}

func (p *Position) multiplier() float64 {
	if p.ContractMultiplier <= 0 {
		return DefaultContractMultiplier
	}
	return float64(p.ContractMultiplier)
}

// RealizedAt computes the realized P&L for an exit at the given fill price.
func (p *Position) RealizedAt(fillPrice float64) float64 {
	return (fillPrice - p.EntryPrice) * float64(p.Quantity) * p.multiplier() * p.Direction.Multiplier()
}

// UnrealizedAt computes the unrealized P&L at the given mark price.
func (p *Position) UnrealizedAt(mark float64) float64 {
	return p.RealizedAt(mark)
}

// BracketCrossed evaluates the bracket against a mark price and returns the
// close reason that applies, or "" if neither leg triggered. When both legs
// would trigger in the same tick the stop-loss takes strict priority.
func (p *Position) BracketCrossed(mark float64) CloseReason {
	if p.StopLoss != nil {
		if p.Direction == DirectionLong && mark <= *p.StopLoss {
			return CloseReasonStopLoss
		}
		if p.Direction == DirectionShort && mark >= *p.StopLoss {
			return CloseReasonStopLoss
		}
	}
	if p.TakeProfit != nil {
		if p.Direction == DirectionLong && mark >= *p.TakeProfit {
			return CloseReasonTakeProfit
		}
		if p.Direction == DirectionShort && mark <= *p.TakeProfit {
			return CloseReasonTakeProfit
		}
	}
	return ""
}

// HasBracketOrders reports whether any broker-side bracket order ids remain
// attached to the position.
func (p *Position) HasBracketOrders() bool {
	return p.SLOrderID != nil || p.TPOrderID != nil
}

// ExpiresOnOrBefore returns true if the contract's expiry date is on or
// before the given day. Dates are compared in UTC with time-of-day ignored.
func (p *Position) ExpiresOnOrBefore(day time.Time) bool {
	exp := p.Expiry.UTC().Truncate(24 * time.Hour)
	d := day.UTC().Truncate(24 * time.Hour)
	return !exp.After(d)
}

// OptionSymbol renders the contract descriptor used for quote lookups,
// e.g. "SPY 2026-01-16 450 call".
func (p *Position) OptionSymbol() string {
	return fmt.Sprintf("%s %s %g %s", p.Underlying, p.Expiry.Format("2006-01-02"), p.Strike, p.OptionType)
}

// Validate ensures the position's fields are internally consistent.
func (p *Position) Validate() error {
	if p.TenantID == "" {
		return fmt.Errorf("position %s: tenant id is required", p.ID)
	}
	if p.Underlying == "" {
		return fmt.Errorf("position %s: underlying is required", p.ID)
	}
	if !p.OptionType.Valid() {
		return fmt.Errorf("position %s: invalid option type %q", p.ID, p.OptionType)
	}
	if !p.Direction.Valid() {
		return fmt.Errorf("position %s: invalid direction %q", p.ID, p.Direction)
	}
	if p.Status != "" && !p.Status.Valid() {
		return fmt.Errorf("position %s: invalid status %q", p.ID, p.Status)
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("position %s: quantity must be > 0 (got %d)", p.ID, p.Quantity)
	}
	if p.EntryPrice < 0 {
		return fmt.Errorf("position %s: entry price must be >= 0 (got %.4f)", p.ID, p.EntryPrice)
	}
	if p.Version < 1 {
		return fmt.Errorf("position %s: version must be >= 1 (got %d)", p.ID, p.Version)
	}
	if p.Status.Terminal() != (p.ClosedAt != nil) {
		return fmt.Errorf("position %s in status %s: closed_at must be set iff status is terminal", p.ID, p.Status)
	}
	return nil
}
