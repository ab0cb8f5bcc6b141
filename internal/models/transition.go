package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Trigger is the symbolic cause of a state transition, recorded on every
// audit row.
type Trigger string

const (
	// TriggerOrderPlaced is the creation event for broker-backed positions.
	TriggerOrderPlaced Trigger = "order_placed"
	// TriggerPaperFill is the creation event for positions opened directly
	// without a broker confirmation step.
	TriggerPaperFill Trigger = "paper_fill"
	// TriggerBrokerFill is a broker-reported fill on an exit order.
	TriggerBrokerFill Trigger = "broker_fill"
	// TriggerBrokerExpired is a broker-reported order expiration.
	TriggerBrokerExpired Trigger = "broker_expired"
	// TriggerBrokerCanceled is a broker-reported cancellation or rejection.
	TriggerBrokerCanceled Trigger = "broker_canceled"
	// TriggerStopLoss is an engine auto-close on a stop-loss crossing.
	TriggerStopLoss Trigger = "auto_stop_loss"
	// TriggerTakeProfit is an engine auto-close on a take-profit crossing.
	TriggerTakeProfit Trigger = "auto_take_profit"
	// TriggerManualClose is a user-initiated synchronous close.
	TriggerManualClose Trigger = "user_manual_close"
	// TriggerExpirySweep is the scheduled expiry reconciliation.
	TriggerExpirySweep Trigger = "cron_expiry_check"
	// TriggerCloseRejected reverts a closing position back to open after the
	// broker rejected the close order.
	TriggerCloseRejected Trigger = "close_rejected"
)

// Forced tags a trigger for the single documented escape hatch: a
// broker-confirmed terminal event recorded against a position whose local
// state could no longer legally reach it.
func (t Trigger) Forced() Trigger {
	return t + "_forced"
}

// StateTransition is an append-only audit record written alongside every
// status change. FromStatus is nil only for the initial creation event.
type StateTransition struct {
	ID         int64           `json:"id"`
	PositionID uuid.UUID       `json:"position_id"`
	FromStatus *Status         `json:"from_status,omitempty"`
	ToStatus   Status          `json:"to_status"`
	Trigger    Trigger         `json:"trigger"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// TransitionMetadata is the closed set of structured payloads attached to
// audit rows. Each trigger family carries its own shape so call sites get
// compile-time checking instead of stringly-typed lookups.
type TransitionMetadata interface {
	metadataKind() string
}

// FillMetadata accompanies broker fill transitions.
type FillMetadata struct {
	OrderID     string  `json:"order_id"`
	FillPrice   float64 `json:"fill_price"`
	RealizedPnL float64 `json:"realized_pnl"`
	Reason      string  `json:"reason,omitempty"`
}

func (FillMetadata) metadataKind() string { return "fill" }

// CloseMetadata accompanies engine and user close transitions.
type CloseMetadata struct {
	ExitPrice   float64 `json:"exit_price"`
	RealizedPnL float64 `json:"realized_pnl"`
	Reason      string  `json:"reason"`
	PriceSource string  `json:"price_source,omitempty"`
}

func (CloseMetadata) metadataKind() string { return "close" }

// ExpiryMetadata accompanies expiry sweep transitions.
type ExpiryMetadata struct {
	Expiry   string  `json:"expiry"`
	LastMark float64 `json:"last_mark"`
}

func (ExpiryMetadata) metadataKind() string { return "expiry" }

// ForceMetadata accompanies forced terminal transitions, preserving the
// state the position was in when the broker event arrived.
type ForceMetadata struct {
	PriorStatus  Status `json:"prior_status"`
	BrokerStatus string `json:"broker_status"`
	OrderID      string `json:"order_id,omitempty"`
}

func (ForceMetadata) metadataKind() string { return "force" }

// OrderMetadata accompanies order placement and broker status transitions
// that do not close the position.
type OrderMetadata struct {
	OrderID      string `json:"order_id"`
	BrokerStatus string `json:"broker_status,omitempty"`
}

func (OrderMetadata) metadataKind() string { return "order" }

// EncodeMetadata marshals a metadata payload for storage. A nil payload
// yields a nil raw message.
func EncodeMetadata(m TransitionMetadata) (json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
