// Package broker defines the order-routing surface the engine reconciles
// against, plus a paper implementation for simulated fills.
package broker

import (
	"context"
	"fmt"

	"github.com/davemott/paperledger/internal/models"
)

// OrderStatus is a broker-side order status, normalized across providers.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusCanceled        OrderStatus = "canceled"
)

// Terminal reports whether the order can no longer change at the broker.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusExpired, OrderStatusRejected, OrderStatusCanceled:
		return true
	}
	return false
}

// OrderSpec describes an option order to place.
type OrderSpec struct {
	Symbol     string            // OCC-style option identifier
	Underlying string
	Strike     float64
	Expiry     string // YYYY-MM-DD
	OptionType models.OptionType
	Direction  models.Direction
	Quantity   int
	LimitPrice float64 // 0 means market
}

// OrderState is a broker's view of one order.
type OrderState struct {
	OrderID        string
	Status         OrderStatus
	FilledQuantity int
	AvgFillPrice   float64
}

// OCOOrderIDs carries the ids of a placed one-cancels-other bracket pair.
type OCOOrderIDs struct {
	StopLossOrderID   string
	TakeProfitOrderID string
}

// Broker is the provider-agnostic order surface. Implementations normalize
// provider statuses to OrderStatus and provider failures to the typed errors
// in this package.
type Broker interface {
	PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderState, error)
	// PlaceOCOOrder places a linked stop-loss/take-profit pair for an open
	// position; filling one cancels the other at the broker.
	PlaceOCOOrder(ctx context.Context, spec OrderSpec, stopLoss, takeProfit float64) (*OCOOrderIDs, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (*OrderState, error)
	// TestConnection verifies credentials with a cheap authenticated call.
	TestConnection(ctx context.Context) error
}

// Factory builds a Broker from per-tenant credentials. The engine resolves
// one broker per tenant per tick; factories may cache internally.
type Factory func(creds models.BrokerCredentials) (Broker, error)

// NewFactory returns the default factory: paper credentials (or none) get the
// in-memory simulator, everything else is rejected.
func NewFactory(paper *PaperBroker) Factory {
	return func(creds models.BrokerCredentials) (Broker, error) {
		switch creds.Provider {
		case "", "paper":
			return paper, nil
		default:
			return nil, fmt.Errorf("broker: unknown provider %q", creds.Provider)
		}
	}
}
