package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// PaperBroker is an in-memory broker simulation. Orders fill immediately at
// their limit price (or the configured default fill price for market orders),
// OCO pairs sit open until canceled, and the whole book lives in process.
type PaperBroker struct {
	mu     sync.Mutex
	orders map[string]*OrderState

	// DefaultFillPrice is used for market orders. Zero fills at zero, which
	// is fine for tests that only care about statuses.
	DefaultFillPrice float64
}

// NewPaperBroker returns an empty simulated broker.
func NewPaperBroker() *PaperBroker {
	return &PaperBroker{orders: make(map[string]*OrderState)}
}

func (p *PaperBroker) PlaceOrder(_ context.Context, spec OrderSpec) (*OrderState, error) {
	if spec.Quantity <= 0 {
		return nil, &Error{Provider: "paper", Op: "place order", Err: fmt.Errorf("quantity must be positive, got %d", spec.Quantity)}
	}

	fill := spec.LimitPrice
	if fill == 0 {
		fill = p.DefaultFillPrice
	}
	state := &OrderState{
		OrderID:        uuid.NewString(),
		Status:         OrderStatusFilled,
		FilledQuantity: spec.Quantity,
		AvgFillPrice:   fill,
	}

	p.mu.Lock()
	p.orders[state.OrderID] = state
	p.mu.Unlock()
	return state, nil
}

func (p *PaperBroker) PlaceOCOOrder(_ context.Context, spec OrderSpec, stopLoss, takeProfit float64) (*OCOOrderIDs, error) {
	if stopLoss <= 0 && takeProfit <= 0 {
		return nil, &Error{Provider: "paper", Op: "place oco", Err: fmt.Errorf("bracket needs at least one leg")}
	}

	ids := &OCOOrderIDs{
		StopLossOrderID:   uuid.NewString(),
		TakeProfitOrderID: uuid.NewString(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders[ids.StopLossOrderID] = &OrderState{OrderID: ids.StopLossOrderID, Status: OrderStatusOpen}
	p.orders[ids.TakeProfitOrderID] = &OrderState{OrderID: ids.TakeProfitOrderID, Status: OrderStatusOpen}
	return ids, nil
}

func (p *PaperBroker) CancelOrder(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.orders[orderID]
	if !ok {
		return &Error{Provider: "paper", Op: "cancel order", Err: fmt.Errorf("order %s: %w", orderID, ErrOrderGone)}
	}
	if state.Status.Terminal() {
		return &Error{Provider: "paper", Op: "cancel order", Err: fmt.Errorf("order %s already %s: %w", orderID, state.Status, ErrOrderGone)}
	}
	state.Status = OrderStatusCanceled
	return nil
}

func (p *PaperBroker) GetOrder(_ context.Context, orderID string) (*OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.orders[orderID]
	if !ok {
		return nil, &Error{Provider: "paper", Op: "get order", Err: fmt.Errorf("order %s not found", orderID)}
	}
	cp := *state
	return &cp, nil
}

func (p *PaperBroker) TestConnection(_ context.Context) error { return nil }

// SetOrderStatus overrides an order's state, letting tests and the expiry
// simulation drive broker-side outcomes.
func (p *PaperBroker) SetOrderStatus(orderID string, status OrderStatus, fillPrice float64, filledQty int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state, ok := p.orders[orderID]; ok {
		state.Status = status
		state.AvgFillPrice = fillPrice
		state.FilledQuantity = filledQty
	}
}

var _ Broker = (*PaperBroker)(nil)
