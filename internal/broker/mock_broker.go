package broker

import "context"

// MockBroker is a function-field test double. Nil fields succeed with zero
// values so tests only wire the calls they care about.
type MockBroker struct {
	PlaceOrderFunc     func(ctx context.Context, spec OrderSpec) (*OrderState, error)
	PlaceOCOOrderFunc  func(ctx context.Context, spec OrderSpec, stopLoss, takeProfit float64) (*OCOOrderIDs, error)
	CancelOrderFunc    func(ctx context.Context, orderID string) error
	GetOrderFunc       func(ctx context.Context, orderID string) (*OrderState, error)
	TestConnectionFunc func(ctx context.Context) error

	// Calls records method names in invocation order.
	Calls []string
}

func (m *MockBroker) PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderState, error) {
	m.Calls = append(m.Calls, "PlaceOrder")
	if m.PlaceOrderFunc != nil {
		return m.PlaceOrderFunc(ctx, spec)
	}
	return &OrderState{OrderID: "mock-order", Status: OrderStatusFilled, FilledQuantity: spec.Quantity, AvgFillPrice: spec.LimitPrice}, nil
}

func (m *MockBroker) PlaceOCOOrder(ctx context.Context, spec OrderSpec, stopLoss, takeProfit float64) (*OCOOrderIDs, error) {
	m.Calls = append(m.Calls, "PlaceOCOOrder")
	if m.PlaceOCOOrderFunc != nil {
		return m.PlaceOCOOrderFunc(ctx, spec, stopLoss, takeProfit)
	}
	return &OCOOrderIDs{StopLossOrderID: "mock-sl", TakeProfitOrderID: "mock-tp"}, nil
}

func (m *MockBroker) CancelOrder(ctx context.Context, orderID string) error {
	m.Calls = append(m.Calls, "CancelOrder")
	if m.CancelOrderFunc != nil {
		return m.CancelOrderFunc(ctx, orderID)
	}
	return nil
}

func (m *MockBroker) GetOrder(ctx context.Context, orderID string) (*OrderState, error) {
	m.Calls = append(m.Calls, "GetOrder")
	if m.GetOrderFunc != nil {
		return m.GetOrderFunc(ctx, orderID)
	}
	return &OrderState{OrderID: orderID, Status: OrderStatusOpen}, nil
}

func (m *MockBroker) TestConnection(ctx context.Context) error {
	m.Calls = append(m.Calls, "TestConnection")
	if m.TestConnectionFunc != nil {
		return m.TestConnectionFunc(ctx)
	}
	return nil
}

var _ Broker = (*MockBroker)(nil)
