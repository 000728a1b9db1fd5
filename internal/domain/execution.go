package domain

import "context"

// Execution is the venue port used by the ledger.
// It abstracts away the difference between the paper venue and the exchange.
type Execution interface {
	// PlaceOrder submits an order and returns it as acknowledged by the venue.
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (Order, error)

	// AmendOrder and the cancel calls report OutcomeNoop when the order is already gone.
	AmendOrder(ctx context.Context, req AmendOrderRequest) (Outcome, error)
	CancelOrder(ctx context.Context, req CancelOrderRequest) (Outcome, error)
	CancelAll(ctx context.Context, symbol string) (Outcome, error)

	// OpenOrders lists every currently open order for symbol.
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)

	// Close cleans up resources and wipes secrets.
	Close() error
}
