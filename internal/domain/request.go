package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrInvalidRequest is wrapped by every request validation failure.
var ErrInvalidRequest = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// maxClientIDLen is the venue limit for orderLinkId.
const maxClientIDLen = 36

// PlaceOrderRequest is a validated limit order. Build it with NewPlaceOrderRequest.
type PlaceOrderRequest struct {
	Symbol        string
	Side          Side
	Price         decimal.Decimal
	Qty           decimal.Decimal
	ClientOrderID string
	PostOnly      bool
	ReduceOnly    bool
}

// PlaceOption customizes a PlaceOrderRequest.
type PlaceOption func(*PlaceOrderRequest)

// WithClientOrderID sets the idempotency key instead of a generated one.
func WithClientOrderID(id string) PlaceOption {
	return func(r *PlaceOrderRequest) { r.ClientOrderID = id }
}

// PostOnly makes the order maker-only.
func PostOnly() PlaceOption {
	return func(r *PlaceOrderRequest) { r.PostOnly = true }
}

// ReduceOnly prevents the order from increasing exposure.
func ReduceOnly() PlaceOption {
	return func(r *PlaceOrderRequest) { r.ReduceOnly = true }
}

// NewPlaceOrderRequest validates and builds a limit order request.
func NewPlaceOrderRequest(symbol string, side Side, price, qty decimal.Decimal, opts ...PlaceOption) (PlaceOrderRequest, error) {
	r := PlaceOrderRequest{Symbol: symbol, Side: side, Price: price, Qty: qty}
	for _, opt := range opts {
		opt(&r)
	}
	if r.ClientOrderID == "" {
		r.ClientOrderID = uuid.NewString()
	}

	switch {
	case symbol == "":
		return PlaceOrderRequest{}, invalid("symbol is required")
	case !side.Valid():
		return PlaceOrderRequest{}, invalid("side %q", side)
	case !price.IsPositive():
		return PlaceOrderRequest{}, invalid("price must be positive, got %s", price)
	case !qty.IsPositive():
		return PlaceOrderRequest{}, invalid("qty must be positive, got %s", qty)
	case len(r.ClientOrderID) > maxClientIDLen:
		return PlaceOrderRequest{}, invalid("client order id longer than %d", maxClientIDLen)
	}
	return r, nil
}

// OrderRef identifies an order by venue id or client id.
type OrderRef struct {
	Symbol        string
	OrderID       string
	ClientOrderID string
}

func (r OrderRef) validate() error {
	if r.Symbol == "" {
		return invalid("symbol is required")
	}
	if r.OrderID == "" && r.ClientOrderID == "" {
		return invalid("order id or client order id is required")
	}
	return nil
}

// Key returns the client id if set, else the venue id.
func (r OrderRef) Key() string {
	if r.ClientOrderID != "" {
		return r.ClientOrderID
	}
	return r.OrderID
}

// AmendOrderRequest changes price and/or quantity of a resting order.
type AmendOrderRequest struct {
	OrderRef
	Price decimal.Decimal // zero = unchanged
	Qty   decimal.Decimal // zero = unchanged
}

// NewAmendOrderRequest validates and builds an amend request.
func NewAmendOrderRequest(ref OrderRef, price, qty decimal.Decimal) (AmendOrderRequest, error) {
	if err := ref.validate(); err != nil {
		return AmendOrderRequest{}, err
	}
	if price.IsZero() && qty.IsZero() {
		return AmendOrderRequest{}, invalid("amend must change price or qty")
	}
	if price.IsNegative() || qty.IsNegative() {
		return AmendOrderRequest{}, invalid("amend price and qty must not be negative")
	}
	return AmendOrderRequest{OrderRef: ref, Price: price, Qty: qty}, nil
}

// CancelOrderRequest cancels one order.
type CancelOrderRequest struct {
	OrderRef
}

// NewCancelOrderRequest validates and builds a cancel request.
func NewCancelOrderRequest(ref OrderRef) (CancelOrderRequest, error) {
	if err := ref.validate(); err != nil {
		return CancelOrderRequest{}, err
	}
	return CancelOrderRequest{OrderRef: ref}, nil
}
