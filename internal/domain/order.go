package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order side as the venue spells it.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Valid reports whether s is Buy or Sell.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Sign returns +1 for Buy and -1 for Sell.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OrderStatus is the canonical order lifecycle state.
type OrderStatus string

const (
	StatusNew             OrderStatus = "New"
	StatusPartiallyFilled OrderStatus = "PartiallyFilled"
	StatusFilled          OrderStatus = "Filled"
	StatusCancelled       OrderStatus = "Cancelled"
	StatusRejected        OrderStatus = "Rejected"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Order is the single order shape used by the ledger, whether it was
// observed by a push update or by a poll.
type Order struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Qty           decimal.Decimal `json:"qty"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	CumFee        decimal.Decimal `json:"cum_fee"`
	Status        OrderStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsOpen checks if the order is still active.
func (o *Order) IsOpen() bool {
	return o.Status == StatusNew || o.Status == StatusPartiallyFilled
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	r := o.Qty.Sub(o.FilledQty)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Key returns the client id if known, else the venue id.
func (o *Order) Key() string {
	if o.ClientOrderID != "" {
		return o.ClientOrderID
	}
	return o.OrderID
}

// Fill is one increment of execution forwarded to risk accounting.
type Fill struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Qty           decimal.Decimal `json:"qty"`
	Fee           decimal.Decimal `json:"fee"`
	Time          time.Time       `json:"time"`
}
