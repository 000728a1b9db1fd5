package bybit

import (
	"net/url"
	"strconv"

	"tradecore/internal/domain"
)

// REST endpoints used by the client.
const (
	pathCreate    = "/v5/order/create"
	pathAmend     = "/v5/order/amend"
	pathCancel    = "/v5/order/cancel"
	pathCancelAll = "/v5/order/cancel-all"
	pathRealtime  = "/v5/order/realtime"
	pathPositions = "/v5/position/list"
	pathWallet    = "/v5/account/wallet-balance"
	pathOrderBook = "/v5/market/orderbook"
)

// placeParams is the body of order.create on both REST and the trade stream.
type placeParams struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price"`
	TimeInForce string `json:"timeInForce"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
	ReduceOnly  bool   `json:"reduceOnly,omitempty"`
}

func newPlaceParams(category string, r domain.PlaceOrderRequest) placeParams {
	tif := "GTC"
	if r.PostOnly {
		tif = "PostOnly"
	}
	return placeParams{
		Category:    category,
		Symbol:      r.Symbol,
		Side:        string(r.Side),
		OrderType:   "Limit",
		Qty:         r.Qty.String(),
		Price:       r.Price.String(),
		TimeInForce: tif,
		OrderLinkID: r.ClientOrderID,
		ReduceOnly:  r.ReduceOnly,
	}
}

type amendParams struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	OrderID     string `json:"orderId,omitempty"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
	Qty         string `json:"qty,omitempty"`
	Price       string `json:"price,omitempty"`
}

func newAmendParams(category string, r domain.AmendOrderRequest) amendParams {
	p := amendParams{
		Category:    category,
		Symbol:      r.Symbol,
		OrderID:     r.OrderID,
		OrderLinkID: r.ClientOrderID,
	}
	if !r.Qty.IsZero() {
		p.Qty = r.Qty.String()
	}
	if !r.Price.IsZero() {
		p.Price = r.Price.String()
	}
	return p
}

type cancelParams struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	OrderID     string `json:"orderId,omitempty"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
}

func newCancelParams(category string, r domain.CancelOrderRequest) cancelParams {
	return cancelParams{
		Category:    category,
		Symbol:      r.Symbol,
		OrderID:     r.OrderID,
		OrderLinkID: r.ClientOrderID,
	}
}

type cancelAllParams struct {
	Category string `json:"category"`
	Symbol   string `json:"symbol"`
}

// orderQuery selects open orders of one symbol, one page at a time.
type orderQuery struct {
	Category string
	Symbol   string
	Limit    int
	Cursor   string
}

func (q orderQuery) values() url.Values {
	v := url.Values{}
	v.Set("category", q.Category)
	v.Set("symbol", q.Symbol)
	v.Set("openOnly", "0")
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	return v
}
