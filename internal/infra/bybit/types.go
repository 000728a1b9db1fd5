package bybit

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"tradecore/internal/domain"
)

// envelope is the common REST response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// wireOrder is the order shape shared by the "order" stream topic and
// /v5/order/realtime. Numbers arrive as strings.
type wireOrder struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	CumExecFee  string `json:"cumExecFee"`
	AvgPrice    string `json:"avgPrice"`
	OrderStatus string `json:"orderStatus"`
	CreatedTime string `json:"createdTime"`
	UpdatedTime string `json:"updatedTime"`
}

type orderListResult struct {
	Category       string      `json:"category"`
	List           []wireOrder `json:"list"`
	NextPageCursor string      `json:"nextPageCursor"`
}

type orderAck struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type cancelAllResult struct {
	List []orderAck `json:"list"`
}

type wirePosition struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	EntryPrice    string `json:"entryPrice"` // stream topic uses entryPrice
	MarkPrice     string `json:"markPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
}

type positionListResult struct {
	List []wirePosition `json:"list"`
}

type wireWallet struct {
	AccountType           string `json:"accountType"`
	TotalEquity           string `json:"totalEquity"`
	TotalAvailableBalance string `json:"totalAvailableBalance"`
}

type walletResult struct {
	List []wireWallet `json:"list"`
}

// wireBook is the order book payload of both REST and stream.
type wireBook struct {
	Symbol   string      `json:"s"`
	Bids     [][2]string `json:"b"`
	Asks     [][2]string `json:"a"`
	UpdateID int64       `json:"u"`
	Seq      int64       `json:"seq"`
	Ts       int64       `json:"ts"`
}

// streamMessage is the superset of fields seen on any stream.
type streamMessage struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	OpMsg   string          `json:"ret_msg"`
	ReqID   string          `json:"reqId"`
	RetCode *int            `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	ConnID  string          `json:"conn_id"`
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func parseLevels(raw [][2]string) ([]domain.PriceLevel, error) {
	out := make([]domain.PriceLevel, 0, len(raw))
	for _, l := range raw {
		p, err := decimal.NewFromString(l[0])
		if err != nil {
			return nil, fmt.Errorf("level price %q: %w", l[0], err)
		}
		q, err := decimal.NewFromString(l[1])
		if err != nil {
			return nil, fmt.Errorf("level qty %q: %w", l[1], err)
		}
		out = append(out, domain.PriceLevel{Price: p, Qty: q})
	}
	return out, nil
}
