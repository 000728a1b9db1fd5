package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is one rung of a book side: a price and the aggregate quantity resting there.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// WallStatus is the liquidity-wall signal derived from the book.
type WallStatus string

const (
	WallBalanced      WallStatus = "BALANCED"
	WallBidSupport    WallStatus = "BID_SUPPORT"
	WallAskResistance WallStatus = "ASK_RESISTANCE"
	WallBidBroken     WallStatus = "BID_WALL_BROKEN"
	WallAskBroken     WallStatus = "ASK_WALL_BROKEN"
)

// MarketSnapshot is the last known market data for one symbol.
type MarketSnapshot struct {
	Symbol     string          `json:"symbol"`
	BestBid    decimal.Decimal `json:"best_bid"`
	BestAsk    decimal.Decimal `json:"best_ask"`
	Mid        decimal.Decimal `json:"mid"`
	Spread     decimal.Decimal `json:"spread"`
	BidVolume  decimal.Decimal `json:"bid_volume"`
	AskVolume  decimal.Decimal `json:"ask_volume"`
	Skew       decimal.Decimal `json:"skew"`
	WallStatus WallStatus      `json:"wall_status"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
