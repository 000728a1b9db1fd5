package domain

import (
	"github.com/shopspring/decimal"
)

// Position is the inventory held in one symbol.
// Size is signed: positive for Long, negative for Short.
type Position struct {
	Symbol        string          `json:"symbol"`
	Size          decimal.Decimal `json:"size"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// IsLong checks if the position is Long.
func (p *Position) IsLong() bool {
	return p.Size.IsPositive()
}

// IsShort checks if the position is Short.
func (p *Position) IsShort() bool {
	return p.Size.IsNegative()
}

// Side returns Buy for long, Sell for short and "" when flat.
func (p *Position) Side() Side {
	switch {
	case p.IsLong():
		return SideBuy
	case p.IsShort():
		return SideSell
	default:
		return ""
	}
}
