package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskSnapshot is the persisted and reported risk state.
type RiskSnapshot struct {
	InitialEquity     decimal.Decimal `json:"initial_equity"`
	Equity            decimal.Decimal `json:"equity"`
	PeakEquity        decimal.Decimal `json:"peak_equity"`
	Drawdown          decimal.Decimal `json:"drawdown"`
	DrawdownPct       decimal.Decimal `json:"drawdown_pct"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
	DailyPnL          decimal.Decimal `json:"daily_pnl"`
	PrevDayPnL        decimal.Decimal `json:"prev_day_pnl"`
	Day               string          `json:"day"` // UTC, YYYY-MM-DD
	Wins              int             `json:"wins"`
	Losses            int             `json:"losses"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	Positions         []Position      `json:"positions,omitempty"`
	Halted            bool            `json:"halted"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
