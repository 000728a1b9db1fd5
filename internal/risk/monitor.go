// Package risk tracks PnL, drawdown and loss streaks from ledger fills and
// fires the kill switch when a limit is breached.
package risk

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/domain"
)

const dayLayout = "2006-01-02"

// Action is the verdict of a limit check.
type Action int

const (
	ActionContinue Action = iota
	ActionReduce          // exposure too large; keep trading but shrink
	ActionHalt            // stop trading
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionReduce:
		return "reduce"
	case ActionHalt:
		return "halt"
	default:
		return "unknown"
	}
}

// Decision is the result of CheckLimits.
type Decision struct {
	Action  Action
	Reasons []string
	// Score is 0..100: drawdown 40%, daily loss 30%, position size 30% of their limits.
	Score float64
}

// Limits are the hard risk ceilings.
type Limits struct {
	MaxDrawdownPct       decimal.Decimal
	DailyLossPct         decimal.Decimal
	MaxConsecutiveLosses int
	MaxPositionSize      decimal.Decimal
}

// Config configures a Monitor.
type Config struct {
	InitialEquity decimal.Decimal
	Limits        Limits
	Now           func() time.Time
}

type inventory struct {
	size       decimal.Decimal // signed
	avgEntry   decimal.Decimal
	mark       decimal.Decimal
	unrealized decimal.Decimal
}

// Monitor is the mutex-guarded risk state.
type Monitor struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger

	realized   decimal.Decimal
	dailyPnL   decimal.Decimal
	prevDayPnL decimal.Decimal
	day        string
	peak       decimal.Decimal
	wins       int
	losses     int
	streak     int
	positions  map[string]*inventory
	wallet     decimal.Decimal
	halted     bool
	updatedAt  time.Time
}

// NewMonitor creates a monitor starting at InitialEquity.
func NewMonitor(cfg Config, logger *slog.Logger) *Monitor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now().UTC()
	return &Monitor{
		cfg:       cfg,
		logger:    logger,
		day:       now.Format(dayLayout),
		peak:      cfg.InitialEquity,
		positions: make(map[string]*inventory),
		updatedAt: now,
	}
}

// OnFill books one fill delta. It implements ledger.FillSink.
// Fees reduce realized PnL on every fill, but wins, losses and the loss
// streak only move on fills that reduce exposure: an opening fill has no
// result yet. A reducing fill whose net result is not positive is a loss.
func (m *Monitor) OnFill(f domain.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()

	inv := m.inventory(f.Symbol)
	signed := f.Qty.Mul(f.Side.Sign())
	pnl := decimal.Zero

	reducing := !inv.size.IsZero() && signed.Sign() != inv.size.Sign()
	next := inv.size.Add(signed)
	switch {
	case reducing:
		closed := decimal.Min(signed.Abs(), inv.size.Abs())
		pnl = closed.Mul(f.Price.Sub(inv.avgEntry)).Mul(decimal.NewFromInt(int64(inv.size.Sign())))
		switch {
		case next.IsZero():
			inv.avgEntry = decimal.Zero
		case next.Sign() != inv.size.Sign():
			// flipped: the remainder opens at the fill price
			inv.avgEntry = f.Price
		}
	case !next.IsZero():
		cost := inv.size.Abs().Mul(inv.avgEntry).Add(signed.Abs().Mul(f.Price))
		inv.avgEntry = cost.Div(next.Abs())
	}
	inv.size = next
	pnl = pnl.Sub(f.Fee)

	m.realized = m.realized.Add(pnl)
	m.dailyPnL = m.dailyPnL.Add(pnl)
	if reducing {
		if pnl.IsPositive() {
			m.wins++
			m.streak = 0
		} else {
			m.losses++
			m.streak++
		}
	}
	inv.revalue()
	m.refresh()

	m.logger.Info("Risk fill booked",
		slog.String("symbol", f.Symbol),
		slog.String("side", string(f.Side)),
		slog.String("qty", f.Qty.String()),
		slog.String("price", f.Price.String()),
		slog.String("pnl", pnl.String()),
		slog.String("position", inv.size.String()),
		slog.Int("loss_streak", m.streak))
}

// UpdateMark revalues symbol's unrealized PnL at price, typically the book mid.
func (m *Monitor) UpdateMark(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.positions[symbol]
	if !ok {
		return
	}
	inv.mark = price
	inv.revalue()
	m.refresh()
}

// SyncPosition adopts the venue's view of a position.
func (m *Monitor) SyncPosition(p domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv := m.inventory(p.Symbol)
	if !inv.size.Equal(p.Size) {
		m.logger.Info("Position synced from venue",
			slog.String("symbol", p.Symbol),
			slog.String("local", inv.size.String()),
			slog.String("venue", p.Size.String()))
	}
	inv.size = p.Size
	inv.avgEntry = p.AvgEntryPrice
	if p.MarkPrice.IsPositive() {
		inv.mark = p.MarkPrice
		inv.revalue()
	} else {
		inv.unrealized = p.UnrealizedPnL
	}
	m.refresh()
}

// SyncEquity records the wallet equity reported by the venue.
func (m *Monitor) SyncEquity(equity decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallet = equity
}

// WalletEquity returns the last equity reported by the venue.
func (m *Monitor) WalletEquity() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wallet
}

// MarkHalted records that the kill switch fired.
func (m *Monitor) MarkHalted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted = true
}

// Symbols returns the symbols with tracked inventory.
func (m *Monitor) Symbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.positions))
	for s := range m.positions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// CheckLimits evaluates the limits against the current state.
func (m *Monitor) CheckLimits() Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()

	lim := m.cfg.Limits
	var d Decision
	equity := m.equity()
	ddPct := m.drawdownPct(equity)
	dailyLimit := lim.DailyLossPct.Mul(m.cfg.InitialEquity)

	if lim.MaxDrawdownPct.IsPositive() && ddPct.GreaterThan(lim.MaxDrawdownPct) {
		d.Action = ActionHalt
		d.Reasons = append(d.Reasons, fmt.Sprintf("drawdown %s%% exceeds %s%%", pct(ddPct), pct(lim.MaxDrawdownPct)))
	}
	if dailyLimit.IsPositive() && m.dailyPnL.LessThan(dailyLimit.Neg()) {
		d.Action = ActionHalt
		d.Reasons = append(d.Reasons, fmt.Sprintf("daily loss %s exceeds %s", m.dailyPnL.Neg().StringFixed(2), dailyLimit.StringFixed(2)))
	}
	if lim.MaxConsecutiveLosses > 0 && m.streak > lim.MaxConsecutiveLosses {
		d.Action = ActionHalt
		d.Reasons = append(d.Reasons, fmt.Sprintf("%d consecutive losses exceed %d", m.streak, lim.MaxConsecutiveLosses))
	}

	largest := decimal.Zero
	for _, s := range m.sortedSymbols() {
		size := m.positions[s].size.Abs()
		largest = decimal.Max(largest, size)
		if lim.MaxPositionSize.IsPositive() && size.GreaterThan(lim.MaxPositionSize) {
			if d.Action == ActionContinue {
				d.Action = ActionReduce
			}
			d.Reasons = append(d.Reasons, fmt.Sprintf("%s position %s exceeds %s", s, size, lim.MaxPositionSize))
		}
	}

	d.Score = score(ddPct, lim.MaxDrawdownPct, m.dailyPnL, dailyLimit, largest, lim.MaxPositionSize)
	return d
}

// Snapshot returns a copy of the risk state.
func (m *Monitor) Snapshot() domain.RiskSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	equity := m.equity()
	s := domain.RiskSnapshot{
		InitialEquity:     m.cfg.InitialEquity,
		Equity:            equity,
		PeakEquity:        m.peak,
		Drawdown:          decimal.Max(m.peak.Sub(equity), decimal.Zero),
		DrawdownPct:       m.drawdownPct(equity),
		RealizedPnL:       m.realized,
		UnrealizedPnL:     m.unrealized(),
		DailyPnL:          m.dailyPnL,
		PrevDayPnL:        m.prevDayPnL,
		Day:               m.day,
		Wins:              m.wins,
		Losses:            m.losses,
		ConsecutiveLosses: m.streak,
		Halted:            m.halted,
		UpdatedAt:         m.updatedAt,
	}
	for _, sym := range m.sortedSymbols() {
		inv := m.positions[sym]
		s.Positions = append(s.Positions, domain.Position{
			Symbol:        sym,
			Size:          inv.size,
			AvgEntryPrice: inv.avgEntry,
			MarkPrice:     inv.mark,
			UnrealizedPnL: inv.unrealized,
		})
	}
	return s
}

// Restore loads persisted state. The initial equity of the snapshot wins
// so drawdown stays measured against the original capital.
func (m *Monitor) Restore(s domain.RiskSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.InitialEquity.IsPositive() {
		m.cfg.InitialEquity = s.InitialEquity
	}
	m.realized = s.RealizedPnL
	m.dailyPnL = s.DailyPnL
	m.prevDayPnL = s.PrevDayPnL
	if s.Day != "" {
		m.day = s.Day
	}
	m.peak = decimal.Max(s.PeakEquity, m.cfg.InitialEquity)
	m.wins, m.losses, m.streak = s.Wins, s.Losses, s.ConsecutiveLosses
	m.halted = s.Halted
	m.positions = make(map[string]*inventory, len(s.Positions))
	for _, p := range s.Positions {
		inv := &inventory{size: p.Size, avgEntry: p.AvgEntryPrice, mark: p.MarkPrice, unrealized: p.UnrealizedPnL}
		m.positions[p.Symbol] = inv
	}
	m.rollover()
	m.refresh()
	m.logger.Info("Risk state restored",
		slog.String("realized", m.realized.String()),
		slog.String("peak", m.peak.String()),
		slog.Int("positions", len(m.positions)))
}

func (m *Monitor) inventory(symbol string) *inventory {
	inv, ok := m.positions[symbol]
	if !ok {
		inv = &inventory{}
		m.positions[symbol] = inv
	}
	return inv
}

func (m *Monitor) sortedSymbols() []string {
	out := make([]string, 0, len(m.positions))
	for s := range m.positions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// rollover resets the daily component on a UTC day change.
func (m *Monitor) rollover() {
	today := m.cfg.Now().UTC().Format(dayLayout)
	if today == m.day {
		return
	}
	m.logger.Info("Daily PnL rollover",
		slog.String("day", m.day),
		slog.String("daily_pnl", m.dailyPnL.String()))
	m.prevDayPnL = m.dailyPnL
	m.dailyPnL = decimal.Zero
	m.day = today
}

// refresh raises the peak and stamps the update time.
func (m *Monitor) refresh() {
	m.peak = decimal.Max(m.peak, m.equity())
	m.updatedAt = m.cfg.Now().UTC()
}

func (m *Monitor) unrealized() decimal.Decimal {
	sum := decimal.Zero
	for _, inv := range m.positions {
		sum = sum.Add(inv.unrealized)
	}
	return sum
}

func (m *Monitor) equity() decimal.Decimal {
	return m.cfg.InitialEquity.Add(m.realized).Add(m.unrealized())
}

func (m *Monitor) drawdownPct(equity decimal.Decimal) decimal.Decimal {
	if !m.peak.IsPositive() || equity.GreaterThanOrEqual(m.peak) {
		return decimal.Zero
	}
	return m.peak.Sub(equity).Div(m.peak)
}

func (inv *inventory) revalue() {
	if inv.size.IsZero() {
		inv.unrealized = decimal.Zero
		return
	}
	if inv.mark.IsPositive() {
		inv.unrealized = inv.mark.Sub(inv.avgEntry).Mul(inv.size)
	}
}

func pct(ratio decimal.Decimal) string {
	return ratio.Mul(decimal.NewFromInt(100)).StringFixed(2)
}

func score(ddPct, maxDD, daily, dailyLimit, size, maxSize decimal.Decimal) float64 {
	var s float64
	if maxDD.IsPositive() {
		s += ddPct.Div(maxDD).InexactFloat64() * 40
	}
	if dailyLimit.IsPositive() && daily.IsNegative() {
		s += daily.Neg().Div(dailyLimit).InexactFloat64() * 30
	}
	if maxSize.IsPositive() {
		s += size.Div(maxSize).InexactFloat64() * 30
	}
	return min(s, 100)
}
