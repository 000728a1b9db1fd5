package risk

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tradecore/internal/domain"
	"tradecore/internal/infra"
)

// OrderController is the part of the ledger the kill switch drives.
type OrderController interface {
	Halt(reason string)
	CancelAll(ctx context.Context, symbol string) (domain.Outcome, error)
}

// Tripper force-opens a circuit breaker.
type Tripper interface {
	Trip(timeout time.Duration)
}

// Guard evaluates the monitor and fires the kill switch once on Halt.
type Guard struct {
	monitor *Monitor
	orders  OrderController
	breaker Tripper
	symbols []string
	timeout time.Duration
	metrics *infra.Metrics
	logger  *slog.Logger

	fired   atomic.Bool
	notify  chan struct{}
	reasons atomic.Value // string, last logged Reduce reasons

	mu      sync.Mutex
	unswept []string // symbols whose kill switch cancel has not succeeded yet
	tripped bool
}

// NewGuard wires the kill switch. symbols are cancelled on halt in
// addition to every symbol holding inventory.
func NewGuard(monitor *Monitor, orders OrderController, breaker Tripper, symbols []string, timeout time.Duration, metrics *infra.Metrics, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		monitor: monitor,
		orders:  orders,
		breaker: breaker,
		symbols: symbols,
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
		notify:  make(chan struct{}, 1),
	}
}

// OnFill schedules an evaluation. It never blocks so it is safe as a ledger sink.
func (g *Guard) OnFill(domain.Fill) { g.Notify() }

// Notify requests an evaluation from Run.
func (g *Guard) Notify() {
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

// Fired reports whether the kill switch has fired.
func (g *Guard) Fired() bool { return g.fired.Load() }

// Run evaluates on every Notify and every interval until ctx is done.
func (g *Guard) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-g.notify:
		case <-ticker.C:
		}
		g.Evaluate(ctx)
	}
}

// Evaluate checks the limits once. The first Halt decision halts the ledger,
// cancels every open order and trips the breaker for the kill switch timeout.
// Cancels that fail are retried on every later Evaluate, and the breaker is
// tripped only once every symbol has been swept.
func (g *Guard) Evaluate(ctx context.Context) Decision {
	if g.fired.Load() {
		g.sweep(ctx)
	}

	d := g.monitor.CheckLimits()
	snap := g.monitor.Snapshot()
	g.metrics.SetRisk(snap.Equity.InexactFloat64(), snap.DrawdownPct.InexactFloat64(), g.fired.Load())

	switch d.Action {
	case ActionHalt:
		if g.fired.CompareAndSwap(false, true) {
			g.kill(ctx, strings.Join(d.Reasons, "; "))
			g.metrics.SetRisk(snap.Equity.InexactFloat64(), snap.DrawdownPct.InexactFloat64(), true)
		}
	case ActionReduce:
		reasons := strings.Join(d.Reasons, "; ")
		if prev, _ := g.reasons.Load().(string); prev != reasons {
			g.reasons.Store(reasons)
			g.logger.Warn("Risk limit: reduce exposure",
				slog.String("reasons", reasons),
				slog.Float64("score", d.Score))
		}
	default:
		g.reasons.Store("")
	}
	return d
}

func (g *Guard) kill(ctx context.Context, reason string) {
	g.logger.Error("KILL SWITCH", slog.String("reason", reason))
	g.orders.Halt(reason)
	g.monitor.MarkHalted()

	g.mu.Lock()
	g.unswept = g.cancelSymbols()
	g.mu.Unlock()
	g.sweep(ctx)
}

// sweep cancels every unswept symbol and trips the breaker once none remain.
func (g *Guard) sweep(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tripped {
		return
	}

	var failed []string
	for _, sym := range g.unswept {
		outcome, err := g.orders.CancelAll(ctx, sym)
		if err != nil {
			g.logger.Error("Kill switch cancel failed, will retry",
				slog.String("symbol", sym),
				slog.String("outcome", outcome.String()),
				slog.Any("err", err))
			failed = append(failed, sym)
			continue
		}
		g.logger.Info("Kill switch cancelled orders", slog.String("symbol", sym))
	}
	g.unswept = failed
	if len(failed) > 0 {
		return
	}

	g.tripped = true
	if g.breaker != nil {
		g.breaker.Trip(g.timeout)
	}
}

// Unswept returns the symbols whose kill switch cancel is still outstanding.
func (g *Guard) Unswept() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.unswept...)
}

func (g *Guard) cancelSymbols() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range append(append([]string{}, g.symbols...), g.monitor.Symbols()...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
