// Package engine wires the streams, the order ledger, the books and risk into
// one process and runs their maintenance loops.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tradecore/internal/domain"
	"tradecore/internal/event"
	"tradecore/internal/execution"
	"tradecore/internal/infra"
	"tradecore/internal/ledger"
	"tradecore/internal/orderbook"
	"tradecore/internal/risk"
	"tradecore/internal/storage"
)

// Stream is a reconnecting channel. Err reports conditions it cannot recover from.
type Stream interface {
	ID() string
	Connect(ctx context.Context)
	Disconnect()
	Err() <-chan error
}

// BookSource fetches a book snapshot out of band.
type BookSource interface {
	OrderBook(ctx context.Context, symbol string, depth int) (bids, asks []domain.PriceLevel, updateID int64, err error)
}

// Account fetches positions and equity out of band.
type Account interface {
	Positions(ctx context.Context, symbol string) ([]domain.Position, error)
	WalletEquity(ctx context.Context) (equity, available decimal.Decimal, err error)
}

// Config holds the engine intervals and sizes.
type Config struct {
	Symbols         []string
	BookDepth       int
	MetricLevels    int
	BufferSize      int
	PersistInterval time.Duration
	PerfInterval    time.Duration
	RiskInterval    time.Duration
	AccountInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.BookDepth <= 0 {
		c.BookDepth = 50
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.PersistInterval <= 0 {
		c.PersistInterval = 30 * time.Second
	}
	if c.PerfInterval <= 0 {
		c.PerfInterval = time.Minute
	}
	if c.RiskInterval <= 0 {
		c.RiskInterval = 5 * time.Second
	}
	if c.AccountInterval <= 0 {
		c.AccountInterval = 45 * time.Second
	}
}

// Deps are the collaborators the engine drives. Paper, Books, Account and
// Journal are optional.
type Deps struct {
	Ledger   *ledger.Ledger
	Monitor  *risk.Monitor
	Guard    *risk.Guard
	State    *storage.StateStore
	Journal  *storage.FillJournal
	Paper    *execution.PaperVenue
	Books    BookSource
	Account  Account
	Limiters []*infra.RateLimiter
	Breakers []*infra.CircuitBreaker
	Metrics  *infra.Metrics
	Logger   *slog.Logger
}

// Engine owns the bounded channels and the tasks that consume them.
type Engine struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	books   map[string]*orderbook.Book
	streams []Stream

	bookCh     chan *event.BookEvent
	positionCh chan *event.PositionEvent
	walletCh   chan *event.WalletEvent

	// market data loaded by Restore; written once before Run
	restored map[string]domain.MarketSnapshot
}

// New creates an engine with one book per symbol.
func New(cfg Config, deps Deps) *Engine {
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		books:      make(map[string]*orderbook.Book, len(cfg.Symbols)),
		bookCh:     make(chan *event.BookEvent, cfg.BufferSize),
		positionCh: make(chan *event.PositionEvent, cfg.BufferSize),
		walletCh:   make(chan *event.WalletEvent, cfg.BufferSize),
		restored:   make(map[string]domain.MarketSnapshot),
	}
	for _, s := range cfg.Symbols {
		e.books[s] = orderbook.New(s, cfg.MetricLevels, logger)
	}
	return e
}

// BookSink is the channel the public stream feeds.
func (e *Engine) BookSink() chan<- *event.BookEvent { return e.bookCh }

// PositionSink is the channel the private stream feeds positions into.
func (e *Engine) PositionSink() chan<- *event.PositionEvent { return e.positionCh }

// WalletSink is the channel the private stream feeds equity into.
func (e *Engine) WalletSink() chan<- *event.WalletEvent { return e.walletCh }

// Book returns the book of symbol, or nil.
func (e *Engine) Book(symbol string) *orderbook.Book { return e.books[symbol] }

// AddStream registers a stream to be connected by Run. Call it before Run.
func (e *Engine) AddStream(s Stream) { e.streams = append(e.streams, s) }

// Restore loads persisted state into the ledger and risk monitor.
// Call it before Run.
func (e *Engine) Restore() error {
	st, err := e.deps.State.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if st.Empty() {
		e.logger.Info("No persisted state, starting fresh")
		return nil
	}
	e.deps.Ledger.Restore(st.OpenOrders)
	if st.Risk != nil {
		e.deps.Monitor.Restore(*st.Risk)
	}
	for sym, m := range st.MarketData {
		e.restored[sym] = m
	}
	e.logger.Info("State restored",
		slog.Time("saved_at", st.SavedAt),
		slog.Int("open_orders", len(st.OpenOrders)),
		slog.Int("markets", len(st.MarketData)))
	return nil
}

// Run starts every task and blocks until ctx is done or a task fails.
// State is flushed once more before it returns.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.deps.Ledger.Run(gctx) })
	g.Go(func() error { return e.consumeBooks(gctx) })
	g.Go(func() error { return e.consumeAccount(gctx) })
	g.Go(func() error { return e.deps.Guard.Run(gctx, e.cfg.RiskInterval) })
	g.Go(func() error { return e.persistLoop(gctx) })
	g.Go(func() error { return e.perfLoop(gctx) })
	if e.deps.Account != nil {
		g.Go(func() error { return e.accountLoop(gctx) })
	}
	if e.deps.Books != nil {
		g.Go(func() error { return e.seedBooks(gctx) })
	}

	for _, s := range e.streams {
		s.Connect(gctx)
		g.Go(func() error {
			defer s.Disconnect()
			select {
			case <-gctx.Done():
				return nil
			case err := <-s.Err():
				e.logger.Error("Stream failed", slog.String("id", s.ID()), slog.Any("err", err))
				return err
			}
		})
	}

	e.logger.Info("Engine started",
		slog.Any("symbols", e.cfg.Symbols),
		slog.Int("streams", len(e.streams)))

	err := g.Wait()
	if ferr := e.Flush(); ferr != nil {
		e.logger.Error("Final state flush failed", slog.Any("err", ferr))
		err = errors.Join(err, ferr)
	} else {
		e.logger.Info("Final state flushed", slog.String("path", e.deps.State.Path()))
	}
	return err
}

// Flush persists the current open orders, market data and risk state.
func (e *Engine) Flush() error {
	snap := e.deps.Monitor.Snapshot()
	st := &storage.State{
		OpenOrders: e.deps.Ledger.OpenOrders(""),
		MarketData: make(map[string]domain.MarketSnapshot, len(e.books)),
		Risk:       &snap,
	}
	for sym, m := range e.restored {
		st.MarketData[sym] = m
	}
	// a live book replaces what was restored
	for sym, b := range e.books {
		if v := b.View(); v.Ready {
			st.MarketData[sym] = v.MarketSnapshot()
		}
	}
	if err := e.deps.State.Save(st); err != nil {
		return err
	}
	if e.deps.Journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.deps.Journal.MarkSaved(ctx, st.SavedAt); err != nil {
			e.logger.Warn("Failed to record save time", slog.Any("err", err))
		}
	}
	return nil
}

// consumeBooks is the single writer of every book.
func (e *Engine) consumeBooks(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-e.bookCh:
			e.applyBook(ctx, ev)
		}
	}
}

func (e *Engine) applyBook(ctx context.Context, ev *event.BookEvent) {
	b, ok := e.books[ev.Symbol]
	if !ok {
		return
	}
	prev := b.View().WallStatus
	if ev.Snapshot {
		b.ApplySnapshot(ev.Bids, ev.Asks, ev.UpdateID)
	} else if !b.ApplyDelta(ev.Bids, ev.Asks, ev.UpdateID) {
		return
	}

	v := b.View()
	if !v.Ready {
		return
	}
	if v.WallStatus != prev {
		e.logger.Info("Wall status changed",
			slog.String("symbol", v.Symbol),
			slog.String("from", string(prev)),
			slog.String("to", string(v.WallStatus)),
			slog.String("skew", v.Skew.StringFixed(4)))
	}
	e.deps.Monitor.UpdateMark(v.Symbol, v.Mid)
	if e.deps.Paper != nil && v.BestBid.IsPositive() && v.BestAsk.IsPositive() {
		e.deps.Paper.OnBook(ctx, v.Symbol, v.BestBid, v.BestAsk)
	}
}

func (e *Engine) consumeAccount(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-e.positionCh:
			e.deps.Monitor.SyncPosition(ev.Position)
			e.deps.Guard.Notify()
		case ev := <-e.walletCh:
			e.deps.Monitor.SyncEquity(ev.Equity)
		}
	}
}

// seedBooks pushes a REST snapshot per symbol through the book channel so
// books are ready before the first stream snapshot.
func (e *Engine) seedBooks(ctx context.Context) error {
	for _, sym := range e.cfg.Symbols {
		bids, asks, id, err := e.deps.Books.OrderBook(ctx, sym, e.cfg.BookDepth)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Warn("Book seed failed", slog.String("symbol", sym), slog.Any("err", err))
			continue
		}
		ev := &event.BookEvent{
			BaseEvent: event.BaseEvent{Ts: time.Now()},
			Symbol:    sym,
			Snapshot:  true,
			Bids:      bids,
			Asks:      asks,
			UpdateID:  id,
		}
		select {
		case e.bookCh <- ev:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// accountLoop refreshes positions and equity from REST.
func (e *Engine) accountLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.AccountInterval)
	defer ticker.Stop()
	for {
		e.refreshAccount(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) refreshAccount(ctx context.Context) {
	for _, sym := range e.cfg.Symbols {
		positions, err := e.deps.Account.Positions(ctx, sym)
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Warn("Position refresh failed", slog.String("symbol", sym), slog.Any("err", err))
			}
			continue
		}
		for _, p := range positions {
			e.deps.Monitor.SyncPosition(p)
		}
	}
	equity, _, err := e.deps.Account.WalletEquity(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("Wallet refresh failed", slog.Any("err", err))
		}
		return
	}
	e.deps.Monitor.SyncEquity(equity)
	e.deps.Guard.Notify()
}

func (e *Engine) persistLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.Flush(); err != nil {
				e.logger.Error("State flush failed", slog.Any("err", err))
			}
		}
	}
}

func (e *Engine) perfLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PerfInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.logPerformance()
		}
	}
}

func (e *Engine) logPerformance() {
	snap := e.deps.Monitor.Snapshot()
	attrs := []any{
		slog.String("equity", snap.Equity.StringFixed(2)),
		slog.String("peak", snap.PeakEquity.StringFixed(2)),
		slog.String("drawdown_pct", snap.DrawdownPct.Mul(decimal.NewFromInt(100)).StringFixed(2)),
		slog.String("daily_pnl", snap.DailyPnL.StringFixed(2)),
		slog.Int("wins", snap.Wins),
		slog.Int("losses", snap.Losses),
		slog.Int("open_orders", len(e.deps.Ledger.OpenOrders(""))),
		slog.Time("last_poll", e.deps.Ledger.LastPoll()),
	}
	if wallet := e.deps.Monitor.WalletEquity(); wallet.IsPositive() {
		attrs = append(attrs, slog.String("wallet_equity", wallet.StringFixed(2)))
	}
	for _, l := range e.deps.Limiters {
		st := l.Stats()
		attrs = append(attrs, slog.Group("limiter_"+l.Name(),
			slog.Float64("rate", st.Rate),
			slog.Float64("success_ratio", st.SuccessRatio)))
	}
	for _, b := range e.deps.Breakers {
		attrs = append(attrs, slog.String("breaker_"+b.Name(), b.State().String()))
	}
	if halted, reason := e.deps.Ledger.Halted(); halted {
		attrs = append(attrs, slog.String("halted", reason))
	}
	e.logger.Info("Performance", attrs...)
}
