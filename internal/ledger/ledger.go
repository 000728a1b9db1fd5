// Package ledger owns every order the process knows about and reconciles
// the venue's push updates with a periodic authoritative poll.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"tradecore/internal/domain"
	"tradecore/internal/event"
	"tradecore/internal/infra"
)

// ErrTradingHalted rejects new orders after the kill switch fired.
var ErrTradingHalted = errors.New("trading halted")

// ErrNotRunning is returned by order operations while Run is not active.
var ErrNotRunning = errors.New("ledger not running")

// FillSink receives every fill delta, in cumulative order per order.
// It is called on the ledger goroutine and must not call back into the ledger.
type FillSink interface {
	OnFill(f domain.Fill)
}

// FillSinkFunc adapts a function to FillSink.
type FillSinkFunc func(domain.Fill)

func (f FillSinkFunc) OnFill(fill domain.Fill) { f(fill) }

// Config tunes reconciliation.
type Config struct {
	Symbols      []string
	PollInterval time.Duration
	StaleAfter   time.Duration
	ArchiveSize  int
	InboxSize    int
	Now          func() time.Time
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 45 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * c.PollInterval
	}
	if c.ArchiveSize <= 0 {
		c.ArchiveSize = 1000
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// entry is an order plus the local time it last changed.
type entry struct {
	order  domain.Order
	seenAt time.Time
}

// view is the immutable copy published for readers.
type view struct {
	open     map[string]domain.Order
	archived map[string]domain.Order
	lastPoll time.Time
}

type pollResult struct {
	issuedAt time.Time
	symbols  []string
	orders   map[string][]domain.Order
	errs     map[string]error
}

// Ledger is the single writer of order state. All mutations run on the Run
// goroutine; any goroutine may call the command and read methods.
type Ledger struct {
	cfg     Config
	venue   domain.Execution
	sinks   []FillSink
	metrics *infra.Metrics
	logger  *slog.Logger

	inbox    chan *event.OrderEvent
	ops      chan func()
	pollReq  chan struct{}
	pollDone chan pollResult
	running  atomic.Bool
	stopped  atomic.Pointer[chan struct{}] // closed when the current Run returns

	// owned by the Run goroutine
	open         map[string]*entry
	archived     map[string]*entry
	archiveOrder []string
	ids          map[string]string // venue id -> key
	lastPush     time.Time
	lastPoll     time.Time
	polling      bool

	published  atomic.Pointer[view]
	halted     atomic.Bool
	haltReason atomic.Pointer[string]
	submits    singleflight.Group
}

// New creates a ledger that sends through venue.
func New(venue domain.Execution, cfg Config, metrics *infra.Metrics, logger *slog.Logger) *Ledger {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		cfg:      cfg,
		venue:    venue,
		metrics:  metrics,
		logger:   logger,
		inbox:    make(chan *event.OrderEvent, cfg.InboxSize),
		ops:      make(chan func()),
		pollReq:  make(chan struct{}, 1),
		pollDone: make(chan pollResult, 1),
		open:     make(map[string]*entry),
		archived: make(map[string]*entry),
		ids:      make(map[string]string),
	}
	l.publish()
	return l
}

// AddSink registers a fill consumer. Call before Run.
func (l *Ledger) AddSink(s FillSink) {
	l.sinks = append(l.sinks, s)
}

// Inbox returns the channel order observations are delivered on.
func (l *Ledger) Inbox() chan<- *event.OrderEvent { return l.inbox }

// Restore seeds open orders from persisted state. Call before Run.
func (l *Ledger) Restore(orders []domain.Order) {
	now := l.cfg.Now()
	for _, o := range orders {
		if !o.IsOpen() {
			continue
		}
		l.open[o.Key()] = &entry{order: o, seenAt: now}
		if o.OrderID != "" {
			l.ids[o.OrderID] = o.Key()
		}
	}
	l.publish()
	l.logger.Info("Ledger restored", slog.Int("open_orders", len(l.open)))
}

// Run owns the ledger state until ctx is done. It polls once on start.
func (l *Ledger) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("ledger already running")
	}
	defer l.running.Store(false)
	stopped := make(chan struct{})
	l.stopped.Store(&stopped)
	defer close(stopped)

	pollTick := time.NewTicker(l.cfg.PollInterval)
	defer pollTick.Stop()
	staleTick := time.NewTicker(max(l.cfg.StaleAfter/3, time.Second))
	defer staleTick.Stop()

	l.lastPush = l.cfg.Now()
	l.startPoll(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-l.ops:
			fn()
		case ev := <-l.inbox:
			if ev.Source == event.SourcePush {
				l.lastPush = l.cfg.Now()
			}
			l.apply(ev.Order, ev.Source)
			l.publish()
		case <-pollTick.C:
			l.startPoll(ctx)
		case <-staleTick.C:
			if len(l.open) > 0 && l.cfg.Now().Sub(l.lastPush) > l.cfg.StaleAfter {
				l.logger.Warn("No order pushes recently, polling", slog.Duration("since", l.cfg.Now().Sub(l.lastPush)))
				l.startPoll(ctx)
			}
		case <-l.pollReq:
			l.startPoll(ctx)
		case res := <-l.pollDone:
			l.polling = false
			l.reconcile(res)
			l.publish()
		}
	}
}

// Running reports whether Run is active.
func (l *Ledger) Running() bool {
	return l.running.Load() && l.stopped.Load() != nil
}

// exec runs fn on the ledger goroutine and waits for it. It fails with
// ErrNotRunning instead of blocking when Run is not active or stops first.
func (l *Ledger) exec(ctx context.Context, fn func()) error {
	stopped := l.stopped.Load()
	if stopped == nil || !l.running.Load() {
		return ErrNotRunning
	}
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
		l.publish()
	}
	select {
	case l.ops <- op:
	case <-*stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// RequestPoll asks for an out-of-band reconciliation poll.
func (l *Ledger) RequestPoll() {
	select {
	case l.pollReq <- struct{}{}:
	default:
	}
}

// Halt stops new submissions. Amend and cancel keep working.
func (l *Ledger) Halt(reason string) {
	if l.halted.CompareAndSwap(false, true) {
		l.haltReason.Store(&reason)
		l.logger.Error("Trading halted", slog.String("reason", reason))
	}
}

// Halted reports whether the kill switch fired, and why.
func (l *Ledger) Halted() (bool, string) {
	if !l.halted.Load() {
		return false, ""
	}
	if r := l.haltReason.Load(); r != nil {
		return true, *r
	}
	return true, ""
}

// Submit places req unless an order with its client id is already known.
// Concurrent submits of the same client id share one venue call.
func (l *Ledger) Submit(ctx context.Context, req domain.PlaceOrderRequest) (domain.Order, error) {
	if l.halted.Load() {
		return domain.Order{}, ErrTradingHalted
	}
	if !l.Running() {
		return domain.Order{}, ErrNotRunning
	}
	if o, ok := l.Get(req.ClientOrderID); ok {
		return o, nil
	}

	v, err, _ := l.submits.Do(req.ClientOrderID, func() (any, error) {
		if o, ok := l.Get(req.ClientOrderID); ok {
			return o, nil
		}
		acked, err := l.venue.PlaceOrder(ctx, req)
		if err != nil {
			return domain.Order{}, fmt.Errorf("submit %s: %w", req.ClientOrderID, err)
		}
		if err := l.exec(ctx, func() { l.apply(acked, event.SourceAck) }); err != nil {
			return acked, err
		}
		if o, ok := l.Get(req.ClientOrderID); ok {
			return o, nil
		}
		return acked, nil
	})
	return v.(domain.Order), err
}

// Amend changes a resting order and applies the change on acknowledgment.
func (l *Ledger) Amend(ctx context.Context, req domain.AmendOrderRequest) (domain.Outcome, error) {
	if !l.Running() {
		return domain.OutcomeRetryable, ErrNotRunning
	}
	if o, ok := l.Get(req.Key()); ok && o.Status.IsTerminal() {
		return domain.OutcomeNoop, nil
	}
	oc, err := l.venue.AmendOrder(ctx, req)
	switch {
	case err != nil:
		return oc, err
	case oc == domain.OutcomeNoop:
		// the order is gone; let the poll settle its final state
		l.RequestPoll()
		return oc, nil
	}
	return oc, l.exec(ctx, func() {
		key := l.findRef(req.OrderRef)
		e, ok := l.open[key]
		if !ok {
			return
		}
		if !req.Price.IsZero() {
			e.order.Price = req.Price
		}
		if !req.Qty.IsZero() {
			e.order.Qty = req.Qty
		}
		e.order.UpdatedAt = l.cfg.Now()
		e.seenAt = l.cfg.Now()
	})
}

// Cancel cancels one order. Cancelling an order that is already gone succeeds as a no-op.
func (l *Ledger) Cancel(ctx context.Context, req domain.CancelOrderRequest) (domain.Outcome, error) {
	if !l.Running() {
		return domain.OutcomeRetryable, ErrNotRunning
	}
	if o, ok := l.Get(req.Key()); ok && o.Status.IsTerminal() {
		return domain.OutcomeNoop, nil
	}
	oc, err := l.venue.CancelOrder(ctx, req)
	if err != nil {
		return oc, err
	}
	return oc, l.exec(ctx, func() {
		if key := l.findRef(req.OrderRef); key != "" {
			l.markCancelled(key)
		}
	})
}

// CancelAll cancels every open order of symbol.
func (l *Ledger) CancelAll(ctx context.Context, symbol string) (domain.Outcome, error) {
	if !l.Running() {
		return domain.OutcomeRetryable, ErrNotRunning
	}
	oc, err := l.venue.CancelAll(ctx, symbol)
	if err != nil {
		return oc, err
	}
	return oc, l.exec(ctx, func() {
		for key, e := range l.open {
			if e.order.Symbol == symbol {
				l.markCancelled(key)
			}
		}
	})
}

// Get returns a copy of the order with the given client or venue id.
func (l *Ledger) Get(id string) (domain.Order, bool) {
	if id == "" {
		return domain.Order{}, false
	}
	v := l.published.Load()
	if o, ok := v.open[id]; ok {
		return o, true
	}
	if o, ok := v.archived[id]; ok {
		return o, true
	}
	for _, m := range []map[string]domain.Order{v.open, v.archived} {
		for _, o := range m {
			if o.OrderID == id {
				return o, true
			}
		}
	}
	return domain.Order{}, false
}

// OpenOrders returns open orders of symbol ("" for all), oldest first.
func (l *Ledger) OpenOrders(symbol string) []domain.Order {
	return sortedOrders(l.published.Load().open, symbol)
}

// Archived returns terminal orders still held in the archive, oldest first.
func (l *Ledger) Archived() []domain.Order {
	return sortedOrders(l.published.Load().archived, "")
}

// LastPoll returns when the last successful reconciliation completed.
func (l *Ledger) LastPoll() time.Time { return l.published.Load().lastPoll }

func sortedOrders(m map[string]domain.Order, symbol string) []domain.Order {
	out := make([]domain.Order, 0, len(m))
	for _, o := range m {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

func (l *Ledger) publish() {
	v := &view{
		open:     make(map[string]domain.Order, len(l.open)),
		archived: make(map[string]domain.Order, len(l.archived)),
		lastPoll: l.lastPoll,
	}
	for k, e := range l.open {
		v.open[k] = e.order
	}
	for k, e := range l.archived {
		v.archived[k] = e.order
	}
	l.published.Store(v)
	l.metrics.SetOpenOrders(len(v.open))
}

// findRef resolves a request reference to a ledger key.
func (l *Ledger) findRef(ref domain.OrderRef) string {
	return l.find(ref.ClientOrderID, ref.OrderID)
}

func (l *Ledger) find(clientID, orderID string) string {
	if clientID != "" {
		if _, ok := l.open[clientID]; ok {
			return clientID
		}
		if _, ok := l.archived[clientID]; ok {
			return clientID
		}
	}
	if orderID != "" {
		if key, ok := l.ids[orderID]; ok {
			return key
		}
	}
	return ""
}

func (l *Ledger) lookup(key string) (*entry, bool) {
	if e, ok := l.open[key]; ok {
		return e, false
	}
	if e, ok := l.archived[key]; ok {
		return e, true
	}
	return nil, false
}

// apply merges one observation into the ledger.
func (l *Ledger) apply(o domain.Order, src event.Source) {
	now := l.cfg.Now()
	key := l.find(o.ClientOrderID, o.OrderID)
	if key == "" {
		l.adopt(o, src, now)
		return
	}
	e, archived := l.lookup(key)
	cur := &e.order

	if cur.OrderID == "" && o.OrderID != "" {
		cur.OrderID = o.OrderID
		l.ids[o.OrderID] = key
	}

	switch c := o.FilledQty.Cmp(cur.FilledQty); {
	case c > 0:
		f := fillDelta(*cur, o)
		cur.FilledQty = o.FilledQty
		cur.AvgFillPrice = o.AvgFillPrice
		if o.CumFee.GreaterThan(cur.CumFee) {
			cur.CumFee = o.CumFee
		}
		if cur.Qty.LessThan(cur.FilledQty) {
			cur.Qty = cur.FilledQty
		}
		e.seenAt = now
		if archived {
			l.logger.Warn("Late fill on archived order",
				slog.String("key", key),
				slog.String("filled", cur.FilledQty.String()))
		}
		l.forward(f, now)
	case c < 0:
		l.logger.Info("Ignoring stale order observation",
			slog.String("key", key),
			slog.String("source", string(src)),
			slog.String("observed_filled", o.FilledQty.String()),
			slog.String("known_filled", cur.FilledQty.String()))
		return
	}

	if !o.UpdatedAt.Before(cur.UpdatedAt) {
		if !o.Price.IsZero() {
			cur.Price = o.Price
		}
		if !o.Qty.IsZero() && !o.Qty.LessThan(cur.FilledQty) {
			cur.Qty = o.Qty
		}
		cur.UpdatedAt = o.UpdatedAt
	}

	if !archived {
		if next := nextStatus(cur.Status, o.Status, cur.FilledQty, cur.Qty); next != cur.Status {
			cur.Status = next
			e.seenAt = now
		}
		if cur.Status.IsTerminal() {
			l.archive(key)
		}
	}
}

// adopt inserts an order the ledger has not seen before.
func (l *Ledger) adopt(o domain.Order, src event.Source, now time.Time) {
	key := o.Key()
	if key == "" {
		l.logger.Warn("Dropping order without ids", slog.String("symbol", o.Symbol))
		return
	}
	if src != event.SourceAck {
		l.logger.Info("Adopting unknown order",
			slog.String("key", key),
			slog.String("source", string(src)),
			slog.String("status", string(o.Status)))
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	e := &entry{order: o, seenAt: now}
	if o.OrderID != "" {
		l.ids[o.OrderID] = key
	}
	l.open[key] = e
	if o.FilledQty.IsPositive() {
		prev := o
		prev.FilledQty, prev.AvgFillPrice, prev.CumFee = decimal.Zero, decimal.Zero, decimal.Zero
		l.forward(fillDelta(prev, o), now)
	}
	if o.Status.IsTerminal() {
		l.archive(key)
	}
}

// nextStatus never leaves a terminal state and never moves a filled order back to New.
func nextStatus(cur, observed domain.OrderStatus, filled, qty decimal.Decimal) domain.OrderStatus {
	if cur.IsTerminal() {
		return cur
	}
	next := observed
	if next == domain.StatusNew && filled.IsPositive() {
		next = domain.StatusPartiallyFilled
	}
	if !next.IsTerminal() && qty.IsPositive() && filled.GreaterThanOrEqual(qty) {
		next = domain.StatusFilled
	}
	return next
}

// fillDelta derives the increment between two observations of one order.
// The price is the change in avgPrice x cumQty divided by the quantity delta.
func fillDelta(prev, next domain.Order) domain.Fill {
	qty := next.FilledQty.Sub(prev.FilledQty)
	price := next.AvgFillPrice
	if !next.AvgFillPrice.IsZero() && (prev.FilledQty.IsZero() || !prev.AvgFillPrice.IsZero()) {
		notional := next.AvgFillPrice.Mul(next.FilledQty).Sub(prev.AvgFillPrice.Mul(prev.FilledQty))
		if p := notional.Div(qty); p.IsPositive() {
			price = p
		}
	}
	if price.IsZero() {
		price = next.Price
	}
	fee := next.CumFee.Sub(prev.CumFee)
	if fee.IsNegative() {
		fee = decimal.Zero
	}
	return domain.Fill{
		OrderID:       next.OrderID,
		ClientOrderID: next.ClientOrderID,
		Symbol:        next.Symbol,
		Side:          next.Side,
		Price:         price,
		Qty:           qty,
		Fee:           fee,
		Time:          next.UpdatedAt,
	}
}

func (l *Ledger) forward(f domain.Fill, now time.Time) {
	if f.Time.IsZero() {
		f.Time = now
	}
	if f.OrderID == "" || f.ClientOrderID == "" {
		if e, _ := l.lookup(l.find(f.ClientOrderID, f.OrderID)); e != nil {
			f.OrderID, f.ClientOrderID = e.order.OrderID, e.order.ClientOrderID
		}
	}
	l.metrics.IncFill(f.Symbol, string(f.Side))
	l.logger.Info("Fill",
		slog.String("symbol", f.Symbol),
		slog.String("side", string(f.Side)),
		slog.String("qty", f.Qty.String()),
		slog.String("price", f.Price.String()),
		slog.String("fee", f.Fee.String()),
		slog.String("client_order_id", f.ClientOrderID))
	for _, s := range l.sinks {
		s.OnFill(f)
	}
}

func (l *Ledger) markCancelled(key string) {
	e, ok := l.open[key]
	if !ok {
		return
	}
	now := l.cfg.Now()
	e.order.Status = domain.StatusCancelled
	e.order.UpdatedAt = now
	e.seenAt = now
	l.archive(key)
}

// archive moves a terminal order out of the open set, evicting the oldest
// archived order when full.
func (l *Ledger) archive(key string) {
	e, ok := l.open[key]
	if !ok {
		return
	}
	delete(l.open, key)
	l.archived[key] = e
	l.archiveOrder = append(l.archiveOrder, key)

	for len(l.archiveOrder) > l.cfg.ArchiveSize {
		old := l.archiveOrder[0]
		l.archiveOrder = l.archiveOrder[1:]
		if ev, ok := l.archived[old]; ok {
			delete(l.ids, ev.order.OrderID)
			delete(l.archived, old)
		}
	}
}

func (l *Ledger) pollSymbols() []string {
	set := make(map[string]struct{}, len(l.cfg.Symbols))
	for _, s := range l.cfg.Symbols {
		set[s] = struct{}{}
	}
	for _, e := range l.open {
		set[e.order.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// startPoll issues one reconciliation poll unless one is already in flight.
func (l *Ledger) startPoll(ctx context.Context) {
	if l.polling {
		return
	}
	symbols := l.pollSymbols()
	if len(symbols) == 0 {
		return
	}
	l.polling = true
	issuedAt := l.cfg.Now()

	go func() {
		res := pollResult{
			issuedAt: issuedAt,
			symbols:  symbols,
			orders:   make(map[string][]domain.Order, len(symbols)),
			errs:     make(map[string]error),
		}
		for _, s := range symbols {
			orders, err := l.venue.OpenOrders(ctx, s)
			if err != nil {
				res.errs[s] = err
				continue
			}
			res.orders[s] = orders
		}
		select {
		case l.pollDone <- res:
		case <-ctx.Done():
		}
	}()
}

// reconcile applies a poll. Open orders missing from a symbol's poll are
// cancelled unless they changed locally after the poll was issued.
func (l *Ledger) reconcile(res pollResult) {
	for _, s := range res.symbols {
		if err, failed := res.errs[s]; failed {
			l.logger.Warn("Reconciliation poll failed", slog.String("symbol", s), slog.Any("err", err))
			continue
		}
		seen := make(map[string]bool)
		for _, o := range res.orders[s] {
			l.apply(o, event.SourcePoll)
			if key := l.find(o.ClientOrderID, o.OrderID); key != "" {
				seen[key] = true
			}
		}
		for key, e := range l.open {
			if e.order.Symbol != s || seen[key] || e.seenAt.After(res.issuedAt) {
				continue
			}
			l.logger.Warn("Open order missing from poll, marking cancelled",
				slog.String("key", key),
				slog.String("symbol", s))
			l.markCancelled(key)
		}
	}
	if len(res.errs) == 0 {
		l.lastPoll = l.cfg.Now()
	}
}
