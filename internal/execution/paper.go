package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/domain"
	"tradecore/internal/event"
)

// PaperConfig configures the paper venue.
type PaperConfig struct {
	MakerFee decimal.Decimal // fraction of notional, e.g. 0.0002
	TakerFee decimal.Decimal
	Now      func() time.Time
}

type quote struct {
	bid, ask decimal.Decimal
}

// PaperVenue simulates a venue in memory: limit orders rest until the public
// book trades through them, then fill completely at their limit price.
// It implements domain.Execution and pushes every order change to Updates.
type PaperVenue struct {
	mu      sync.Mutex
	cfg     PaperConfig
	logger  *slog.Logger
	orders  map[string]*domain.Order // by client id
	venueID map[string]string        // venue id -> client id
	quotes  map[string]quote
	nextID  int64
	seq     event.Sequencer
	updates chan<- *event.OrderEvent
}

// NewPaperVenue creates an empty paper venue.
func NewPaperVenue(cfg PaperConfig, logger *slog.Logger) *PaperVenue {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PaperVenue{
		cfg:     cfg,
		logger:  logger,
		orders:  make(map[string]*domain.Order),
		venueID: make(map[string]string),
		quotes:  make(map[string]quote),
	}
}

// SetUpdates sets the channel order changes are pushed to, usually the ledger inbox.
// Call it before the venue is used.
func (p *PaperVenue) SetUpdates(ch chan<- *event.OrderEvent) { p.updates = ch }

// OnBook records the top of book for symbol and fills resting orders it crosses.
func (p *PaperVenue) OnBook(ctx context.Context, symbol string, bid, ask decimal.Decimal) {
	p.mu.Lock()
	p.quotes[symbol] = quote{bid: bid, ask: ask}
	var changed []domain.Order
	for _, o := range p.sorted(symbol) {
		if p.crossing(o, quote{bid: bid, ask: ask}) {
			p.fill(o, o.Price, p.cfg.MakerFee)
			changed = append(changed, *o)
		}
	}
	p.mu.Unlock()
	p.push(ctx, changed...)
}

// PlaceOrder implements domain.Execution. A repeated client id returns the existing order.
func (p *PaperVenue) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.Order, error) {
	p.mu.Lock()
	if o, ok := p.orders[req.ClientOrderID]; ok {
		p.mu.Unlock()
		return *o, nil
	}

	now := p.cfg.Now()
	p.nextID++
	o := &domain.Order{
		OrderID:       "paper-" + strconv.FormatInt(p.nextID, 10),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Price:         req.Price,
		Qty:           req.Qty,
		Status:        domain.StatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	p.orders[o.ClientOrderID] = o
	p.venueID[o.OrderID] = o.ClientOrderID

	if q, ok := p.quotes[req.Symbol]; ok && p.crossing(o, q) {
		if req.PostOnly {
			o.Status = domain.StatusRejected
			p.logger.Info("PAPER: post-only order would cross, rejected",
				slog.String("client_id", o.ClientOrderID),
				slog.String("price", o.Price.String()))
		} else {
			px := q.ask
			if o.Side == domain.SideSell {
				px = q.bid
			}
			p.fill(o, px, p.cfg.TakerFee)
		}
	}
	ack := *o
	p.mu.Unlock()

	p.logger.Info("PAPER: order placed",
		slog.String("client_id", ack.ClientOrderID),
		slog.String("symbol", ack.Symbol),
		slog.String("side", string(ack.Side)),
		slog.String("price", ack.Price.String()),
		slog.String("qty", ack.Qty.String()),
		slog.String("status", string(ack.Status)))
	p.push(ctx, ack)
	return ack, nil
}

// AmendOrder implements domain.Execution.
func (p *PaperVenue) AmendOrder(ctx context.Context, req domain.AmendOrderRequest) (domain.Outcome, error) {
	p.mu.Lock()
	o, ok := p.lookup(req.OrderRef)
	if !ok || !o.IsOpen() {
		p.mu.Unlock()
		return domain.OutcomeNoop, nil
	}
	if !req.Qty.IsZero() && req.Qty.LessThanOrEqual(o.FilledQty) {
		p.mu.Unlock()
		return domain.OutcomeFatal, fmt.Errorf("%w: qty %s not above filled %s", domain.ErrInvalidRequest, req.Qty, o.FilledQty)
	}
	if !req.Price.IsZero() {
		o.Price = req.Price
	}
	if !req.Qty.IsZero() {
		o.Qty = req.Qty
	}
	o.UpdatedAt = p.cfg.Now()
	if q, ok := p.quotes[o.Symbol]; ok && p.crossing(o, q) {
		p.fill(o, o.Price, p.cfg.MakerFee)
	}
	amended := *o
	p.mu.Unlock()

	p.push(ctx, amended)
	return domain.OutcomeSuccess, nil
}

// CancelOrder implements domain.Execution.
func (p *PaperVenue) CancelOrder(ctx context.Context, req domain.CancelOrderRequest) (domain.Outcome, error) {
	p.mu.Lock()
	o, ok := p.lookup(req.OrderRef)
	if !ok || !o.IsOpen() {
		p.mu.Unlock()
		return domain.OutcomeNoop, nil
	}
	p.cancel(o)
	cancelled := *o
	p.mu.Unlock()

	p.push(ctx, cancelled)
	return domain.OutcomeSuccess, nil
}

// CancelAll implements domain.Execution.
func (p *PaperVenue) CancelAll(ctx context.Context, symbol string) (domain.Outcome, error) {
	p.mu.Lock()
	var cancelled []domain.Order
	for _, o := range p.sorted(symbol) {
		p.cancel(o)
		cancelled = append(cancelled, *o)
	}
	p.mu.Unlock()

	p.push(ctx, cancelled...)
	return domain.OutcomeSuccess, nil
}

// OpenOrders implements domain.Execution.
func (p *PaperVenue) OpenOrders(_ context.Context, symbol string) ([]domain.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	open := p.sorted(symbol)
	out := make([]domain.Order, 0, len(open))
	for _, o := range open {
		out = append(out, *o)
	}
	return out, nil
}

// Close implements domain.Execution.
func (p *PaperVenue) Close() error { return nil }

func (p *PaperVenue) lookup(ref domain.OrderRef) (*domain.Order, bool) {
	key := ref.ClientOrderID
	if key == "" {
		key = p.venueID[ref.OrderID]
	}
	o, ok := p.orders[key]
	return o, ok
}

// sorted returns the open orders of symbol in creation order.
func (p *PaperVenue) sorted(symbol string) []*domain.Order {
	var out []*domain.Order
	for _, o := range p.orders {
		if o.Symbol == symbol && o.IsOpen() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].OrderID, out[j].OrderID
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	})
	return out
}

func (p *PaperVenue) crossing(o *domain.Order, q quote) bool {
	if o.Side == domain.SideBuy {
		return q.ask.IsPositive() && o.Price.GreaterThanOrEqual(q.ask)
	}
	return q.bid.IsPositive() && o.Price.LessThanOrEqual(q.bid)
}

// fill executes the remainder of o at px.
func (p *PaperVenue) fill(o *domain.Order, px, feeRate decimal.Decimal) {
	rem := o.Remaining()
	cost := o.AvgFillPrice.Mul(o.FilledQty).Add(px.Mul(rem))
	o.FilledQty = o.Qty
	o.AvgFillPrice = cost.Div(o.FilledQty)
	o.CumFee = o.CumFee.Add(px.Mul(rem).Mul(feeRate))
	o.Status = domain.StatusFilled
	o.UpdatedAt = p.cfg.Now()

	p.logger.Info("PAPER: order filled",
		slog.String("client_id", o.ClientOrderID),
		slog.String("symbol", o.Symbol),
		slog.String("side", string(o.Side)),
		slog.String("price", px.String()),
		slog.String("qty", rem.String()))
}

func (p *PaperVenue) cancel(o *domain.Order) {
	o.Status = domain.StatusCancelled
	o.UpdatedAt = p.cfg.Now()
}

func (p *PaperVenue) push(ctx context.Context, orders ...domain.Order) {
	if p.updates == nil {
		return
	}
	for _, o := range orders {
		ev := &event.OrderEvent{BaseEvent: p.seq.Next(o.UpdatedAt), Order: o, Source: event.SourcePush}
		select {
		case p.updates <- ev:
		case <-ctx.Done():
			return
		}
	}
}
