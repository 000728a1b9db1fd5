// Package orderbook maintains a local replica of one symbol's order book and
// derives liquidity metrics from it.
package orderbook

import (
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/domain"
)

// DefaultDepth is the number of levels per side used for volume and wall metrics.
const DefaultDepth = 20

var (
	wallBrokenRatio = decimal.RequireFromString("0.7")
	wallDominance   = decimal.RequireFromString("1.5")
	two             = decimal.NewFromInt(2)
)

// View is an immutable copy of the book and its metrics.
type View struct {
	Symbol     string
	Ready      bool
	Bids       []domain.PriceLevel // descending
	Asks       []domain.PriceLevel // ascending
	BestBid    decimal.Decimal
	BestAsk    decimal.Decimal
	Mid        decimal.Decimal // size-weighted
	Spread     decimal.Decimal
	BidVolume  decimal.Decimal
	AskVolume  decimal.Decimal
	Skew       decimal.Decimal
	BidWall    domain.PriceLevel
	AskWall    domain.PriceLevel
	WallStatus domain.WallStatus
	UpdateID   int64
	UpdatedAt  time.Time
}

// MarketSnapshot converts the view to the persisted market data shape.
func (v *View) MarketSnapshot() domain.MarketSnapshot {
	return domain.MarketSnapshot{
		Symbol:     v.Symbol,
		BestBid:    v.BestBid,
		BestAsk:    v.BestAsk,
		Mid:        v.Mid,
		Spread:     v.Spread,
		BidVolume:  v.BidVolume,
		AskVolume:  v.AskVolume,
		Skew:       v.Skew,
		WallStatus: v.WallStatus,
		UpdatedAt:  v.UpdatedAt,
	}
}

// Book is a single-writer order book. ApplySnapshot and ApplyDelta must be
// called from one goroutine; View may be called from any goroutine.
type Book struct {
	symbol string
	depth  int
	now    func() time.Time
	logger *slog.Logger

	bids  []domain.PriceLevel // descending, unique, qty > 0
	asks  []domain.PriceLevel // ascending, unique, qty > 0
	ready bool

	lastUpdateID int64
	prevBidWall  decimal.Decimal
	prevAskWall  decimal.Decimal
	status       domain.WallStatus

	view atomic.Pointer[View]
}

// New creates an empty, not-ready book. depth <= 0 selects DefaultDepth.
func New(symbol string, depth int, logger *slog.Logger) *Book {
	if depth <= 0 {
		depth = DefaultDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Book{
		symbol: symbol,
		depth:  depth,
		now:    time.Now,
		logger: logger.With(slog.String("symbol", symbol)),
		status: domain.WallBalanced,
	}
	b.view.Store(&View{Symbol: symbol, WallStatus: domain.WallBalanced})
	return b
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() string { return b.symbol }

// View returns the latest published view. It is never nil.
func (b *Book) View() *View { return b.view.Load() }

// ApplySnapshot replaces both sides and marks the book ready.
// Zero-quantity entries are skipped.
func (b *Book) ApplySnapshot(bids, asks []domain.PriceLevel, updateID int64) {
	b.bids = b.bids[:0]
	b.asks = b.asks[:0]
	for _, l := range bids {
		b.bids = upsert(b.bids, l, true)
	}
	for _, l := range asks {
		b.asks = upsert(b.asks, l, false)
	}
	b.ready = true
	b.lastUpdateID = updateID
	b.prevBidWall = decimal.Zero
	b.prevAskWall = decimal.Zero
	b.status = domain.WallBalanced
	b.publish()
}

// ApplyDelta upserts or removes levels. It is a no-op before the first
// snapshot and for deltas older than the last applied update id.
func (b *Book) ApplyDelta(bids, asks []domain.PriceLevel, updateID int64) bool {
	if !b.ready {
		b.logger.Debug("delta before snapshot ignored", slog.Int64("update_id", updateID))
		return false
	}
	if updateID > 0 && updateID <= b.lastUpdateID {
		b.logger.Debug("stale delta ignored",
			slog.Int64("update_id", updateID),
			slog.Int64("last_update_id", b.lastUpdateID))
		return false
	}
	for _, l := range bids {
		b.bids = upsert(b.bids, l, true)
	}
	for _, l := range asks {
		b.asks = upsert(b.asks, l, false)
	}
	if updateID > 0 {
		b.lastUpdateID = updateID
	}
	b.publish()
	return true
}

// Reset drops all levels and waits for the next snapshot.
func (b *Book) Reset() {
	b.bids = b.bids[:0]
	b.asks = b.asks[:0]
	b.ready = false
	b.lastUpdateID = 0
	b.view.Store(&View{Symbol: b.symbol, WallStatus: domain.WallBalanced, UpdatedAt: b.now()})
}

// upsert inserts, replaces or (for qty 0) removes l, keeping side sorted.
func upsert(side []domain.PriceLevel, l domain.PriceLevel, desc bool) []domain.PriceLevel {
	i := sort.Search(len(side), func(i int) bool {
		if desc {
			return side[i].Price.LessThanOrEqual(l.Price)
		}
		return side[i].Price.GreaterThanOrEqual(l.Price)
	})
	found := i < len(side) && side[i].Price.Equal(l.Price)

	switch {
	case !l.Qty.IsPositive():
		if found {
			side = append(side[:i], side[i+1:]...)
		}
	case found:
		side[i].Qty = l.Qty
	default:
		side = append(side, domain.PriceLevel{})
		copy(side[i+1:], side[i:])
		side[i] = l
	}
	return side
}

func (b *Book) publish() {
	v := &View{
		Symbol:     b.symbol,
		Ready:      b.ready,
		Bids:       append([]domain.PriceLevel(nil), b.bids...),
		Asks:       append([]domain.PriceLevel(nil), b.asks...),
		WallStatus: b.status,
		UpdateID:   b.lastUpdateID,
		UpdatedAt:  b.now(),
	}
	b.computeMetrics(v)
	b.view.Store(v)
}

func (b *Book) computeMetrics(v *View) {
	topBids := v.Bids[:min(len(v.Bids), b.depth)]
	topAsks := v.Asks[:min(len(v.Asks), b.depth)]

	v.BidVolume, v.BidWall = volumeAndWall(topBids)
	v.AskVolume, v.AskWall = volumeAndWall(topAsks)
	if total := v.BidVolume.Add(v.AskVolume); total.IsPositive() {
		v.Skew = v.BidVolume.Sub(v.AskVolume).Div(total)
	}
	if len(topBids) > 0 {
		v.BestBid = topBids[0].Price
	}
	if len(topAsks) > 0 {
		v.BestAsk = topAsks[0].Price
	}
	if len(topBids) == 0 || len(topAsks) == 0 {
		return
	}

	bid, ask := topBids[0], topAsks[0]
	v.Spread = ask.Price.Sub(bid.Price)
	if top := bid.Qty.Add(ask.Qty); top.IsPositive() {
		// weight by the opposite side's size: a thin ask pulls the mid toward the ask
		w := bid.Qty.Div(top)
		v.Mid = bid.Price.Mul(decimal.NewFromInt(1).Sub(w)).Add(ask.Price.Mul(w))
	} else {
		v.Mid = bid.Price.Add(ask.Price).Div(two)
	}

	bidWall, askWall := v.BidWall.Qty, v.AskWall.Qty
	switch {
	case b.prevBidWall.IsPositive() && bidWall.LessThan(b.prevBidWall.Mul(wallBrokenRatio)):
		b.status = domain.WallBidBroken
	case b.prevAskWall.IsPositive() && askWall.LessThan(b.prevAskWall.Mul(wallBrokenRatio)):
		b.status = domain.WallAskBroken
	case bidWall.GreaterThan(askWall.Mul(wallDominance)):
		b.status = domain.WallBidSupport
	case askWall.GreaterThan(bidWall.Mul(wallDominance)):
		b.status = domain.WallAskResistance
	default:
		b.status = domain.WallBalanced
	}
	b.prevBidWall, b.prevAskWall = bidWall, askWall
	v.WallStatus = b.status
}

func volumeAndWall(levels []domain.PriceLevel) (decimal.Decimal, domain.PriceLevel) {
	vol := decimal.Zero
	var wall domain.PriceLevel
	for _, l := range levels {
		vol = vol.Add(l.Qty)
		if l.Qty.GreaterThan(wall.Qty) {
			wall = l
		}
	}
	return vol, wall
}
