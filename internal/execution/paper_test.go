package execution

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/domain"
	"tradecore/internal/event"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestPaper(t *testing.T) (*PaperVenue, chan *event.OrderEvent) {
	t.Helper()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	p := NewPaperVenue(PaperConfig{MakerFee: d("0.001"), TakerFee: d("0.002"), Now: func() time.Time { return now }}, nil)
	updates := make(chan *event.OrderEvent, 64)
	p.SetUpdates(updates)
	return p, updates
}

func placeReq(t *testing.T, side domain.Side, price, qty string, opts ...domain.PlaceOption) domain.PlaceOrderRequest {
	t.Helper()
	req, err := domain.NewPlaceOrderRequest("BTCUSDT", side, d(price), d(qty), opts...)
	require.NoError(t, err)
	return req
}

func drain(ch chan *event.OrderEvent) []domain.Order {
	var out []domain.Order
	for {
		select {
		case ev := <-ch:
			out = append(out, ev.Order)
		default:
			return out
		}
	}
}

func TestPaperVenue_RestsThenFillsOnCross(t *testing.T) {
	p, updates := newTestPaper(t)
	ctx := context.Background()
	p.OnBook(ctx, "BTCUSDT", d("100"), d("101"))

	ack, err := p.PlaceOrder(ctx, placeReq(t, domain.SideBuy, "99", "2", domain.PostOnly()))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNew, ack.Status)
	assert.NotEmpty(t, ack.OrderID)

	open, err := p.OpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)

	p.OnBook(ctx, "BTCUSDT", d("98"), d("99"))
	seen := drain(updates)
	require.Len(t, seen, 2)
	filled := seen[1]
	assert.Equal(t, domain.StatusFilled, filled.Status)
	assert.True(t, d("2").Equal(filled.FilledQty))
	assert.True(t, d("99").Equal(filled.AvgFillPrice), "maker fills at the limit price")
	assert.True(t, d("0.198").Equal(filled.CumFee), "fee %s", filled.CumFee)

	open, _ = p.OpenOrders(ctx, "BTCUSDT")
	assert.Empty(t, open)
}

func TestPaperVenue_MarketableLimitTakesBook(t *testing.T) {
	p, _ := newTestPaper(t)
	ctx := context.Background()
	p.OnBook(ctx, "BTCUSDT", d("100"), d("101"))

	ack, err := p.PlaceOrder(ctx, placeReq(t, domain.SideSell, "95", "1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, ack.Status)
	assert.True(t, d("100").Equal(ack.AvgFillPrice))
	assert.True(t, d("0.2").Equal(ack.CumFee))
}

func TestPaperVenue_PostOnlyCrossRejected(t *testing.T) {
	p, _ := newTestPaper(t)
	ctx := context.Background()
	p.OnBook(ctx, "BTCUSDT", d("100"), d("101"))

	ack, err := p.PlaceOrder(ctx, placeReq(t, domain.SideBuy, "101", "1", domain.PostOnly()))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, ack.Status)
	assert.True(t, ack.FilledQty.IsZero())
}

func TestPaperVenue_IdempotentClientID(t *testing.T) {
	p, _ := newTestPaper(t)
	ctx := context.Background()
	req := placeReq(t, domain.SideBuy, "90", "1", domain.WithClientOrderID("mm-1"))

	first, err := p.PlaceOrder(ctx, req)
	require.NoError(t, err)
	second, err := p.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)

	open, _ := p.OpenOrders(ctx, "BTCUSDT")
	assert.Len(t, open, 1)
}

func TestPaperVenue_CancelAndAmend(t *testing.T) {
	p, _ := newTestPaper(t)
	ctx := context.Background()
	ack, err := p.PlaceOrder(ctx, placeReq(t, domain.SideBuy, "90", "1", domain.WithClientOrderID("mm-1")))
	require.NoError(t, err)

	amend, err := domain.NewAmendOrderRequest(domain.OrderRef{Symbol: "BTCUSDT", OrderID: ack.OrderID}, d("91"), decimal.Zero)
	require.NoError(t, err)
	oc, err := p.AmendOrder(ctx, amend)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, oc)
	open, _ := p.OpenOrders(ctx, "BTCUSDT")
	require.Len(t, open, 1)
	assert.True(t, d("91").Equal(open[0].Price))

	cancel, err := domain.NewCancelOrderRequest(domain.OrderRef{Symbol: "BTCUSDT", ClientOrderID: "mm-1"})
	require.NoError(t, err)
	oc, err = p.CancelOrder(ctx, cancel)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, oc)

	oc, err = p.CancelOrder(ctx, cancel)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNoop, oc, "second cancel is a no-op")

	oc, err = p.AmendOrder(ctx, amend)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNoop, oc)
}

func TestPaperVenue_CancelAllBySymbol(t *testing.T) {
	p, updates := newTestPaper(t)
	ctx := context.Background()
	for _, price := range []string{"90", "91", "92"} {
		_, err := p.PlaceOrder(ctx, placeReq(t, domain.SideBuy, price, "1"))
		require.NoError(t, err)
	}
	eth, err := domain.NewPlaceOrderRequest("ETHUSDT", domain.SideSell, d("4000"), d("1"))
	require.NoError(t, err)
	_, err = p.PlaceOrder(ctx, eth)
	require.NoError(t, err)
	drain(updates)

	oc, err := p.CancelAll(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, oc)
	assert.Len(t, drain(updates), 3)

	open, _ := p.OpenOrders(ctx, "BTCUSDT")
	assert.Empty(t, open)
	open, _ = p.OpenOrders(ctx, "ETHUSDT")
	assert.Len(t, open, 1)
}
