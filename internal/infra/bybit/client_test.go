package bybit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/domain"
	"tradecore/internal/infra"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *infra.CircuitBreaker) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	breaker := infra.NewCircuitBreaker(infra.DefaultCircuitBreakerConfig("test"))
	limiter := infra.NewRateLimiter(infra.RateLimiterConfig{Name: "test", Rate: 1000, Burst: 100})
	c := NewClient(ClientConfig{
		BaseURL:     srv.URL,
		Retry:       infra.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
		MaxAttempts: 3,
	}, Deps{
		Signer:       NewSigner("key", "secret", 0),
		OrderLimiter: limiter,
		Breaker:      breaker,
	})
	return c, breaker
}

func writeEnvelope(w http.ResponseWriter, code int, msg string, result any) {
	b, _ := json.Marshal(result)
	json.NewEncoder(w).Encode(envelope{RetCode: code, RetMsg: msg, Result: b})
}

func placeReq(t *testing.T) domain.PlaceOrderRequest {
	t.Helper()
	req, err := domain.NewPlaceOrderRequest("BTCUSDT", domain.SideBuy,
		decimal.RequireFromString("30000"), decimal.RequireFromString("0.01"),
		domain.WithClientOrderID("cid-1"), domain.PostOnly())
	require.NoError(t, err)
	return req
}

func TestClient_PlaceOrderSignsBody(t *testing.T) {
	var gotBody placeParams
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pathCreate, r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &gotBody))

		s := NewSigner("key", "secret", 0)
		assert.Equal(t, "key", r.Header.Get(HeaderAPIKey))
		assert.Equal(t, "5000", r.Header.Get(HeaderRecvWindow))
		assert.Equal(t, s.Sign(r.Header.Get(HeaderTimestamp), string(body)), r.Header.Get(HeaderSign))

		writeEnvelope(w, 0, "OK", orderAck{OrderID: "oid-1", OrderLinkID: "cid-1"})
	})

	o, err := c.PlaceOrder(context.Background(), placeReq(t))
	require.NoError(t, err)
	assert.Equal(t, "oid-1", o.OrderID)
	assert.Equal(t, "cid-1", o.ClientOrderID)
	assert.Equal(t, domain.StatusNew, o.Status)

	assert.Equal(t, "linear", gotBody.Category)
	assert.Equal(t, "Limit", gotBody.OrderType)
	assert.Equal(t, "PostOnly", gotBody.TimeInForce)
	assert.Equal(t, "30000", gotBody.Price)
}

func TestClient_RetriesTransientCodes(t *testing.T) {
	var calls int32
	c, breaker := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			writeEnvelope(w, 10006, "too many visits", nil)
			return
		}
		writeEnvelope(w, 0, "OK", orderAck{OrderID: "oid-1"})
	})

	_, err := c.PlaceOrder(context.Background(), placeReq(t))
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, infra.StateClosed, breaker.State())
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.PlaceOrder(context.Background(), placeReq(t))
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.HTTPStatus)
	assert.Equal(t, domain.OutcomeRetryable, apiErr.Outcome)
}

func TestClient_FatalIsNotRetried(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeEnvelope(w, 10004, "error sign", nil)
	})

	_, err := c.PlaceOrder(context.Background(), placeReq(t))
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, domain.OutcomeFatal, OutcomeOf(err))
}

func TestClient_CancelUnknownOrderIsNoop(t *testing.T) {
	c, breaker := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 110001, "order not exists or too late to cancel", nil)
	})

	req, err := domain.NewCancelOrderRequest(domain.OrderRef{Symbol: "BTCUSDT", OrderID: "gone"})
	require.NoError(t, err)

	oc, err := c.CancelOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNoop, oc)
	assert.Equal(t, infra.StateClosed, breaker.State())
}

func TestClient_BreakerOpenFailsFast(t *testing.T) {
	var calls int32
	c, breaker := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeEnvelope(w, 10001, "params error", nil)
	})

	for i := 0; i < 5; i++ {
		_, err := c.PlaceOrder(context.Background(), placeReq(t))
		require.Error(t, err)
	}
	require.Equal(t, infra.StateOpen, breaker.State())

	_, err := c.PlaceOrder(context.Background(), placeReq(t))
	var openErr *infra.BreakerOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Positive(t, openErr.Remaining)
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls), "no network call while open")
}

func TestClient_OpenOrdersFollowsCursor(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pathRealtime, r.URL.Path)
		assert.NotEmpty(t, r.Header.Get(HeaderSign))

		s := NewSigner("key", "secret", 0)
		assert.Equal(t, s.Sign(r.Header.Get(HeaderTimestamp), r.URL.RawQuery), r.Header.Get(HeaderSign))

		page := orderListResult{Category: "linear"}
		switch r.URL.Query().Get("cursor") {
		case "":
			page.List = []wireOrder{{OrderID: "1", Symbol: "BTCUSDT", Side: "Buy", OrderStatus: "New", Qty: "1", Price: "10"}}
			page.NextPageCursor = "p2"
		case "p2":
			page.List = []wireOrder{{OrderID: "2", Symbol: "BTCUSDT", Side: "Sell", OrderStatus: "PartiallyFilled", Qty: "1", Price: "11", CumExecQty: "0.5"}}
		}
		writeEnvelope(w, 0, "OK", page)
	})

	orders, err := c.OpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "1", orders[0].OrderID)
	assert.Equal(t, domain.StatusPartiallyFilled, orders[1].Status)
}

func TestClient_OrderBookIsUnsigned(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(HeaderSign))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		writeEnvelope(w, 0, "OK", wireBook{
			Symbol:   "BTCUSDT",
			Bids:     [][2]string{{"100", "2"}},
			Asks:     [][2]string{{"101", "1"}},
			UpdateID: 42,
		})
	})

	bids, asks, id, err := c.OrderBook(context.Background(), "BTCUSDT", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, "100", bids[0].Price.String())
	assert.Equal(t, "1", asks[0].Qty.String())
}

func TestClient_WalletAndPositions(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathWallet:
			writeEnvelope(w, 0, "OK", walletResult{List: []wireWallet{{AccountType: "UNIFIED", TotalEquity: "10500.5", TotalAvailableBalance: "9000"}}})
		case pathPositions:
			writeEnvelope(w, 0, "OK", positionListResult{List: []wirePosition{{Symbol: "BTCUSDT", Side: "Buy", Size: "0.1", AvgPrice: "30000", MarkPrice: "30100", UnrealisedPnl: "10"}}})
		default:
			http.NotFound(w, r)
		}
	})

	equity, available, err := c.WalletEquity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10500.5", equity.String())
	assert.Equal(t, "9000", available.String())

	pos, err := c.Positions(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, "0.1", pos[0].Size.String())
}

func TestClient_ContextCancelDuringBackoff(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 10016, "internal error", nil)
	})
	c.retry = infra.Backoff{Base: time.Hour, Max: time.Hour}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.PlaceOrder(ctx, placeReq(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_MissingCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL}, Deps{Signer: NewSigner("", "", 0)})
	_, err := c.PlaceOrder(context.Background(), placeReq(t))
	assert.Equal(t, domain.OutcomeFatal, OutcomeOf(err))
}
