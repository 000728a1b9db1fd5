package bybit

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/domain"
	"tradecore/internal/infra"
)

func TestExchange_FallsBackToREST(t *testing.T) {
	var restCalls int32
	rest, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&restCalls, 1)
		writeEnvelope(w, 0, "OK", orderAck{OrderID: "rest-1", OrderLinkID: "cid-1"})
	})
	// never connected
	trade := NewTradeWorker("ws://127.0.0.1:1", "linear", time.Second, tradeDeps(nil), testStreamOpts)

	ex := NewExchange(rest, trade, nil)
	o, err := ex.PlaceOrder(context.Background(), placeReq(t))
	require.NoError(t, err)
	assert.Equal(t, "rest-1", o.OrderID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&restCalls))
}

func TestExchange_StreamFatalIsNotRetriedOverREST(t *testing.T) {
	var restCalls int32
	rest, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&restCalls, 1)
	})
	url := tradeServer(t, func(req tradeRequest) string {
		return `{"reqId":"` + req.ReqID + `","retCode":110007,"retMsg":"insufficient balance","op":"order.create"}`
	})
	trade := connectedTradeWorker(t, url, time.Second)

	ex := NewExchange(rest, trade, nil)
	_, err := ex.PlaceOrder(context.Background(), placeReq(t))
	require.Error(t, err)
	assert.Equal(t, domain.OutcomeFatal, OutcomeOf(err))
	assert.Zero(t, atomic.LoadInt32(&restCalls))
}

func TestExchange_DuplicateClientIDAfterTimeout(t *testing.T) {
	rest, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, codeDuplicateClientID, "OrderLinkedID is duplicate", nil)
	})
	url := tradeServer(t, func(req tradeRequest) string { return "" })
	trade := connectedTradeWorker(t, url, 30*time.Millisecond)

	ex := NewExchange(rest, trade, nil)
	o, err := ex.PlaceOrder(context.Background(), placeReq(t))
	require.NoError(t, err)
	assert.Equal(t, "cid-1", o.ClientOrderID)
	assert.Empty(t, o.OrderID)
	assert.Equal(t, domain.StatusNew, o.Status)
}

func TestExchange_CloseWipesSecret(t *testing.T) {
	rest, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	ex := NewExchange(rest, nil, nil)
	require.NoError(t, ex.Close())
	assert.Equal(t, make([]byte, len("secret")), rest.signer.secret)
}

func TestExchange_TrippedBreakerBlocksStreamCommands(t *testing.T) {
	var restCalls, frames int32
	rest, breaker := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&restCalls, 1)
	})
	url := tradeServer(t, func(req tradeRequest) string {
		atomic.AddInt32(&frames, 1)
		return `{"reqId":"` + req.ReqID + `","retCode":0,"retMsg":"OK","op":"` + req.Op + `"}`
	})
	trade := connectedTradeWorkerWith(t, url, time.Second, tradeDeps(breaker))
	breaker.Trip(time.Hour)

	ex := NewExchange(rest, trade, nil)
	req, err := domain.NewCancelOrderRequest(domain.OrderRef{Symbol: "BTCUSDT", ClientOrderID: "cid-1"})
	require.NoError(t, err)
	_, err = ex.CancelOrder(context.Background(), req)

	var openErr *infra.BreakerOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Zero(t, atomic.LoadInt32(&frames))
	assert.Zero(t, atomic.LoadInt32(&restCalls))
}

func TestTradeWorker_FatalRepliesOpenBreaker(t *testing.T) {
	var frames int32
	url := tradeServer(t, func(req tradeRequest) string {
		atomic.AddInt32(&frames, 1)
		return `{"reqId":"` + req.ReqID + `","retCode":10003,"retMsg":"invalid api key","op":"order.create"}`
	})
	breaker := infra.NewCircuitBreaker(infra.DefaultCircuitBreakerConfig("orders"))
	w := connectedTradeWorkerWith(t, url, time.Second, tradeDeps(breaker))

	for i := 0; i < 5; i++ {
		_, err := w.PlaceOrder(context.Background(), placeReq(t))
		require.Error(t, err)
		assert.Equal(t, domain.OutcomeFatal, OutcomeOf(err))
	}
	assert.Equal(t, infra.StateOpen, breaker.State())

	_, err := w.PlaceOrder(context.Background(), placeReq(t))
	var openErr *infra.BreakerOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, int32(5), atomic.LoadInt32(&frames))
}
