package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"tradecore/internal/domain"
	"tradecore/internal/infra"
)

// ErrStreamUnavailable is returned when a command is issued while the trade stream is down.
var ErrStreamUnavailable = errors.New("trade stream not connected")

type tradeRequest struct {
	ReqID  string            `json:"reqId"`
	Header map[string]string `json:"header"`
	Op     string            `json:"op"`
	Args   []any             `json:"args"`
}

type tradeResponse struct {
	ReqID   string          `json:"reqId"`
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Op      string          `json:"op"`
	Data    json.RawMessage `json:"data"`
}

// TradeWorker sends order commands over the authenticated trade stream and
// correlates each response by reqId.
type TradeWorker struct {
	base     *infra.BaseWSWorker
	url      string
	category string
	signer   *Signer
	pending  *infra.PendingRequests
	timeout  time.Duration
	limiter  *infra.RateLimiter
	breaker  *infra.CircuitBreaker
	metrics  *infra.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewTradeWorker creates a trade stream worker. timeout bounds every command.
// Commands pass deps.OrderLimiter and deps.Breaker, the same ones the REST
// client uses for orders.
func NewTradeWorker(url, category string, timeout time.Duration, deps Deps, opts StreamOptions) *TradeWorker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	w := &TradeWorker{
		url:      url,
		category: category,
		signer:   deps.Signer,
		pending:  infra.NewPendingRequests(),
		timeout:  timeout,
		limiter:  deps.OrderLimiter,
		breaker:  deps.Breaker,
		metrics:  opts.Metrics,
		logger:   opts.logger(),
		now:      time.Now,
	}
	w.base = infra.NewBaseWSWorker(w)
	opts.apply(w.base)
	return w
}

func (w *TradeWorker) ID() string     { return "BYBIT_TRADE" }
func (w *TradeWorker) GetURL() string { return w.url }

// Connect starts the reconnect loop.
func (w *TradeWorker) Connect(ctx context.Context) { w.base.Start(ctx) }

// Disconnect stops the worker and waits for its loop to exit.
func (w *TradeWorker) Disconnect() { w.base.Stop() }

// Err reports reconnect exhaustion.
func (w *TradeWorker) Err() <-chan error { return w.base.Err() }

// Worker exposes the transport for health checks.
func (w *TradeWorker) Worker() *infra.BaseWSWorker { return w.base }

// Pending returns the number of commands awaiting a response.
func (w *TradeWorker) Pending() int { return w.pending.Len() }

func (w *TradeWorker) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	return authenticate(conn, w.signer)
}

// SubscribeMessages is unused; the trade stream has no topics.
func (w *TradeWorker) SubscribeMessages(topics []string) ([][]byte, error) { return nil, nil }

func (w *TradeWorker) OnPing(ctx context.Context, base *infra.BaseWSWorker) error {
	return base.Write(websocket.TextMessage, pingFrame)
}

func (w *TradeWorker) OnDisconnect(err error) {
	if n := w.pending.FailAll(); n > 0 {
		w.logger.Warn("Trade stream dropped with commands in flight", slog.Int("pending", n))
	}
}

func (w *TradeWorker) OnMessage(ctx context.Context, msg []byte) {
	var m streamMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		w.logger.Warn("Trade stream: undecodable message", slog.Any("err", err))
		return
	}
	if m.ReqID != "" {
		if !w.pending.Resolve(m.ReqID, msg) {
			w.logger.Warn("Trade stream: unmatched response", slog.String("req_id", m.ReqID), slog.String("op", m.Op))
		}
		return
	}
	if isControl(m) {
		logControl(w.logger, w.ID(), m)
	}
}

// command sends op and waits for its correlated response.
// Transport failures are reported as retryable *APIError values.
func (w *TradeWorker) command(ctx context.Context, op string, args any, mutation bool) (json.RawMessage, error) {
	if !w.base.Connected() {
		return nil, &APIError{Op: op, Outcome: domain.OutcomeRetryable, Err: ErrStreamUnavailable}
	}

	id := infra.NewID()
	ch, err := w.pending.Register(id)
	if err != nil {
		return nil, err
	}
	frame, err := json.Marshal(tradeRequest{
		ReqID: id,
		Header: map[string]string{
			HeaderTimestamp:  strconv.FormatInt(w.now().UnixMilli(), 10),
			HeaderRecvWindow: w.signer.recvWindow,
		},
		Op:   op,
		Args: []any{args},
	})
	if err != nil {
		w.pending.Cancel(id)
		return nil, err
	}

	if w.limiter != nil {
		if err := w.limiter.Acquire(ctx); err != nil {
			w.pending.Cancel(id)
			return nil, err
		}
	}
	if w.breaker != nil {
		if err := w.breaker.Allow(); err != nil {
			w.pending.Cancel(id)
			w.metrics.ObserveRequest(op, "breaker_open")
			return nil, err
		}
	}

	data, err := w.send(ctx, id, op, ch, frame, mutation)
	if err != nil && ctx.Err() != nil {
		if w.breaker != nil {
			w.breaker.Release()
		}
		return nil, err
	}
	w.record(op, OutcomeOf(err))
	return data, err
}

// send writes one frame and classifies the correlated response.
func (w *TradeWorker) send(ctx context.Context, id, op string, ch <-chan []byte, frame []byte, mutation bool) (json.RawMessage, error) {
	start := time.Now()
	if err := w.base.Write(websocket.TextMessage, frame); err != nil {
		w.pending.Cancel(id)
		return nil, &APIError{Op: op, Outcome: domain.OutcomeRetryable, Err: fmt.Errorf("write: %w", err)}
	}
	raw, err := w.pending.Await(ctx, id, ch, w.timeout)
	w.metrics.ObserveCommand(op, time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, &APIError{Op: op, Outcome: domain.OutcomeRetryable, Err: err}
	}

	var resp tradeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &APIError{Op: op, Outcome: domain.OutcomeFatal, Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.RetCode != 0 {
		return nil, &APIError{Op: op, Code: resp.RetCode, Msg: resp.RetMsg, Outcome: Classify(resp.RetCode, mutation)}
	}
	return resp.Data, nil
}

// record feeds the outcome of one command to the breaker and the limiter.
func (w *TradeWorker) record(op string, oc domain.Outcome) {
	w.metrics.ObserveRequest(op, oc.String())
	if w.breaker != nil {
		if oc.OK() {
			w.breaker.RecordSuccess()
		} else {
			w.breaker.RecordFailure()
		}
	}
	if w.limiter != nil {
		w.limiter.RecordOutcome(oc.OK())
		w.metrics.SetLimiterRate(w.limiter.Name(), w.limiter.Stats().Rate)
	}
}

// PlaceOrder sends order.create.
func (w *TradeWorker) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.Order, error) {
	data, err := w.command(ctx, "order.create", newPlaceParams(w.category, req), false)
	if err != nil {
		return domain.Order{}, err
	}
	var ack orderAck
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ack); err != nil {
			return domain.Order{}, fmt.Errorf("order.create ack: %w", err)
		}
	}
	return ackedOrder(req, ack, w.now()), nil
}

// AmendOrder sends order.amend.
func (w *TradeWorker) AmendOrder(ctx context.Context, req domain.AmendOrderRequest) (domain.Outcome, error) {
	_, err := w.command(ctx, "order.amend", newAmendParams(w.category, req), true)
	return mutationResult(err)
}

// CancelOrder sends order.cancel.
func (w *TradeWorker) CancelOrder(ctx context.Context, req domain.CancelOrderRequest) (domain.Outcome, error) {
	_, err := w.command(ctx, "order.cancel", newCancelParams(w.category, req), true)
	return mutationResult(err)
}
