package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"tradecore/internal/domain"
	"tradecore/internal/infra"
)

// MainnetURL is the default REST endpoint.
const MainnetURL = "https://api.bybit.com"

const (
	openOrdersPageSize = 50
	maxOpenOrderPages  = 20
)

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL     string
	Category    string
	Timeout     time.Duration
	Retry       infra.Backoff
	MaxAttempts int
}

// Deps are the shared resilience objects a Client sends through.
// OrderLimiter and QueryLimiter may be the same instance.
type Deps struct {
	Signer       *Signer
	OrderLimiter *infra.RateLimiter
	QueryLimiter *infra.RateLimiter
	Breaker      *infra.CircuitBreaker
	Metrics      *infra.Metrics
	Logger       *slog.Logger
}

// Client is the signed REST side of the Bybit connection.
// Every attempt passes the rate limiter, then the breaker, then the network.
type Client struct {
	http     *resty.Client
	category string
	retry    infra.Backoff
	attempts int

	signer  *Signer
	orders  *infra.RateLimiter
	queries *infra.RateLimiter
	breaker *infra.CircuitBreaker
	metrics *infra.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewClient creates a REST client.
func NewClient(cfg ClientConfig, deps Deps) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = MainnetURL
	}
	if cfg.Category == "" {
		cfg.Category = "linear"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry = infra.DefaultRetryBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if deps.OrderLimiter == nil {
		deps.OrderLimiter = infra.NewRateLimiter(infra.DefaultRateLimiterConfig("orders"))
	}
	if deps.QueryLimiter == nil {
		deps.QueryLimiter = deps.OrderLimiter
	}
	if deps.Breaker == nil {
		deps.Breaker = infra.NewCircuitBreaker(infra.DefaultCircuitBreakerConfig("bybit"))
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", infra.GetUserAgent())

	return &Client{
		http:     httpClient,
		category: cfg.Category,
		retry:    cfg.Retry,
		attempts: cfg.MaxAttempts,
		signer:   deps.Signer,
		orders:   deps.OrderLimiter,
		queries:  deps.QueryLimiter,
		breaker:  deps.Breaker,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      time.Now,
	}
}

// Category returns the product category requests are sent for.
func (c *Client) Category() string { return c.category }

// call describes one logical REST operation.
type call struct {
	op       string
	method   string
	path     string
	query    url.Values
	body     any
	signed   bool
	mutation bool
	limiter  *infra.RateLimiter
}

// do runs cl with classified retry and decodes the result into out.
// A no-op outcome is returned as an *APIError whose Outcome is OutcomeNoop.
func (c *Client) do(ctx context.Context, cl call, out any) error {
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.retry.Delay(attempt-1)); err != nil {
				return err
			}
		}
		if err := cl.limiter.Acquire(ctx); err != nil {
			return err
		}
		if err := c.breaker.Allow(); err != nil {
			c.metrics.ObserveRequest(cl.op, "breaker_open")
			return err
		}

		raw, err := c.send(ctx, cl)
		if err != nil && ctx.Err() != nil {
			c.breaker.Release()
			return ctx.Err()
		}

		oc := OutcomeOf(err)
		c.metrics.ObserveRequest(cl.op, oc.String())
		if oc.OK() {
			c.breaker.RecordSuccess()
		} else {
			c.breaker.RecordFailure()
		}
		cl.limiter.RecordOutcome(oc.OK())
		c.metrics.SetLimiterRate(cl.limiter.Name(), cl.limiter.Stats().Rate)

		if oc != domain.OutcomeRetryable {
			if err == nil && out != nil && len(raw) > 0 {
				if uerr := json.Unmarshal(raw, out); uerr != nil {
					return fmt.Errorf("bybit %s: decode result: %w", cl.op, uerr)
				}
			}
			return err
		}

		lastErr = err
		c.logger.Warn("Bybit request failed, retrying",
			slog.String("op", cl.op),
			slog.Int("attempt", attempt+1),
			slog.Any("err", err))
	}
	return fmt.Errorf("bybit %s: giving up after %d attempts: %w", cl.op, c.attempts, lastErr)
}

// send performs a single attempt and classifies the response.
func (c *Client) send(ctx context.Context, cl call) (json.RawMessage, error) {
	req := c.http.R().SetContext(ctx)

	var payload string
	if cl.method == http.MethodGet {
		payload = cl.query.Encode()
		req.SetQueryString(payload)
	} else {
		body, err := json.Marshal(cl.body)
		if err != nil {
			return nil, &APIError{Op: cl.op, Outcome: domain.OutcomeFatal, Err: err}
		}
		payload = string(body)
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if cl.signed {
		if !c.signer.HasCredentials() {
			return nil, &APIError{Op: cl.op, Outcome: domain.OutcomeFatal, Err: errors.New("missing API credentials")}
		}
		req.SetHeaders(c.signer.Headers(payload))
	}

	resp, err := req.Execute(cl.method, cl.path)
	if err != nil {
		return nil, &APIError{Op: cl.op, Outcome: domain.OutcomeRetryable, Err: err}
	}
	if oc := ClassifyHTTP(resp.StatusCode()); oc != domain.OutcomeSuccess {
		return nil, &APIError{Op: cl.op, HTTPStatus: resp.StatusCode(), Outcome: oc, Msg: truncate(resp.String(), 200)}
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, &APIError{Op: cl.op, HTTPStatus: resp.StatusCode(), Outcome: domain.OutcomeRetryable, Err: fmt.Errorf("decode envelope: %w", err)}
	}
	if env.RetCode != 0 {
		return nil, &APIError{
			Op:         cl.op,
			Code:       env.RetCode,
			Msg:        env.RetMsg,
			HTTPStatus: resp.StatusCode(),
			Outcome:    Classify(env.RetCode, cl.mutation),
		}
	}
	return env.Result, nil
}

// PlaceOrder submits a limit order and returns it as acknowledged.
func (c *Client) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.Order, error) {
	var ack orderAck
	err := c.do(ctx, call{
		op:      "place_order",
		method:  http.MethodPost,
		path:    pathCreate,
		body:    newPlaceParams(c.category, req),
		signed:  true,
		limiter: c.orders,
	}, &ack)
	if err != nil {
		return domain.Order{}, err
	}
	return ackedOrder(req, ack, c.now()), nil
}

// AmendOrder changes a resting order. An order that is already gone yields OutcomeNoop.
func (c *Client) AmendOrder(ctx context.Context, req domain.AmendOrderRequest) (domain.Outcome, error) {
	return mutationResult(c.do(ctx, call{
		op:       "amend_order",
		method:   http.MethodPost,
		path:     pathAmend,
		body:     newAmendParams(c.category, req),
		signed:   true,
		mutation: true,
		limiter:  c.orders,
	}, nil))
}

// CancelOrder cancels one order. An order that is already gone yields OutcomeNoop.
func (c *Client) CancelOrder(ctx context.Context, req domain.CancelOrderRequest) (domain.Outcome, error) {
	return mutationResult(c.do(ctx, call{
		op:       "cancel_order",
		method:   http.MethodPost,
		path:     pathCancel,
		body:     newCancelParams(c.category, req),
		signed:   true,
		mutation: true,
		limiter:  c.orders,
	}, nil))
}

// CancelAll cancels every open order for symbol.
func (c *Client) CancelAll(ctx context.Context, symbol string) (domain.Outcome, error) {
	var res cancelAllResult
	oc, err := mutationResult(c.do(ctx, call{
		op:       "cancel_all",
		method:   http.MethodPost,
		path:     pathCancelAll,
		body:     cancelAllParams{Category: c.category, Symbol: symbol},
		signed:   true,
		mutation: true,
		limiter:  c.orders,
	}, &res))
	if err == nil {
		c.logger.Info("Cancelled all orders",
			slog.String("symbol", symbol),
			slog.Int("count", len(res.List)))
	}
	return oc, err
}

// OpenOrders lists the open orders of symbol, following the page cursor.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	q := orderQuery{Category: c.category, Symbol: symbol, Limit: openOrdersPageSize}
	var out []domain.Order
	for page := 0; page < maxOpenOrderPages; page++ {
		var res orderListResult
		err := c.do(ctx, call{
			op:      "open_orders",
			method:  http.MethodGet,
			path:    pathRealtime,
			query:   q.values(),
			signed:  true,
			limiter: c.queries,
		}, &res)
		if err != nil {
			return nil, err
		}
		for _, w := range res.List {
			o, err := normalizeOrder(w)
			if err != nil {
				c.logger.Warn("Skipping malformed order", slog.Any("err", err))
				continue
			}
			out = append(out, o)
		}
		if res.NextPageCursor == "" || len(res.List) == 0 {
			return out, nil
		}
		q.Cursor = res.NextPageCursor
	}
	return out, fmt.Errorf("open orders for %s: more than %d pages", symbol, maxOpenOrderPages)
}

// Positions returns the venue's positions for symbol.
func (c *Client) Positions(ctx context.Context, symbol string) ([]domain.Position, error) {
	q := url.Values{}
	q.Set("category", c.category)
	q.Set("symbol", symbol)

	var res positionListResult
	err := c.do(ctx, call{
		op:      "positions",
		method:  http.MethodGet,
		path:    pathPositions,
		query:   q,
		signed:  true,
		limiter: c.queries,
	}, &res)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Position, 0, len(res.List))
	for _, w := range res.List {
		p, err := normalizePosition(w)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// WalletEquity returns total equity and available balance of the unified account.
func (c *Client) WalletEquity(ctx context.Context) (equity, available decimal.Decimal, err error) {
	q := url.Values{}
	q.Set("accountType", "UNIFIED")

	var res walletResult
	if err = c.do(ctx, call{
		op:      "wallet",
		method:  http.MethodGet,
		path:    pathWallet,
		query:   q,
		signed:  true,
		limiter: c.queries,
	}, &res); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if len(res.List) == 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("wallet: empty account list")
	}
	return parseWallet(res.List[0])
}

// OrderBook fetches a depth snapshot used to resync the local book.
func (c *Client) OrderBook(ctx context.Context, symbol string, depth int) (bids, asks []domain.PriceLevel, updateID int64, err error) {
	q := url.Values{}
	q.Set("category", c.category)
	q.Set("symbol", symbol)
	q.Set("limit", fmt.Sprint(depth))

	var res wireBook
	if err = c.do(ctx, call{
		op:      "orderbook",
		method:  http.MethodGet,
		path:    pathOrderBook,
		query:   q,
		limiter: c.queries,
	}, &res); err != nil {
		return nil, nil, 0, err
	}
	if bids, err = parseLevels(res.Bids); err != nil {
		return nil, nil, 0, err
	}
	if asks, err = parseLevels(res.Asks); err != nil {
		return nil, nil, 0, err
	}
	return bids, asks, res.UpdateID, nil
}

// mutationResult folds a no-op failure into a successful outcome.
func mutationResult(err error) (domain.Outcome, error) {
	oc := OutcomeOf(err)
	if oc.OK() {
		return oc, nil
	}
	return oc, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
