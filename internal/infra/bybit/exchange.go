package bybit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tradecore/internal/domain"
)

// Exchange implements domain.Execution on Bybit. Order commands prefer the
// trade stream and fall back to REST when the stream is down or times out.
type Exchange struct {
	rest   *Client
	trade  *TradeWorker // nil = REST only
	logger *slog.Logger
}

var _ domain.Execution = (*Exchange)(nil)

// NewExchange combines a REST client with an optional trade stream.
func NewExchange(rest *Client, trade *TradeWorker, logger *slog.Logger) *Exchange {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchange{rest: rest, trade: trade, logger: logger}
}

// REST returns the underlying REST client for queries and resync.
func (e *Exchange) REST() *Client { return e.rest }

func (e *Exchange) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.Order, error) {
	if e.trade != nil {
		o, err := e.trade.PlaceOrder(ctx, req)
		if !e.shouldFallback(ctx, "order.create", err) {
			return o, err
		}
	}
	o, err := e.rest.PlaceOrder(ctx, req)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == codeDuplicateClientID {
		// the stream attempt reached the venue; push or poll will fill in the venue id
		e.logger.Info("Order already accepted", slog.String("client_order_id", req.ClientOrderID))
		return ackedOrder(req, orderAck{OrderLinkID: req.ClientOrderID}, time.Now()), nil
	}
	return o, err
}

func (e *Exchange) AmendOrder(ctx context.Context, req domain.AmendOrderRequest) (domain.Outcome, error) {
	if e.trade != nil {
		oc, err := e.trade.AmendOrder(ctx, req)
		if !e.shouldFallback(ctx, "order.amend", err) {
			return oc, err
		}
	}
	return e.rest.AmendOrder(ctx, req)
}

func (e *Exchange) CancelOrder(ctx context.Context, req domain.CancelOrderRequest) (domain.Outcome, error) {
	if e.trade != nil {
		oc, err := e.trade.CancelOrder(ctx, req)
		if !e.shouldFallback(ctx, "order.cancel", err) {
			return oc, err
		}
	}
	return e.rest.CancelOrder(ctx, req)
}

func (e *Exchange) CancelAll(ctx context.Context, symbol string) (domain.Outcome, error) {
	return e.rest.CancelAll(ctx, symbol)
}

func (e *Exchange) OpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	return e.rest.OpenOrders(ctx, symbol)
}

// Close wipes the API secret. Stream workers are stopped by their owner.
func (e *Exchange) Close() error {
	e.rest.signer.Wipe()
	return nil
}

func (e *Exchange) shouldFallback(ctx context.Context, op string, err error) bool {
	if err == nil || ctx.Err() != nil || OutcomeOf(err) != domain.OutcomeRetryable {
		return false
	}
	e.logger.Warn("Trade stream command failed, using REST", slog.String("op", op), slog.Any("err", err))
	return true
}
