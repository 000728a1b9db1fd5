// Command integration runs a place/amend/cancel smoke test against the Bybit testnet.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/domain"
	"tradecore/internal/infra"
	"tradecore/internal/infra/bybit"
)

const (
	symbol     = "BTCUSDT"
	secretPath = "secrets/testnet.yaml"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("Integration test failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Integration test passed")
}

func run(logger *slog.Logger) error {
	secrets, err := infra.LoadSecretConfig(secretPath)
	if err != nil {
		return err
	}

	// testnet endpoints come from the defaults
	cfg, err := infra.ParseConfig([]byte("trading:\n  symbols: [" + symbol + "]\napi:\n  bybit:\n    testnet: true\n"))
	if err != nil {
		return err
	}
	secrets.Apply(cfg)
	cfg.Trading.Mode = infra.ModeLive

	signer := bybit.NewSigner(cfg.API.Bybit.APIKey, cfg.API.Bybit.APISecret, cfg.RecvWindow())
	client := bybit.NewClient(bybit.ClientConfig{
		BaseURL:     cfg.API.Bybit.RestURL,
		Category:    cfg.Trading.Category,
		Timeout:     cfg.HTTPTimeout(),
		Retry:       cfg.RetryBackoff(),
		MaxAttempts: 2,
	}, bybit.Deps{
		Signer:       signer,
		OrderLimiter: infra.NewRateLimiter(cfg.OrderLimiterConfig()),
		QueryLimiter: infra.NewRateLimiter(cfg.QueryLimiterConfig()),
		Breaker:      infra.NewCircuitBreaker(cfg.BreakerConfig("bybit-testnet")),
		Logger:       logger,
	})
	defer signer.Wipe()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	bids, _, _, err := client.OrderBook(ctx, symbol, 1)
	if err != nil {
		return fmt.Errorf("order book: %w", err)
	}
	if len(bids) == 0 {
		return fmt.Errorf("order book for %s has no bids", symbol)
	}
	equity, available, err := client.WalletEquity(ctx)
	if err != nil {
		return fmt.Errorf("wallet: %w", err)
	}
	logger.Info("Account reachable",
		slog.String("best_bid", bids[0].Price.String()),
		slog.String("equity", equity.String()),
		slog.String("available", available.String()))

	// half the best bid never fills
	price := bids[0].Price.Div(decimal.NewFromInt(2)).Round(1)
	req, err := domain.NewPlaceOrderRequest(symbol, domain.SideBuy, price, decimal.RequireFromString("0.001"), domain.PostOnly())
	if err != nil {
		return err
	}

	logger.Info("STEP 1: placing order", slog.String("client_id", req.ClientOrderID), slog.String("price", price.String()))
	order, err := client.PlaceOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("place: %w", err)
	}
	logger.Info("Order placed", slog.String("order_id", order.OrderID))

	time.Sleep(2 * time.Second)
	open, err := client.OpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("open orders: %w", err)
	}
	found := false
	for _, o := range open {
		found = found || o.ClientOrderID == req.ClientOrderID
	}
	logger.Info("STEP 2: open orders listed", slog.Int("count", len(open)), slog.Bool("found", found))

	amendReq, err := domain.NewAmendOrderRequest(domain.OrderRef{Symbol: symbol, ClientOrderID: req.ClientOrderID},
		price.Mul(decimal.RequireFromString("0.99")).Round(1), decimal.Zero)
	if err != nil {
		return err
	}
	amended, err := client.AmendOrder(ctx, amendReq)
	if err != nil {
		return fmt.Errorf("amend: %w", err)
	}
	logger.Info("STEP 3: order amended", slog.String("outcome", amended.String()), slog.String("price", amendReq.Price.String()))

	cancelReq, err := domain.NewCancelOrderRequest(domain.OrderRef{Symbol: symbol, OrderID: order.OrderID, ClientOrderID: req.ClientOrderID})
	if err != nil {
		return err
	}
	outcome, err := client.CancelOrder(ctx, cancelReq)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	logger.Info("STEP 4: order cancelled", slog.String("outcome", outcome.String()))
	if !found {
		return fmt.Errorf("order %s was not listed as open", req.ClientOrderID)
	}
	return nil
}
