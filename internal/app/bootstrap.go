package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"

	"tradecore/internal/domain"
	"tradecore/internal/engine"
	"tradecore/internal/execution"
	"tradecore/internal/infra"
	"tradecore/internal/infra/bybit"
	"tradecore/internal/ledger"
	"tradecore/internal/risk"
	"tradecore/internal/storage"
)

// Bootstrap builds every component from the config and owns their lifetimes.
type Bootstrap struct {
	Config   *infra.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *infra.Metrics

	Engine  *engine.Engine
	Ledger  *ledger.Ledger
	Monitor *risk.Monitor
	Venue   domain.Execution
	Journal *storage.FillJournal

	workDir string
	unlock  func()
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(cfg *infra.Config, logger *slog.Logger) *Bootstrap {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrap{Config: cfg, Logger: logger}
}

// Initialize wires the process. On error everything already opened is closed.
func (b *Bootstrap) Initialize() (err error) {
	cfg := b.Config
	mode := strings.ToLower(cfg.Trading.Mode)
	b.Logger.Info("Bootstrapping",
		slog.String("mode", cfg.Trading.Mode),
		slog.Bool("testnet", cfg.API.Bybit.Testnet),
		slog.Any("symbols", cfg.Trading.Symbols))

	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	b.workDir = infra.GetWorkspaceDir()
	dataDir := filepath.Join(b.workDir, "data", mode)
	if err := infra.EnsureDir(dataDir); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	// one process per data dir
	if b.unlock, err = infra.CreateLockFile(dataDir); err != nil {
		return err
	}

	b.Registry = prometheus.NewRegistry()
	b.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	b.Metrics = infra.NewMetrics(b.Registry)

	breakerCfg := cfg.BreakerConfig("bybit")
	breakerCfg.OnStateChange = func(name string, _, to infra.State) { b.Metrics.SetBreakerState(name, to) }
	breaker := infra.NewCircuitBreaker(breakerCfg)
	orderLimiter := infra.NewRateLimiter(cfg.OrderLimiterConfig())
	queryLimiter := infra.NewRateLimiter(cfg.QueryLimiterConfig())

	streamOpts := bybit.StreamOptions{
		ReadTimeout:          cfg.ReadTimeout(),
		PingInterval:         cfg.PingInterval(),
		Reconnect:            cfg.ReconnectBackoff(),
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
		Metrics:              b.Metrics,
		Logger:               b.Logger,
	}

	var signer *bybit.Signer
	if cfg.Trading.Mode == infra.ModeLive {
		signer = bybit.NewSigner(cfg.API.Bybit.APIKey, cfg.API.Bybit.APISecret, cfg.RecvWindow())
	}
	rest := bybit.NewClient(bybit.ClientConfig{
		BaseURL:     cfg.API.Bybit.RestURL,
		Category:    cfg.Trading.Category,
		Timeout:     cfg.HTTPTimeout(),
		Retry:       cfg.RetryBackoff(),
		MaxAttempts: cfg.Retry.MaxAttempts,
	}, bybit.Deps{
		Signer:       signer,
		OrderLimiter: orderLimiter,
		QueryLimiter: queryLimiter,
		Breaker:      breaker,
		Metrics:      b.Metrics,
		Logger:       b.Logger.With(slog.String("component", "rest")),
	})

	var trade *bybit.TradeWorker
	venue, paper, err := execution.NewFactory(cfg, b.Logger).Create(func() (domain.Execution, error) {
		if !signer.HasCredentials() {
			return nil, errors.New("missing bybit credentials")
		}
		trade = bybit.NewTradeWorker(cfg.API.Bybit.TradeWSURL, cfg.Trading.Category, cfg.CommandTimeout(), bybit.Deps{
			Signer:       signer,
			OrderLimiter: orderLimiter,
			Breaker:      breaker,
			Metrics:      b.Metrics,
		}, streamOpts)
		return bybit.NewExchange(rest, trade, b.Logger.With(slog.String("component", "exchange"))), nil
	})
	if err != nil {
		return err
	}
	b.Venue = venue

	b.Ledger = ledger.New(venue, ledger.Config{
		Symbols:      cfg.Trading.Symbols,
		PollInterval: cfg.PollInterval(),
		StaleAfter:   cfg.StaleAfter(),
		InboxSize:    cfg.Stream.BufferSize,
	}, b.Metrics, b.Logger.With(slog.String("component", "ledger")))
	if paper != nil {
		paper.SetUpdates(b.Ledger.Inbox())
	}

	initial, err := decimal.NewFromString(cfg.Risk.InitialEquity)
	if err != nil {
		return fmt.Errorf("risk initial_equity: %w", err)
	}
	maxPos, err := decimal.NewFromString(cfg.Risk.MaxPositionSize)
	if err != nil {
		return fmt.Errorf("risk max_position_size: %w", err)
	}
	b.Monitor = risk.NewMonitor(risk.Config{
		InitialEquity: initial,
		Limits: risk.Limits{
			MaxDrawdownPct:       decimal.NewFromFloat(cfg.Risk.MaxDrawdownPct),
			DailyLossPct:         decimal.NewFromFloat(cfg.Risk.DailyLossPct),
			MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
			MaxPositionSize:      maxPos,
		},
	}, b.Logger.With(slog.String("component", "risk")))
	guard := risk.NewGuard(b.Monitor, b.Ledger, breaker, cfg.Trading.Symbols, cfg.KillSwitchTimeout(), b.Metrics, b.Logger.With(slog.String("component", "guard")))

	b.Journal, err = storage.OpenFillJournal(infra.ResolveDataPath(dataDir, cfg.Persistence.JournalFile), b.Logger)
	if err != nil {
		return err
	}
	b.Ledger.AddSink(b.Monitor)
	b.Ledger.AddSink(b.Journal)
	b.Ledger.AddSink(guard)

	deps := engine.Deps{
		Ledger:   b.Ledger,
		Monitor:  b.Monitor,
		Guard:    guard,
		State:    storage.NewStateStore(infra.ResolveDataPath(dataDir, cfg.Persistence.StateFile), b.Logger),
		Journal:  b.Journal,
		Paper:    paper,
		Books:    rest,
		Limiters: []*infra.RateLimiter{orderLimiter, queryLimiter},
		Breakers: []*infra.CircuitBreaker{breaker},
		Metrics:  b.Metrics,
		Logger:   b.Logger.With(slog.String("component", "engine")),
	}
	if paper == nil {
		deps.Account = rest
	}
	b.Engine = engine.New(engine.Config{
		Symbols:         cfg.Trading.Symbols,
		BookDepth:       cfg.Book.Depth,
		MetricLevels:    cfg.Book.MetricLevels,
		BufferSize:      cfg.Stream.BufferSize,
		PersistInterval: cfg.PersistInterval(),
		RiskInterval:    cfg.RiskInterval(),
		AccountInterval: cfg.PollInterval(),
	}, deps)

	b.Engine.AddStream(bybit.NewPublicWorker(cfg.API.Bybit.PublicWSURL, cfg.Book.Depth, cfg.Trading.Symbols, b.Engine.BookSink(), streamOpts))
	if trade != nil {
		b.Engine.AddStream(bybit.NewPrivateWorker(cfg.API.Bybit.PrivateWSURL, signer, bybit.PrivateSinks{
			Orders:       b.Ledger.Inbox(),
			Positions:    b.Engine.PositionSink(),
			Wallet:       b.Engine.WalletSink(),
			OnDisconnect: b.Ledger.RequestPoll,
		}, streamOpts))
		b.Engine.AddStream(trade)
	}

	if err := b.Engine.Restore(); err != nil {
		return err
	}
	b.Logger.Info("Bootstrap complete", slog.String("data_dir", dataDir))
	return nil
}

// Run blocks until ctx is done or the engine fails.
func (b *Bootstrap) Run(ctx context.Context) error {
	return b.Engine.Run(ctx)
}

// Close releases the venue, the journal and the instance lock.
func (b *Bootstrap) Close() error {
	var errs []error
	if b.Venue != nil {
		errs = append(errs, b.Venue.Close())
		b.Venue = nil
	}
	if b.Journal != nil {
		errs = append(errs, b.Journal.Close())
		b.Journal = nil
	}
	if b.unlock != nil {
		b.unlock()
		b.unlock = nil
	}
	return errors.Join(errs...)
}
