package infra

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	uaMu             sync.RWMutex
	currentUserAgent = GetPlatformUserAgent()
)

// GetUserAgent returns the current active User-Agent string. (Thread-safe)
func GetUserAgent() string {
	uaMu.RLock()
	defer uaMu.RUnlock()
	return currentUserAgent
}

// SetUserAgent updates the User-Agent sent on REST and stream handshakes.
func SetUserAgent(ua string) {
	uaMu.Lock()
	defer uaMu.Unlock()
	currentUserAgent = ua
}

// GetPlatformUserAgent builds a User-Agent naming the process and platform.
func GetPlatformUserAgent() string {
	return fmt.Sprintf("%s/1.0 (%s; %s)", AppName, runtime.GOOS, runtime.GOARCH)
}

// Trading modes.
const (
	ModePaper = "PAPER"
	ModeLive  = "LIVE"
)

// Config holds every runtime setting. It is loaded from YAML by LoadConfig and
// then overridden by environment variables for credentials and mode.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Trading struct {
		Mode     string   `yaml:"mode"`
		Category string   `yaml:"category"`
		Symbols  []string `yaml:"symbols"`
	} `yaml:"trading"`

	API struct {
		Bybit struct {
			Testnet      bool   `yaml:"testnet"`
			RestURL      string `yaml:"rest_url"`
			PublicWSURL  string `yaml:"public_ws_url"`
			PrivateWSURL string `yaml:"private_ws_url"`
			TradeWSURL   string `yaml:"trade_ws_url"`
			APIKey       string `yaml:"api_key"`
			APISecret    string `yaml:"api_secret"`
			RecvWindowMS int    `yaml:"recv_window_ms"`
			TimeoutMS    int    `yaml:"timeout_ms"`
		} `yaml:"bybit"`
	} `yaml:"api"`

	RateLimit struct {
		OrderRate  float64 `yaml:"order_rate"`
		OrderBurst int     `yaml:"order_burst"`
		QueryRate  float64 `yaml:"query_rate"`
		QueryBurst int     `yaml:"query_burst"`
	} `yaml:"rate_limit"`

	Breaker struct {
		FailureThreshold int `yaml:"failure_threshold"`
		SuccessThreshold int `yaml:"success_threshold"`
		BaseTimeoutSec   int `yaml:"base_timeout_sec"`
		MaxTimeoutSec    int `yaml:"max_timeout_sec"`
	} `yaml:"breaker"`

	Retry struct {
		MaxAttempts int `yaml:"max_attempts"`
		BaseDelayMS int `yaml:"base_delay_ms"`
		MaxDelayMS  int `yaml:"max_delay_ms"`
	} `yaml:"retry"`

	Stream struct {
		PingIntervalSec      int `yaml:"ping_interval_sec"`
		ReadTimeoutSec       int `yaml:"read_timeout_sec"`
		ReconnectBaseMS      int `yaml:"reconnect_base_ms"`
		ReconnectMaxMS       int `yaml:"reconnect_max_ms"`
		MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
		CommandTimeoutMS     int `yaml:"command_timeout_ms"`
		BufferSize           int `yaml:"buffer_size"`
	} `yaml:"stream"`

	Book struct {
		Depth        int `yaml:"depth"`
		MetricLevels int `yaml:"metric_levels"`
	} `yaml:"book"`

	Ledger struct {
		PollIntervalSec int `yaml:"poll_interval_sec"`
		StaleAfterSec   int `yaml:"stale_after_sec"`
	} `yaml:"ledger"`

	Risk struct {
		InitialEquity        string  `yaml:"initial_equity"`
		MaxDrawdownPct       float64 `yaml:"max_drawdown_pct"`
		DailyLossPct         float64 `yaml:"daily_loss_pct"`
		MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
		MaxPositionSize      string  `yaml:"max_position_size"`
		KillSwitchTimeoutSec int     `yaml:"kill_switch_timeout_sec"`
		EvaluateIntervalSec  int     `yaml:"evaluate_interval_sec"`
	} `yaml:"risk"`

	Paper struct {
		MakerFee float64 `yaml:"maker_fee"`
		TakerFee float64 `yaml:"taker_fee"`
	} `yaml:"paper"`

	Persistence struct {
		StateFile   string `yaml:"state_file"`
		JournalFile string `yaml:"journal_file"`
		IntervalSec int    `yaml:"interval_sec"`
	} `yaml:"persistence"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// LoadConfig reads the YAML file at path, applies defaults and env overrides and validates.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig for in-memory YAML.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	setStr := func(p *string, v string) {
		if *p == "" {
			*p = v
		}
	}
	setInt := func(p *int, v int) {
		if *p == 0 {
			*p = v
		}
	}
	setFloat := func(p *float64, v float64) {
		if *p == 0 {
			*p = v
		}
	}

	setStr(&c.App.Name, AppName)
	setStr(&c.Trading.Mode, ModePaper)
	setStr(&c.Trading.Category, "linear")
	if len(c.Trading.Symbols) == 0 {
		c.Trading.Symbols = []string{"BTCUSDT"}
	}

	b := &c.API.Bybit
	if b.Testnet {
		setStr(&b.RestURL, "https://api-testnet.bybit.com")
		setStr(&b.PublicWSURL, "wss://stream-testnet.bybit.com/v5/public/"+c.Trading.Category)
		setStr(&b.PrivateWSURL, "wss://stream-testnet.bybit.com/v5/private")
		setStr(&b.TradeWSURL, "wss://stream-testnet.bybit.com/v5/trade")
	} else {
		setStr(&b.RestURL, "https://api.bybit.com")
		setStr(&b.PublicWSURL, "wss://stream.bybit.com/v5/public/"+c.Trading.Category)
		setStr(&b.PrivateWSURL, "wss://stream.bybit.com/v5/private")
		setStr(&b.TradeWSURL, "wss://stream.bybit.com/v5/trade")
	}
	setInt(&b.RecvWindowMS, 5000)
	setInt(&b.TimeoutMS, 10000)

	setFloat(&c.RateLimit.OrderRate, 10)
	setInt(&c.RateLimit.OrderBurst, 20)
	setFloat(&c.RateLimit.QueryRate, 20)
	setInt(&c.RateLimit.QueryBurst, 40)

	setInt(&c.Breaker.FailureThreshold, 5)
	setInt(&c.Breaker.SuccessThreshold, 3)
	setInt(&c.Breaker.BaseTimeoutSec, 60)
	setInt(&c.Breaker.MaxTimeoutSec, 300)

	setInt(&c.Retry.MaxAttempts, 5)
	setInt(&c.Retry.BaseDelayMS, 1000)
	setInt(&c.Retry.MaxDelayMS, 30000)

	setInt(&c.Stream.PingIntervalSec, 20)
	setInt(&c.Stream.ReadTimeoutSec, 60)
	setInt(&c.Stream.ReconnectBaseMS, 1000)
	setInt(&c.Stream.ReconnectMaxMS, 60000)
	setInt(&c.Stream.MaxReconnectAttempts, 50)
	setInt(&c.Stream.CommandTimeoutMS, 5000)
	setInt(&c.Stream.BufferSize, 1024)

	setInt(&c.Book.Depth, 50)
	setInt(&c.Book.MetricLevels, 20)

	setInt(&c.Ledger.PollIntervalSec, 45)
	setInt(&c.Ledger.StaleAfterSec, 90)

	setStr(&c.Risk.InitialEquity, "10000")
	setFloat(&c.Risk.MaxDrawdownPct, 0.10)
	setFloat(&c.Risk.DailyLossPct, 0.05)
	setInt(&c.Risk.MaxConsecutiveLosses, 5)
	setStr(&c.Risk.MaxPositionSize, "1")
	setInt(&c.Risk.KillSwitchTimeoutSec, 3600)
	setInt(&c.Risk.EvaluateIntervalSec, 5)

	setFloat(&c.Paper.MakerFee, 0.0002)
	setFloat(&c.Paper.TakerFee, 0.00055)

	setStr(&c.Persistence.StateFile, "state.json")
	setStr(&c.Persistence.JournalFile, "journal.db")
	setInt(&c.Persistence.IntervalSec, 30)

	setStr(&c.Metrics.Addr, "127.0.0.1:9108")
	setStr(&c.Logging.Level, "info")
	setStr(&c.Logging.Format, "json")
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	var errs []error

	c.Trading.Mode = strings.ToUpper(c.Trading.Mode)
	switch c.Trading.Mode {
	case ModePaper:
	case ModeLive:
		if c.API.Bybit.APIKey == "" || c.API.Bybit.APISecret == "" {
			errs = append(errs, errors.New("LIVE mode requires bybit api_key and api_secret"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown trading mode %q", c.Trading.Mode))
	}

	for _, u := range []string{c.API.Bybit.PublicWSURL, c.API.Bybit.PrivateWSURL, c.API.Bybit.TradeWSURL} {
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			errs = append(errs, fmt.Errorf("invalid stream URL: %s", u))
		}
	}
	if !strings.HasPrefix(c.API.Bybit.RestURL, "http://") && !strings.HasPrefix(c.API.Bybit.RestURL, "https://") {
		errs = append(errs, fmt.Errorf("invalid REST URL: %s", c.API.Bybit.RestURL))
	}
	for _, s := range c.Trading.Symbols {
		if s == "" {
			errs = append(errs, errors.New("empty symbol"))
		}
	}
	if c.RateLimit.OrderRate <= 0 || c.RateLimit.QueryRate <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if c.Breaker.MaxTimeoutSec < c.Breaker.BaseTimeoutSec {
		errs = append(errs, errors.New("breaker max_timeout_sec must be >= base_timeout_sec"))
	}
	if c.Risk.MaxDrawdownPct <= 0 || c.Risk.MaxDrawdownPct >= 1 {
		errs = append(errs, fmt.Errorf("max_drawdown_pct must be in (0,1), got %v", c.Risk.MaxDrawdownPct))
	}
	if c.Risk.DailyLossPct <= 0 || c.Risk.DailyLossPct >= 1 {
		errs = append(errs, fmt.Errorf("daily_loss_pct must be in (0,1), got %v", c.Risk.DailyLossPct))
	}
	if c.Book.MetricLevels > c.Book.Depth {
		errs = append(errs, errors.New("book metric_levels cannot exceed depth"))
	}
	return errors.Join(errs...)
}

// overrideWithEnv lets environment variables win over the config file.
func overrideWithEnv(cfg *Config) {
	if cfg.API.Bybit.APISecret != "" {
		slog.Warn("API secret found in config file; prefer BYBIT_API_SECRET")
	}

	if key := os.Getenv("BYBIT_API_KEY"); key != "" {
		cfg.API.Bybit.APIKey = key
	}
	if secret := os.Getenv("BYBIT_API_SECRET"); secret != "" {
		cfg.API.Bybit.APISecret = secret
	}
	if mode := os.Getenv("TRADECORE_MODE"); mode != "" {
		cfg.Trading.Mode = mode
	}
	if v := os.Getenv("TRADECORE_TESTNET"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil && b != cfg.API.Bybit.Testnet {
			cfg.API.Bybit.Testnet = b
			// endpoints were defaulted for the other network
			cfg.API.Bybit.RestURL, cfg.API.Bybit.PublicWSURL = "", ""
			cfg.API.Bybit.PrivateWSURL, cfg.API.Bybit.TradeWSURL = "", ""
			cfg.applyDefaults()
		}
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
func sec(n int) time.Duration { return time.Duration(n) * time.Second }

func (c *Config) RecvWindow() time.Duration { return ms(c.API.Bybit.RecvWindowMS) }
func (c *Config) HTTPTimeout() time.Duration { return ms(c.API.Bybit.TimeoutMS) }
func (c *Config) CommandTimeout() time.Duration { return ms(c.Stream.CommandTimeoutMS) }
func (c *Config) PingInterval() time.Duration { return sec(c.Stream.PingIntervalSec) }
func (c *Config) ReadTimeout() time.Duration { return sec(c.Stream.ReadTimeoutSec) }
func (c *Config) PollInterval() time.Duration { return sec(c.Ledger.PollIntervalSec) }
func (c *Config) StaleAfter() time.Duration { return sec(c.Ledger.StaleAfterSec) }
func (c *Config) PersistInterval() time.Duration { return sec(c.Persistence.IntervalSec) }
func (c *Config) KillSwitchTimeout() time.Duration {
	return sec(c.Risk.KillSwitchTimeoutSec)
}
func (c *Config) RiskInterval() time.Duration { return sec(c.Risk.EvaluateIntervalSec) }

// RetryBackoff returns the REST retry policy.
func (c *Config) RetryBackoff() Backoff {
	return Backoff{Base: ms(c.Retry.BaseDelayMS), Max: ms(c.Retry.MaxDelayMS)}
}

// ReconnectBackoff returns the stream reconnect policy.
func (c *Config) ReconnectBackoff() Backoff {
	return Backoff{Base: ms(c.Stream.ReconnectBaseMS), Max: ms(c.Stream.ReconnectMaxMS)}
}

// BreakerConfig returns the breaker settings for name.
func (c *Config) BreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: c.Breaker.FailureThreshold,
		SuccessThreshold: c.Breaker.SuccessThreshold,
		BaseTimeout:      sec(c.Breaker.BaseTimeoutSec),
		MaxTimeout:       sec(c.Breaker.MaxTimeoutSec),
	}
}

// OrderLimiterConfig returns the limiter for order placement/amend/cancel.
func (c *Config) OrderLimiterConfig() RateLimiterConfig {
	cfg := DefaultRateLimiterConfig("orders")
	cfg.Rate, cfg.Burst = c.RateLimit.OrderRate, c.RateLimit.OrderBurst
	return cfg
}

// QueryLimiterConfig returns the limiter for reads (open orders, positions, wallet).
func (c *Config) QueryLimiterConfig() RateLimiterConfig {
	cfg := DefaultRateLimiterConfig("queries")
	cfg.Rate, cfg.Burst = c.RateLimit.QueryRate, c.RateLimit.QueryBurst
	return cfg
}
