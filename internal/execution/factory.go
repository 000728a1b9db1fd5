package execution

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/shopspring/decimal"

	"tradecore/internal/domain"
	"tradecore/internal/infra"
)

// Mode represents the trading execution mode
type Mode string

const (
	ModePaper Mode = infra.ModePaper
	ModeLive  Mode = infra.ModeLive
)

// ErrRealMoneyNotConfirmed guards mainnet trading.
var ErrRealMoneyNotConfirmed = errors.New("LIVE mainnet trading requires CONFIRM_REAL_MONEY=true")

// LiveBuilder connects the exchange venue. It is only called in LIVE mode.
type LiveBuilder func() (domain.Execution, error)

// Factory creates execution instances based on mode
type Factory struct {
	cfg    *infra.Config
	logger *slog.Logger
}

// NewFactory creates a new factory
func NewFactory(cfg *infra.Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{cfg: cfg, logger: logger}
}

// Mode returns the configured mode.
func (f *Factory) Mode() Mode { return Mode(f.cfg.Trading.Mode) }

// Create returns the venue for the configured mode. A paper venue is returned
// as *PaperVenue so the caller can feed it book updates.
func (f *Factory) Create(live LiveBuilder) (domain.Execution, *PaperVenue, error) {
	mode := f.Mode()
	f.logger.Info("Initializing execution", slog.String("mode", string(mode)))

	switch mode {
	case ModePaper:
		p := NewPaperVenue(PaperConfig{
			MakerFee: decimal.NewFromFloat(f.cfg.Paper.MakerFee),
			TakerFee: decimal.NewFromFloat(f.cfg.Paper.TakerFee),
		}, f.logger.With(slog.String("venue", "paper")))
		return p, p, nil

	case ModeLive:
		if !f.cfg.API.Bybit.Testnet && os.Getenv("CONFIRM_REAL_MONEY") != "true" {
			f.logger.Error("Refusing to trade on mainnet", slog.Any("err", ErrRealMoneyNotConfirmed))
			return nil, nil, ErrRealMoneyNotConfirmed
		}
		if f.cfg.API.Bybit.Testnet {
			f.logger.Info("Connecting to Bybit testnet")
		} else {
			f.logger.Warn("Connecting to Bybit MAINNET")
		}
		venue, err := live()
		if err != nil {
			return nil, nil, fmt.Errorf("connect live venue: %w", err)
		}
		return venue, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown execution mode: %s", mode)
	}
}
