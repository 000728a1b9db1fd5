package infra

import (
	"fmt"
	"io"
	"strings"
)

// ANSI Color Codes
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
)

// Network describes where orders go for the configured mode.
func (c *Config) Network() string {
	switch {
	case c.Trading.Mode == ModePaper:
		return "INTERNAL SIMULATION"
	case c.API.Bybit.Testnet:
		return "TESTNET (PLAY MONEY)"
	default:
		return "REAL MONEY TRADING"
	}
}

// PrintBanner writes the startup banner with mode-specific warnings.
func PrintBanner(w io.Writer, cfg *Config) {
	mode := strings.ToUpper(cfg.Trading.Mode)
	network := cfg.Network()
	realMoney := mode == ModeLive && !cfg.API.Bybit.Testnet

	color := ColorCyan
	if mode == ModeLive {
		color = ColorYellow
	}
	if realMoney {
		color = ColorRed
	}

	line := func(format string, args ...any) {
		fmt.Fprintf(w, "%s"+format+"%s\n", append(append([]any{color}, args...), ColorReset)...)
	}
	fmt.Fprintln(w)
	line("###########################################################")
	line("#   %-53s #", strings.ToUpper(cfg.App.Name))
	line("#   MODE:    %-44s #", mode)
	line("#   NETWORK: %-44s #", network)
	line("#   VERSION: %-44s #", cfg.App.Version)
	line("#   SYMBOLS: %-44s #", strings.Join(cfg.Trading.Symbols, ","))
	if realMoney {
		line("#   WARNING: YOU ARE TRADING WITH REAL MONEY              #")
	}
	line("###########################################################")
	fmt.Fprintln(w)
}
