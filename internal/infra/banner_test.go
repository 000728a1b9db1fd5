package infra

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintBanner(t *testing.T) {
	t.Setenv("TRADECORE_MODE", "")
	t.Setenv("TRADECORE_TESTNET", "")
	t.Setenv("BYBIT_API_KEY", "")
	t.Setenv("BYBIT_API_SECRET", "")

	tests := []struct {
		name    string
		yaml    string
		network string
		warns   bool
	}{
		{"Paper", "trading:\n  mode: paper\n", "INTERNAL SIMULATION", false},
		{"Testnet", "trading:\n  mode: live\napi:\n  bybit:\n    testnet: true\n    api_key: k\n    api_secret: s\n", "TESTNET (PLAY MONEY)", false},
		{"Mainnet", "trading:\n  mode: live\napi:\n  bybit:\n    api_key: k\n    api_secret: s\n", "REAL MONEY TRADING", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig([]byte(tt.yaml))
			require.NoError(t, err)
			assert.Equal(t, tt.network, cfg.Network())

			var buf bytes.Buffer
			PrintBanner(&buf, cfg)
			assert.Contains(t, buf.String(), tt.network)
			assert.Equal(t, tt.warns, bytes.Contains(buf.Bytes(), []byte("WARNING")))
		})
	}
}
