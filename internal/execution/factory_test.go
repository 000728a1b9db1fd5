package execution

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/domain"
	"tradecore/internal/infra"
)

func testConfig(t *testing.T, yaml string) *infra.Config {
	t.Helper()
	cfg, err := infra.ParseConfig([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

func TestFactory_PaperMode(t *testing.T) {
	t.Setenv("TRADECORE_MODE", "")
	f := NewFactory(testConfig(t, "trading:\n  mode: paper\n"), nil)

	venue, paper, err := f.Create(func() (domain.Execution, error) {
		t.Fatal("live builder must not run in paper mode")
		return nil, nil
	})
	require.NoError(t, err)
	assert.NotNil(t, paper)
	assert.Same(t, paper, venue)
}

func TestFactory_LiveMainnetNeedsConfirmation(t *testing.T) {
	t.Setenv("TRADECORE_MODE", "")
	t.Setenv("TRADECORE_TESTNET", "")
	t.Setenv("CONFIRM_REAL_MONEY", "")
	cfg := testConfig(t, "trading:\n  mode: live\napi:\n  bybit:\n    api_key: k\n    api_secret: s\n")

	_, _, err := NewFactory(cfg, nil).Create(func() (domain.Execution, error) {
		t.Fatal("live builder must not run without confirmation")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrRealMoneyNotConfirmed)
}

func TestFactory_LiveTestnet(t *testing.T) {
	t.Setenv("TRADECORE_MODE", "")
	t.Setenv("TRADECORE_TESTNET", "")
	cfg := testConfig(t, "trading:\n  mode: live\napi:\n  bybit:\n    testnet: true\n    api_key: k\n    api_secret: s\n")
	boom := errors.New("dial failed")

	_, _, err := NewFactory(cfg, nil).Create(func() (domain.Execution, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	want := NewPaperVenue(PaperConfig{}, nil)
	venue, paper, err := NewFactory(cfg, nil).Create(func() (domain.Execution, error) { return want, nil })
	require.NoError(t, err)
	assert.Nil(t, paper)
	assert.Same(t, want, venue)
}
