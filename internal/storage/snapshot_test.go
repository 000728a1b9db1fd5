package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/domain"
)

func testState() *State {
	return &State{
		OpenOrders: []domain.Order{{
			ClientOrderID: "mm-1",
			OrderID:       "v-1",
			Symbol:        "BTCUSDT",
			Side:          domain.SideBuy,
			Price:         decimal.RequireFromString("50000.10"),
			Qty:           decimal.RequireFromString("0.001"),
			Status:        domain.StatusNew,
		}},
		MarketData: map[string]domain.MarketSnapshot{
			"BTCUSDT": {Symbol: "BTCUSDT", Mid: decimal.RequireFromString("50000.15"), WallStatus: domain.WallBalanced},
		},
		Risk: &domain.RiskSnapshot{
			InitialEquity: decimal.NewFromInt(10000),
			PeakEquity:    decimal.RequireFromString("10012.5"),
			Day:           "2026-03-02",
		},
	}
}

func TestStateStore_SaveAndLoad(t *testing.T) {
	store := NewStateStore(filepath.Join(t.TempDir(), "state", "state.json"), nil)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Save(testState()))
	_, err := os.Stat(store.tmpPath())
	assert.True(t, os.IsNotExist(err), "tmp is renamed away")

	raw, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	for _, key := range []string{`"open_orders"`, `"market_data"`, `"risk"`, `"saved_at"`, `"50000.1"`} {
		assert.Contains(t, string(raw), key)
	}

	got, err := store.Load()
	require.NoError(t, err)
	require.Len(t, got.OpenOrders, 1)
	assert.Equal(t, "mm-1", got.OpenOrders[0].ClientOrderID)
	assert.Equal(t, "50000.1", got.OpenOrders[0].Price.String())
	assert.True(t, decimal.RequireFromString("50000.15").Equal(got.MarketData["BTCUSDT"].Mid))
	require.NotNil(t, got.Risk)
	assert.Equal(t, "2026-03-02", got.Risk.Day)
	assert.True(t, got.SavedAt.Equal(now))
}

func TestStateStore_LoadMissing(t *testing.T) {
	store := NewStateStore(filepath.Join(t.TempDir(), "state.json"), nil)

	got, err := store.Load()
	require.NoError(t, err)
	assert.True(t, got.Empty())
}

func TestStateStore_PrefersNewerTmp(t *testing.T) {
	store := NewStateStore(filepath.Join(t.TempDir(), "state.json"), nil)
	require.NoError(t, store.Save(&State{}))

	crashed := testState()
	crashed.OpenOrders[0].ClientOrderID = "from-tmp"
	require.NoError(t, writeSync(store.tmpPath(), mustJSON(t, crashed)))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(store.tmpPath(), later, later))

	got, err := store.Load()
	require.NoError(t, err)
	require.Len(t, got.OpenOrders, 1)
	assert.Equal(t, "from-tmp", got.OpenOrders[0].ClientOrderID)

	_, err = os.Stat(store.tmpPath())
	assert.True(t, os.IsNotExist(err), "tmp promoted over the committed file")
	again, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "from-tmp", again.OpenOrders[0].ClientOrderID)
}

func TestStateStore_CorruptTmpFallsBack(t *testing.T) {
	store := NewStateStore(filepath.Join(t.TempDir(), "state.json"), nil)
	require.NoError(t, store.Save(testState()))

	require.NoError(t, os.WriteFile(store.tmpPath(), []byte(`{"open_orders": [`), 0o600))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(store.tmpPath(), later, later))

	got, err := store.Load()
	require.NoError(t, err)
	require.Len(t, got.OpenOrders, 1)
	assert.Equal(t, "mm-1", got.OpenOrders[0].ClientOrderID)

	_, err = os.Stat(store.tmpPath())
	assert.True(t, os.IsNotExist(err), "corrupt tmp removed")
}

func TestStateStore_CorruptCommittedFails(t *testing.T) {
	store := NewStateStore(filepath.Join(t.TempDir(), "state.json"), nil)
	require.NoError(t, os.WriteFile(store.Path(), []byte("not json"), 0o600))

	_, err := store.Load()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unmarshal"))
}

func mustJSON(t *testing.T, st *State) []byte {
	t.Helper()
	data, err := json.Marshal(st)
	require.NoError(t, err)
	return data
}
