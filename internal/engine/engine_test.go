package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/domain"
	"tradecore/internal/event"
	"tradecore/internal/execution"
	"tradecore/internal/ledger"
	"tradecore/internal/risk"
	"tradecore/internal/storage"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func lvl(price, qty string) domain.PriceLevel {
	return domain.PriceLevel{Price: d(price), Qty: d(qty)}
}

type harness struct {
	engine  *Engine
	ledger  *ledger.Ledger
	monitor *risk.Monitor
	paper   *execution.PaperVenue
	state   *storage.StateStore
}

func newHarness(t *testing.T, statePath string) *harness {
	t.Helper()
	symbols := []string{"BTCUSDT"}
	paper := execution.NewPaperVenue(execution.PaperConfig{}, nil)
	l := ledger.New(paper, ledger.Config{Symbols: symbols, PollInterval: time.Hour}, nil, nil)
	paper.SetUpdates(l.Inbox())

	monitor := risk.NewMonitor(risk.Config{
		InitialEquity: d("10000"),
		Limits:        risk.Limits{MaxDrawdownPct: d("0.5"), DailyLossPct: d("0.5")},
	}, nil)
	guard := risk.NewGuard(monitor, l, nil, symbols, time.Minute, nil, nil)
	l.AddSink(monitor)
	l.AddSink(guard)

	state := storage.NewStateStore(statePath, nil)
	e := New(Config{Symbols: symbols, PersistInterval: time.Hour}, Deps{
		Ledger:  l,
		Monitor: monitor,
		Guard:   guard,
		State:   state,
		Paper:   paper,
	})
	return &harness{engine: e, ledger: l, monitor: monitor, paper: paper, state: state}
}

func (h *harness) start(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	require.Eventually(t, h.ledger.Running, time.Second, time.Millisecond)
	return cancel, done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
		return nil
	}
}

func positionSize(m *risk.Monitor) decimal.Decimal {
	for _, p := range m.Snapshot().Positions {
		if p.Symbol == "BTCUSDT" {
			return p.Size
		}
	}
	return decimal.Zero
}

func TestEngine_BookDrivesPaperFillsIntoRisk(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.json")
	h := newHarness(t, statePath)
	cancel, done := h.start(t)
	defer cancel()

	h.engine.BookSink() <- &event.BookEvent{
		Symbol: "BTCUSDT", Snapshot: true, UpdateID: 1,
		Bids: []domain.PriceLevel{lvl("100", "5")},
		Asks: []domain.PriceLevel{lvl("101", "4")},
	}
	require.Eventually(t, func() bool { return h.engine.Book("BTCUSDT").View().Ready }, time.Second, 5*time.Millisecond)

	req, err := domain.NewPlaceOrderRequest("BTCUSDT", domain.SideBuy, d("100.5"), d("1"), domain.PostOnly())
	require.NoError(t, err)
	ack, err := h.ledger.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, domain.StatusNew, ack.Status)

	h.engine.BookSink() <- &event.BookEvent{
		Symbol: "BTCUSDT", UpdateID: 2,
		Asks: []domain.PriceLevel{lvl("100.4", "1")},
	}
	require.Eventually(t, func() bool { return positionSize(h.monitor).Equal(d("1")) }, time.Second, 5*time.Millisecond)

	o, ok := h.ledger.Get(req.ClientOrderID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusFilled, o.Status)

	cancel()
	require.NoError(t, wait(t, done))

	st, err := h.state.Load()
	require.NoError(t, err)
	require.NotNil(t, st.Risk)
	assert.Contains(t, st.MarketData, "BTCUSDT")
	assert.Empty(t, st.OpenOrders)
	require.Len(t, st.Risk.Positions, 1)
	assert.True(t, d("100.5").Equal(st.Risk.Positions[0].AvgEntryPrice))
}

func TestEngine_RestoreAfterRestart(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.json")
	first := newHarness(t, statePath)
	cancel, done := first.start(t)

	req, err := domain.NewPlaceOrderRequest("BTCUSDT", domain.SideSell, d("120"), d("2"), domain.WithClientOrderID("resting-1"))
	require.NoError(t, err)
	_, err = first.ledger.Submit(context.Background(), req)
	require.NoError(t, err)
	first.engine.PositionSink() <- &event.PositionEvent{Position: domain.Position{Symbol: "BTCUSDT", Size: d("0.5"), AvgEntryPrice: d("99")}}
	require.Eventually(t, func() bool { return positionSize(first.monitor).Equal(d("0.5")) }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, wait(t, done))

	second := newHarness(t, statePath)
	require.NoError(t, second.engine.Restore())

	o, ok := second.ledger.Get("resting-1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusNew, o.Status)
	assert.True(t, positionSize(second.monitor).Equal(d("0.5")))
}

type failingStream struct {
	errs         chan error
	connected    chan struct{}
	disconnected chan struct{}
}

func (s *failingStream) ID() string                  { return "FAKE" }
func (s *failingStream) Connect(ctx context.Context) { close(s.connected) }
func (s *failingStream) Disconnect()                 { close(s.disconnected) }
func (s *failingStream) Err() <-chan error           { return s.errs }

func TestEngine_StreamFailureStopsAndFlushes(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.json")
	h := newHarness(t, statePath)
	s := &failingStream{errs: make(chan error, 1), connected: make(chan struct{}), disconnected: make(chan struct{})}
	h.engine.AddStream(s)

	cancel, done := h.start(t)
	defer cancel()
	<-s.connected

	boom := errors.New("reconnect attempts exhausted")
	s.errs <- boom
	assert.ErrorIs(t, wait(t, done), boom)
	<-s.disconnected

	st, err := h.state.Load()
	require.NoError(t, err)
	assert.NotNil(t, st.Risk, "state flushed on failure")
}
