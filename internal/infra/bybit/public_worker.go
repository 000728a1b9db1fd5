package bybit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/gorilla/websocket"

	"tradecore/internal/event"
	"tradecore/internal/infra"
)

// PublicWorker streams order book snapshots and deltas into a bounded channel.
type PublicWorker struct {
	base   *infra.BaseWSWorker
	url    string
	depth  int
	out    chan<- *event.BookEvent
	seq    event.Sequencer
	logger *slog.Logger
}

// NewPublicWorker subscribes orderbook.{depth}.{symbol} for every symbol.
func NewPublicWorker(url string, depth int, symbols []string, out chan<- *event.BookEvent, opts StreamOptions) *PublicWorker {
	w := &PublicWorker{
		url:    url,
		depth:  depth,
		out:    out,
		logger: opts.logger(),
	}
	w.base = infra.NewBaseWSWorker(w)
	opts.apply(w.base)
	for _, s := range symbols {
		w.base.Subscribe(bookTopic(depth, s))
	}
	return w
}

func (w *PublicWorker) ID() string     { return "BYBIT_PUBLIC" }
func (w *PublicWorker) GetURL() string { return w.url }

// Connect starts the reconnect loop.
func (w *PublicWorker) Connect(ctx context.Context) { w.base.Start(ctx) }

// Disconnect stops the worker and waits for its loop to exit.
func (w *PublicWorker) Disconnect() { w.base.Stop() }

// Err reports reconnect exhaustion.
func (w *PublicWorker) Err() <-chan error { return w.base.Err() }

// Worker exposes the transport for health checks.
func (w *PublicWorker) Worker() *infra.BaseWSWorker { return w.base }

func (w *PublicWorker) OnConnect(ctx context.Context, conn *websocket.Conn) error { return nil }

func (w *PublicWorker) SubscribeMessages(topics []string) ([][]byte, error) {
	return subscribeMessages(topics)
}

func (w *PublicWorker) OnPing(ctx context.Context, base *infra.BaseWSWorker) error {
	return base.Write(websocket.TextMessage, pingFrame)
}

func (w *PublicWorker) OnMessage(ctx context.Context, msg []byte) {
	var m streamMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		w.logger.Warn("Public stream: undecodable message", slog.Any("err", err))
		return
	}
	if isControl(m) {
		logControl(w.logger, w.ID(), m)
		return
	}
	if !strings.HasPrefix(m.Topic, "orderbook.") {
		return
	}

	var book wireBook
	if err := json.Unmarshal(m.Data, &book); err != nil {
		w.logger.Warn("Public stream: bad book payload", slog.String("topic", m.Topic), slog.Any("err", err))
		return
	}
	bids, err := parseLevels(book.Bids)
	if err != nil {
		w.logger.Warn("Public stream: bad bids", slog.String("topic", m.Topic), slog.Any("err", err))
		return
	}
	asks, err := parseLevels(book.Asks)
	if err != nil {
		w.logger.Warn("Public stream: bad asks", slog.String("topic", m.Topic), slog.Any("err", err))
		return
	}

	// update id 1 means the venue restarted the book
	snapshot := m.Type == "snapshot" || book.UpdateID == 1

	ev := &event.BookEvent{
		BaseEvent: w.seq.Next(msTime(m.Ts)),
		Symbol:    book.Symbol,
		Snapshot:  snapshot,
		Bids:      bids,
		Asks:      asks,
		UpdateID:  book.UpdateID,
	}
	select {
	case w.out <- ev:
	case <-ctx.Done():
	}
}
