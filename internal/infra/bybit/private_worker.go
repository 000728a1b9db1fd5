package bybit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/gorilla/websocket"

	"tradecore/internal/event"
	"tradecore/internal/infra"
)

// Private stream topics.
const (
	TopicOrder    = "order"
	TopicPosition = "position"
	TopicWallet   = "wallet"
)

// PrivateSinks are the bounded channels the private stream feeds.
// A nil channel drops that topic.
type PrivateSinks struct {
	Orders    chan<- *event.OrderEvent
	Positions chan<- *event.PositionEvent
	Wallet    chan<- *event.WalletEvent
	// OnDisconnect runs after a session drops; pushes may have been lost.
	OnDisconnect func()
}

// PrivateWorker streams the account's orders, positions and wallet.
type PrivateWorker struct {
	base   *infra.BaseWSWorker
	url    string
	signer *Signer
	sinks  PrivateSinks
	seq    event.Sequencer
	logger *slog.Logger
}

// NewPrivateWorker authenticates on every open and subscribes the private topics.
func NewPrivateWorker(url string, signer *Signer, sinks PrivateSinks, opts StreamOptions) *PrivateWorker {
	w := &PrivateWorker{
		url:    url,
		signer: signer,
		sinks:  sinks,
		logger: opts.logger(),
	}
	w.base = infra.NewBaseWSWorker(w)
	opts.apply(w.base)
	w.base.Subscribe(TopicOrder, TopicPosition, TopicWallet)
	return w
}

func (w *PrivateWorker) ID() string     { return "BYBIT_PRIVATE" }
func (w *PrivateWorker) GetURL() string { return w.url }

// Connect starts the reconnect loop.
func (w *PrivateWorker) Connect(ctx context.Context) { w.base.Start(ctx) }

// Disconnect stops the worker and waits for its loop to exit.
func (w *PrivateWorker) Disconnect() { w.base.Stop() }

// Err reports reconnect exhaustion.
func (w *PrivateWorker) Err() <-chan error { return w.base.Err() }

// Worker exposes the transport for health checks.
func (w *PrivateWorker) Worker() *infra.BaseWSWorker { return w.base }

func (w *PrivateWorker) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	return authenticate(conn, w.signer)
}

func (w *PrivateWorker) SubscribeMessages(topics []string) ([][]byte, error) {
	return subscribeMessages(topics)
}

func (w *PrivateWorker) OnPing(ctx context.Context, base *infra.BaseWSWorker) error {
	return base.Write(websocket.TextMessage, pingFrame)
}

func (w *PrivateWorker) OnDisconnect(err error) {
	if w.sinks.OnDisconnect != nil {
		w.sinks.OnDisconnect()
	}
}

func (w *PrivateWorker) OnMessage(ctx context.Context, msg []byte) {
	var m streamMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		w.logger.Warn("Private stream: undecodable message", slog.Any("err", err))
		return
	}
	if isControl(m) {
		logControl(w.logger, w.ID(), m)
		return
	}

	switch m.Topic {
	case TopicOrder:
		w.handleOrders(ctx, m)
	case TopicPosition:
		w.handlePositions(ctx, m)
	case TopicWallet:
		w.handleWallet(ctx, m)
	}
}

func (w *PrivateWorker) handleOrders(ctx context.Context, m streamMessage) {
	if w.sinks.Orders == nil {
		return
	}
	var list []wireOrder
	if err := json.Unmarshal(m.Data, &list); err != nil {
		w.logger.Warn("Private stream: bad order payload", slog.Any("err", err))
		return
	}
	ts := msTime(m.Ts)
	for _, wo := range list {
		o, err := normalizeOrder(wo)
		if err != nil {
			w.logger.Warn("Private stream: skipping order", slog.Any("err", err))
			continue
		}
		ev := &event.OrderEvent{BaseEvent: w.seq.Next(ts), Order: o, Source: event.SourcePush}
		select {
		case w.sinks.Orders <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (w *PrivateWorker) handlePositions(ctx context.Context, m streamMessage) {
	if w.sinks.Positions == nil {
		return
	}
	var list []wirePosition
	if err := json.Unmarshal(m.Data, &list); err != nil {
		w.logger.Warn("Private stream: bad position payload", slog.Any("err", err))
		return
	}
	ts := msTime(m.Ts)
	for _, wp := range list {
		p, err := normalizePosition(wp)
		if err != nil {
			w.logger.Warn("Private stream: skipping position", slog.Any("err", err))
			continue
		}
		select {
		case w.sinks.Positions <- &event.PositionEvent{BaseEvent: w.seq.Next(ts), Position: p}:
		case <-ctx.Done():
			return
		}
	}
}

func (w *PrivateWorker) handleWallet(ctx context.Context, m streamMessage) {
	if w.sinks.Wallet == nil {
		return
	}
	var list []wireWallet
	if err := json.Unmarshal(m.Data, &list); err != nil {
		w.logger.Warn("Private stream: bad wallet payload", slog.Any("err", err))
		return
	}
	for _, ww := range list {
		equity, available, err := parseWallet(ww)
		if err != nil {
			w.logger.Warn("Private stream: skipping wallet", slog.Any("err", err))
			continue
		}
		ev := &event.WalletEvent{BaseEvent: w.seq.Next(msTime(m.Ts)), Equity: equity, Available: available}
		select {
		case w.sinks.Wallet <- ev:
		case <-ctx.Done():
			return
		}
	}
}
