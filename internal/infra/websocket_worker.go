package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrReconnectExhausted is reported on Err() when a channel gives up reconnecting.
var ErrReconnectExhausted = errors.New("stream reconnect attempts exhausted")

var errNotConnected = errors.New("ws not connected")

// WebSocketHandler defines venue-specific logic for the BaseWSWorker.
type WebSocketHandler interface {
	GetURL() string
	// OnConnect runs before the connection is published, e.g. to authenticate.
	OnConnect(ctx context.Context, conn *websocket.Conn) error
	// SubscribeMessages encodes subscription requests for topics.
	SubscribeMessages(topics []string) ([][]byte, error)
	OnMessage(ctx context.Context, msg []byte)
	OnPing(ctx context.Context, w *BaseWSWorker) error
	ID() string
}

// DisconnectHandler is optionally implemented by handlers that must react to a dropped session.
type DisconnectHandler interface {
	OnDisconnect(err error)
}

// BaseWSWorker manages the lifecycle of a WebSocket connection.
// It owns exactly one reconnect loop, re-sends the full topic set on every
// open and treats a silent connection (no message within ReadTimeout) as dead.
type BaseWSWorker struct {
	handler WebSocketHandler
	mu      sync.RWMutex
	conn    *websocket.Conn
	topics  map[string]struct{}
	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errCh   chan error

	ReadTimeout          time.Duration
	PingInterval         time.Duration
	Reconnect            Backoff
	MaxReconnectAttempts int // 0 = unlimited
	Metrics              *Metrics
	connected            chan struct{}
}

// NewBaseWSWorker creates a new generic WebSocket worker.
func NewBaseWSWorker(handler WebSocketHandler) *BaseWSWorker {
	return &BaseWSWorker{
		handler:      handler,
		topics:       make(map[string]struct{}),
		errCh:        make(chan error, 1),
		ReadTimeout:  60 * time.Second,
		PingInterval: 20 * time.Second,
		Reconnect:    Backoff{Base: time.Second, Max: 60 * time.Second},
		connected:    make(chan struct{}, 1),
	}
}

// Start initiates the connection loop.
func (w *BaseWSWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.runLoop(ctx)
}

// Stop terminates the worker.
func (w *BaseWSWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.close()
	w.wg.Wait()
}

// Err reports fatal channel conditions such as ErrReconnectExhausted.
func (w *BaseWSWorker) Err() <-chan error { return w.errCh }

// Connected reports whether a session is currently open.
func (w *BaseWSWorker) Connected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.conn != nil
}

// WaitConnected blocks until the next successful open or ctx is done.
func (w *BaseWSWorker) WaitConnected(ctx context.Context) error {
	if w.Connected() {
		return nil
	}
	select {
	case <-w.connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe adds topics to the held set and subscribes immediately when connected.
func (w *BaseWSWorker) Subscribe(topics ...string) error {
	var fresh []string
	w.mu.Lock()
	for _, t := range topics {
		if _, ok := w.topics[t]; !ok {
			w.topics[t] = struct{}{}
			fresh = append(fresh, t)
		}
	}
	c := w.conn
	w.mu.Unlock()

	if c == nil || len(fresh) == 0 {
		return nil
	}
	return w.sendSubscriptions(fresh)
}

// Topics returns the held topic set, sorted.
func (w *BaseWSWorker) Topics() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.sortedTopics()
}

func (w *BaseWSWorker) sortedTopics() []string {
	out := make([]string, 0, len(w.topics))
	for t := range w.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (w *BaseWSWorker) runLoop(ctx context.Context) {
	defer w.wg.Done()
	eb := w.Reconnect.Exponential()
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := w.connect(ctx)
		if err == nil {
			eb.Reset()
			attempts = 0
			err = w.process(ctx)
			if ctx.Err() != nil {
				return
			}
		}
		if dh, ok := w.handler.(DisconnectHandler); ok {
			dh.OnDisconnect(err)
		}

		attempts++
		if w.MaxReconnectAttempts > 0 && attempts > w.MaxReconnectAttempts {
			slog.Error("WS reconnect attempts exhausted",
				slog.String("id", w.handler.ID()),
				slog.Int("attempts", attempts-1))
			select {
			case w.errCh <- fmt.Errorf("%s: %w", w.handler.ID(), ErrReconnectExhausted):
			default:
			}
			return
		}

		delay := eb.NextBackOff()
		w.Metrics.IncReconnect(w.handler.ID())
		slog.Warn("WS disconnected, reconnecting",
			slog.String("id", w.handler.ID()),
			slog.Any("err", err),
			slog.Int("attempt", attempts),
			slog.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (w *BaseWSWorker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := make(http.Header)
	header.Set("User-Agent", GetUserAgent())

	conn, _, err := dialer.DialContext(ctx, w.handler.GetURL(), header)
	if err != nil {
		return err
	}

	if err := w.handler.OnConnect(ctx, conn); err != nil {
		conn.Close()
		return fmt.Errorf("OnConnect failed: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	topics := w.sortedTopics()
	w.mu.Unlock()

	if len(topics) > 0 {
		if err := w.sendSubscriptions(topics); err != nil {
			w.close()
			return fmt.Errorf("resubscribe failed: %w", err)
		}
	}

	select {
	case w.connected <- struct{}{}:
	default:
	}
	slog.Info("WS Connected", slog.String("id", w.handler.ID()), slog.Int("topics", len(topics)))
	return nil
}

func (w *BaseWSWorker) sendSubscriptions(topics []string) error {
	msgs, err := w.handler.SubscribeMessages(topics)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := w.Write(websocket.TextMessage, m); err != nil {
			return err
		}
	}
	return nil
}

func (w *BaseWSWorker) process(ctx context.Context) error {
	w.mu.RLock()
	c := w.conn
	w.mu.RUnlock()
	if c == nil {
		return errNotConnected
	}

	sessionCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	if w.PingInterval > 0 {
		go w.pingLoop(sessionCtx)
	}

	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(w.ReadTimeout))
	})

	for {
		c.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			w.close()
			return err
		}
		w.Metrics.IncMessage(w.handler.ID())
		w.handler.OnMessage(ctx, msg)
	}
}

func (w *BaseWSWorker) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(w.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.handler.OnPing(ctx, w); err != nil {
				slog.Warn("WS Ping error", slog.String("id", w.handler.ID()), slog.Any("err", err))
				w.close()
				return
			}
		}
	}
}

// Write sends one frame on the current session.
func (w *BaseWSWorker) Write(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	c := w.conn
	w.mu.RUnlock()

	if c == nil {
		return errNotConnected
	}

	c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.WriteMessage(msgType, data)
}

func (w *BaseWSWorker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}
