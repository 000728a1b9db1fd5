package infra

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockHandler implements WebSocketHandler for testing
type mockHandler struct {
	url               string
	onConnectCalls    int32
	onMessageCalls    int32
	onDisconnectCalls int32
	mu                sync.Mutex
	messages          [][]byte
}

func (m *mockHandler) GetURL() string { return m.url }
func (m *mockHandler) ID() string     { return "MOCK" }
func (m *mockHandler) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	atomic.AddInt32(&m.onConnectCalls, 1)
	return nil
}
func (m *mockHandler) SubscribeMessages(topics []string) ([][]byte, error) {
	b, err := json.Marshal(map[string]any{"op": "subscribe", "args": topics})
	return [][]byte{b}, err
}
func (m *mockHandler) OnMessage(ctx context.Context, msg []byte) {
	atomic.AddInt32(&m.onMessageCalls, 1)
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
}
func (m *mockHandler) OnPing(ctx context.Context, w *BaseWSWorker) error {
	return w.Write(websocket.TextMessage, []byte(`{"op":"ping"}`))
}
func (m *mockHandler) OnDisconnect(err error) {
	atomic.AddInt32(&m.onDisconnectCalls, 1)
}

// createMockWSServer creates a test WebSocket server
func createMockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

// httpToWS converts http:// URL to ws://
func httpToWS(url string) string {
	return strings.Replace(url, "http://", "ws://", 1)
}

func fastWorker(h WebSocketHandler) *BaseWSWorker {
	w := NewBaseWSWorker(h)
	w.ReadTimeout = 500 * time.Millisecond
	w.PingInterval = 0
	w.Reconnect = Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	return w
}

func TestBaseWSWorker_Connect(t *testing.T) {
	server := createMockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"test"}`))
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	handler := &mockHandler{url: httpToWS(server.URL)}
	worker := fastWorker(handler)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	worker.Start(ctx)
	require.NoError(t, worker.WaitConnected(ctx))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&handler.onMessageCalls) > 0
	}, time.Second, 10*time.Millisecond)

	worker.Stop()
	assert.Positive(t, atomic.LoadInt32(&handler.onConnectCalls))
}

func TestBaseWSWorker_ResubscribesAfterReconnect(t *testing.T) {
	var sessions int32
	subs := make(chan string, 10)
	server := createMockWSServer(t, func(conn *websocket.Conn) {
		n := atomic.AddInt32(&sessions, 1)
		conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case subs <- string(msg):
			default:
			}
			if n == 1 {
				return // drop the first session after its subscription
			}
		}
	})
	defer server.Close()

	handler := &mockHandler{url: httpToWS(server.URL)}
	worker := fastWorker(handler)
	require.NoError(t, worker.Subscribe("orderbook.50.BTCUSDT", "order"))

	worker.Start(context.Background())
	defer worker.Stop()

	want := `{"args":["order","orderbook.50.BTCUSDT"],"op":"subscribe"}`
	for i := 0; i < 2; i++ {
		select {
		case got := <-subs:
			assert.JSONEq(t, want, got, "session %d", i+1)
		case <-time.After(2 * time.Second):
			t.Fatalf("no subscription on session %d", i+1)
		}
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&handler.onConnectCalls), int32(2))
	assert.Positive(t, atomic.LoadInt32(&handler.onDisconnectCalls))
}

func TestBaseWSWorker_SubscribeWhileConnected(t *testing.T) {
	received := make(chan string, 1)
	server := createMockWSServer(t, func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err == nil {
			select {
			case received <- string(msg):
			default:
			}
		}
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	worker := fastWorker(&mockHandler{url: httpToWS(server.URL)})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	worker.Start(ctx)
	defer worker.Stop()
	require.NoError(t, worker.WaitConnected(ctx))

	require.NoError(t, worker.Subscribe("wallet"))
	select {
	case got := <-received:
		assert.JSONEq(t, `{"op":"subscribe","args":["wallet"]}`, got)
	case <-ctx.Done():
		t.Fatal("server did not receive subscription")
	}
	assert.Equal(t, []string{"wallet"}, worker.Topics())
}

func TestBaseWSWorker_StaleConnectionIsDropped(t *testing.T) {
	var sessions int32
	server := createMockWSServer(t, func(conn *websocket.Conn) {
		atomic.AddInt32(&sessions, 1)
		// stay silent until the client gives up
		conn.ReadMessage()
	})
	defer server.Close()

	worker := fastWorker(&mockHandler{url: httpToWS(server.URL)})
	worker.ReadTimeout = 50 * time.Millisecond
	worker.Start(context.Background())
	defer worker.Stop()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&sessions) >= 2
	}, 2*time.Second, 10*time.Millisecond, "silent session should be replaced")
}

func TestBaseWSWorker_ReconnectExhausted(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := httpToWS(server.URL)
	server.Close()

	worker := fastWorker(&mockHandler{url: url})
	worker.MaxReconnectAttempts = 2
	worker.Start(context.Background())
	defer worker.Stop()

	select {
	case err := <-worker.Err():
		assert.ErrorIs(t, err, ErrReconnectExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("expected reconnect exhaustion")
	}
}

func TestBaseWSWorker_GracefulShutdown(t *testing.T) {
	serverClosed := make(chan struct{})
	server := createMockWSServer(t, func(conn *websocket.Conn) {
		<-serverClosed
	})
	defer server.Close()
	defer close(serverClosed)

	worker := NewBaseWSWorker(&mockHandler{url: httpToWS(server.URL)})

	ctx := context.Background()
	worker.Start(ctx)
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		worker.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Stop did not return within timeout")
	}
}

func TestBaseWSWorker_WriteWhenDisconnected(t *testing.T) {
	worker := NewBaseWSWorker(&mockHandler{url: "ws://127.0.0.1:1"})
	err := worker.Write(websocket.TextMessage, []byte("x"))
	assert.Error(t, err)
	assert.False(t, worker.Connected())
}
