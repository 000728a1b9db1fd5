package bybit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"tradecore/internal/infra"
)

// maxArgsPerSubscribe is the venue limit of topics in one subscribe request.
const maxArgsPerSubscribe = 10

const authTimeout = 10 * time.Second

var pingFrame = []byte(`{"op":"ping"}`)

// StreamOptions tunes the transport of every stream worker.
type StreamOptions struct {
	ReadTimeout          time.Duration
	PingInterval         time.Duration
	Reconnect            infra.Backoff
	MaxReconnectAttempts int
	Metrics              *infra.Metrics
	Logger               *slog.Logger
}

func (o StreamOptions) apply(w *infra.BaseWSWorker) {
	if o.ReadTimeout > 0 {
		w.ReadTimeout = o.ReadTimeout
	}
	if o.PingInterval > 0 {
		w.PingInterval = o.PingInterval
	}
	if o.Reconnect.Base > 0 {
		w.Reconnect = o.Reconnect
	}
	w.MaxReconnectAttempts = o.MaxReconnectAttempts
	w.Metrics = o.Metrics
}

func (o StreamOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

type opRequest struct {
	ReqID string `json:"req_id,omitempty"`
	Op    string `json:"op"`
	Args  []any  `json:"args"`
}

// subscribeMessages encodes topics in venue-sized chunks.
func subscribeMessages(topics []string) ([][]byte, error) {
	var out [][]byte
	for start := 0; start < len(topics); start += maxArgsPerSubscribe {
		end := min(start+maxArgsPerSubscribe, len(topics))
		args := make([]any, 0, end-start)
		for _, t := range topics[start:end] {
			args = append(args, t)
		}
		b, err := json.Marshal(opRequest{ReqID: infra.NewID(), Op: "subscribe", Args: args})
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// authenticate runs the auth handshake on a fresh connection, before it is
// handed to the reader loop.
func authenticate(conn *websocket.Conn, signer *Signer) error {
	if !signer.HasCredentials() {
		return fmt.Errorf("stream auth: missing API credentials")
	}
	req := opRequest{Op: "auth", Args: signer.StreamAuthArgs(authTimeout)}
	conn.SetWriteDeadline(time.Now().Add(authTimeout))
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("stream auth: write: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("stream auth: read: %w", err)
		}
		var resp streamMessage
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Op != "auth" {
			continue
		}
		if authOK(resp) {
			return nil
		}
		return fmt.Errorf("stream auth rejected: %s%s", resp.OpMsg, resp.RetMsg)
	}
}

// authOK accepts both the private ("success") and trade ("retCode") reply shapes.
func authOK(m streamMessage) bool {
	if m.Success != nil {
		return *m.Success
	}
	return m.RetCode != nil && *m.RetCode == 0
}

// isControl reports op replies such as pong and subscribe acks.
func isControl(m streamMessage) bool {
	return m.Op != "" && m.Topic == ""
}

func logControl(logger *slog.Logger, id string, m streamMessage) {
	if m.Success != nil && !*m.Success {
		logger.Warn("Stream op failed",
			slog.String("id", id),
			slog.String("op", m.Op),
			slog.String("msg", m.OpMsg))
	}
}

func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func bookTopic(depth int, symbol string) string {
	return "orderbook." + strconv.Itoa(depth) + "." + symbol
}
