// ABOUTME: WebSocket streaming transport using gorilla/websocket
// ABOUTME: One JSON text message per logical event, decoded via the codec

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arden-labs/parley/internal/codec"
)

const wsPath = "/v1/chat/ws"

// WSTransport opens exchanges as WebSocket streams. Each text message from
// the server is one logical event unit.
type WSTransport struct {
	baseURL string
	token   string
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

// NewWSTransport creates a WebSocket transport for the given server base URL
// (http/https URLs are rewritten to ws/wss). Pass nil logger for the default.
func NewWSTransport(baseURL, token string, handshakeTimeout time.Duration, logger *slog.Logger) *WSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{
		baseURL: baseURL,
		token:   token,
		dialer:  &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		logger:  logger.With("component", "transport", "kind", "websocket"),
	}
}

// wsHandle closes the connection on Abort.
type wsHandle struct {
	conn    *websocket.Conn
	aborted atomic.Bool
	once    sync.Once
}

func (h *wsHandle) Abort() {
	h.aborted.Store(true)
	h.once.Do(func() { h.conn.Close() })
}

// OpenStream dials the server, sends the request as a single JSON message,
// and starts consuming events.
func (t *WSTransport) OpenStream(ctx context.Context, req StreamRequest, obs Events) (Handle, error) {
	wsURL, err := t.endpoint()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}

	conn, resp, err := t.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("websocket dial rejected: %s", resp.Status)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending stream request: %w", err)
	}

	handle := &wsHandle{conn: conn}
	go t.consume(handle, obs, req.ConversationID)

	return handle, nil
}

// endpoint converts the HTTP base URL into the ws endpoint URL.
func (t *WSTransport) endpoint() (string, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + wsPath
	return u.String(), nil
}

// consume reads messages until the connection closes, dispatching decoded
// events. Undecodable messages are skipped.
func (t *WSTransport) consume(handle *wsHandle, obs Events, conversationID string) {
	defer handle.once.Do(func() { handle.conn.Close() })

	var done sync.Once
	defer done.Do(obs.OnDone)

	for {
		msgType, data, err := handle.conn.ReadMessage()
		if err != nil {
			if handle.aborted.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("websocket stream closed", "conversation_id", conversationID)
				return
			}
			obs.OnError(fmt.Errorf("reading websocket stream: %w", err))
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		ev, ok := codec.DecodeUnit(data)
		if !ok {
			t.logger.Debug("skipping undecodable websocket unit", "conversation_id", conversationID)
			continue
		}
		obs.OnEvent(ev)
	}
}
