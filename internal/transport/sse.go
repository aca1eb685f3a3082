// ABOUTME: SSE streaming transport over HTTP POST
// ABOUTME: Feeds the response body through the event codec chunk by chunk

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arden-labs/parley/internal/codec"
)

const (
	streamPath = "/v1/chat/stream"
	// readBufferSize is the chunk size for reading the response body.
	// Chunks are reassembled by the codec, so the size only affects latency.
	readBufferSize = 4096
)

// SSETransport opens exchanges as server-sent event streams over HTTP.
type SSETransport struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewSSETransport creates an SSE transport for the given server base URL.
// The timeout bounds the whole request including streaming; zero means no
// client-side bound (the server signals timeouts as stream events).
// Pass nil logger for the default.
func NewSSETransport(baseURL, token string, timeout time.Duration, logger *slog.Logger) *SSETransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSETransport{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "transport", "kind", "sse"),
	}
}

// sseHandle cancels the in-flight request on Abort.
type sseHandle struct {
	cancel  context.CancelFunc
	aborted atomic.Bool
}

func (h *sseHandle) Abort() {
	h.aborted.Store(true)
	h.cancel()
}

// OpenStream sends the message and starts consuming the event stream.
// Connection and HTTP-status failures are returned directly; everything
// after the stream is established flows through obs.
func (t *SSETransport) OpenStream(ctx context.Context, req StreamRequest, obs Events) (Handle, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding stream request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, t.baseURL+streamPath, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("building stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if t.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("stream request rejected: %s", resp.Status)
	}

	handle := &sseHandle{cancel: cancel}
	go t.consume(resp.Body, handle, obs, req.ConversationID)

	return handle, nil
}

// consume reads the body until EOF or error, dispatching decoded events.
func (t *SSETransport) consume(body io.ReadCloser, handle *sseHandle, obs Events, conversationID string) {
	defer handle.cancel()
	defer body.Close()

	var done sync.Once
	defer done.Do(obs.OnDone)

	decoder := codec.NewDecoder(t.logger)
	buf := make([]byte, readBufferSize)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, ev := range decoder.Feed(buf[:n]) {
				obs.OnEvent(ev)
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			// An abort closes the body under us; that is expected closure,
			// not a transport failure.
			if handle.aborted.Load() {
				t.logger.Debug("stream aborted", "conversation_id", conversationID)
				return
			}
			obs.OnError(fmt.Errorf("reading stream: %w", err))
			return
		}
	}
}
