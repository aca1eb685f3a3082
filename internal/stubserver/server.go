// ABOUTME: Development stub server speaking the parley streaming protocol
// ABOUTME: Serves scripted responses over SSE and WebSocket with dedupe

package stubserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/arden-labs/parley/internal/codec"
	"github.com/arden-labs/parley/internal/dedupe"
	"github.com/arden-labs/parley/internal/transport"
)

const (
	dedupeTTL     = 5 * time.Minute
	dedupeMaxSize = 1000
)

// Server replays scripted responses for incoming stream requests. It accepts
// the same requests a real backend would, so the client is exercised
// end to end without one.
type Server struct {
	scenario *Scenario
	token    string
	dedupe   *dedupe.Cache
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New creates a stub server. An empty token disables auth checks.
func New(scenario *Scenario, token string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		scenario: scenario,
		token:    token,
		dedupe:   dedupe.New(dedupeTTL, dedupeMaxSize),
		logger:   logger.With("component", "stubserver"),
	}
}

// Router returns the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/chat/stream", s.handleSSE).Methods(http.MethodPost)
	r.HandleFunc("/v1/chat/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return r
}

// Close releases the dedupe cache.
func (s *Server) Close() {
	s.dedupe.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// authorized checks the bearer token when one is configured.
func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.token
}

// resolve validates a request and picks the events to replay. A replayed
// idempotency key yields a single error event instead of a response.
func (s *Server) resolve(req transport.StreamRequest) ([]codec.Event, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("content is required")
	}
	if req.IdempotencyKey != "" && s.dedupe.Seen(req.IdempotencyKey) {
		s.logger.Warn("duplicate stream request",
			"conversation_id", req.ConversationID,
			"idempotency_key", req.IdempotencyKey)
		return []codec.Event{{Kind: codec.KindError, Message: "duplicate request"}}, nil
	}
	return s.scenario.Resolve(req.Content), nil
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req transport.StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	events, err := s.resolve(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	s.logger.Info("replaying sse stream",
		"conversation_id", req.ConversationID,
		"events", len(events))

	for _, ev := range events {
		frame, err := codec.MarshalSSE(ev)
		if err != nil {
			s.logger.Error("failed to marshal event", "error", err)
			return
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		flusher.Flush()

		if s.scenario.Delay > 0 {
			select {
			case <-time.After(s.scenario.Delay):
			case <-r.Context().Done():
				return
			}
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var req transport.StreamRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.logger.Debug("failed to read stream request", "error", err)
		return
	}

	events, err := s.resolve(req)
	if err != nil {
		events = []codec.Event{{Kind: codec.KindError, Message: err.Error()}}
	}

	s.logger.Info("replaying websocket stream",
		"conversation_id", req.ConversationID,
		"events", len(events))

	for _, ev := range events {
		unit, err := codec.MarshalUnit(ev)
		if err != nil {
			s.logger.Error("failed to marshal event", "error", err)
			break
		}
		if err := conn.WriteMessage(websocket.TextMessage, unit); err != nil {
			return
		}
		if s.scenario.Delay > 0 {
			time.Sleep(s.scenario.Delay)
		}
	}

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
