// ABOUTME: Decodes raw stream chunks into typed session events
// ABOUTME: Line-framed SSE parsing, tolerant of split chunks and malformed units

package codec

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
)

// Kind identifies the type of a session event.
type Kind int

const (
	KindContentDelta Kind = iota
	KindSources
	KindToolCallStart
	KindToolCallResult
	KindMessageEnd
	KindError
	KindTimeout
)

// String returns the wire name of the event kind.
func (k Kind) String() string {
	switch k {
	case KindContentDelta:
		return "content_delta"
	case KindSources:
		return "rag_sources"
	case KindToolCallStart:
		return "tool_call_start"
	case KindToolCallResult:
		return "tool_call_result"
	case KindMessageEnd:
		return "message_end"
	case KindError:
		return "error"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Source is a single retrieved-citation record carried by a rag_sources event.
type Source struct {
	ID      string  `json:"id,omitempty"`
	Title   string  `json:"title,omitempty"`
	URL     string  `json:"url,omitempty"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// ToolCallStart carries the identity of a tool invocation.
type ToolCallStart struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
}

// ToolCallResult carries the terminal status of a tool invocation.
type ToolCallResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
}

// MessageEnd carries the terminal payload of a successful exchange.
// Content, when non-empty, supersedes any locally accumulated buffer.
type MessageEnd struct {
	MessageID  string `json:"message_id"`
	TokenCount *int   `json:"token_count,omitempty"`
	Model      string `json:"model,omitempty"`
	Content    string `json:"content,omitempty"`
}

// Event is one decoded session event. Exactly the fields relevant to Kind
// are populated.
type Event struct {
	Kind       Kind
	Delta      string
	Sources    []Source
	ToolCall   *ToolCallStart
	ToolResult *ToolCallResult
	End        *MessageEnd
	Message    string // error text for KindError
}

// Terminal reports whether the event ends a streaming exchange.
func (e *Event) Terminal() bool {
	switch e.Kind {
	case KindMessageEnd, KindError, KindTimeout:
		return true
	}
	return false
}

// wireEvent is the JSON envelope of one logical unit on the wire.
type wireEvent struct {
	Type       string   `json:"type"`
	Delta      string   `json:"delta,omitempty"`
	Sources    []Source `json:"sources,omitempty"`
	ID         string   `json:"id,omitempty"`
	Name       string   `json:"name,omitempty"`
	Label      string   `json:"label,omitempty"`
	Success    *bool    `json:"success,omitempty"`
	MessageID  string   `json:"message_id,omitempty"`
	TokenCount *int     `json:"token_count,omitempty"`
	Model      string   `json:"model,omitempty"`
	Content    string   `json:"content,omitempty"`
	Message    string   `json:"message,omitempty"`
}

// DecodeUnit parses one logical unit (the JSON payload of a data line).
// Returns ok=false for malformed JSON or unrecognized event types; callers
// skip such units without failing the stream.
func DecodeUnit(data []byte) (Event, bool) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, false
	}

	switch w.Type {
	case "content_delta":
		return Event{Kind: KindContentDelta, Delta: w.Delta}, true

	case "rag_sources":
		return Event{Kind: KindSources, Sources: w.Sources}, true

	case "tool_call_start":
		if w.ID == "" {
			return Event{}, false
		}
		return Event{Kind: KindToolCallStart, ToolCall: &ToolCallStart{
			ID:    w.ID,
			Name:  w.Name,
			Label: w.Label,
		}}, true

	case "tool_call_result":
		if w.ID == "" || w.Success == nil {
			return Event{}, false
		}
		return Event{Kind: KindToolCallResult, ToolResult: &ToolCallResult{
			ID:      w.ID,
			Success: *w.Success,
		}}, true

	case "message_end":
		return Event{Kind: KindMessageEnd, End: &MessageEnd{
			MessageID:  w.MessageID,
			TokenCount: w.TokenCount,
			Model:      w.Model,
			Content:    w.Content,
		}}, true

	case "error":
		return Event{Kind: KindError, Message: w.Message}, true

	case "timeout":
		return Event{Kind: KindTimeout}, true
	}

	// Unknown event kinds are ignored without failing the stream
	return Event{}, false
}

// Decoder incrementally splits raw stream chunks into logical units and
// decodes them. A logical unit is one "data: <json>" SSE line; lines may be
// split across chunk boundaries, so incomplete trailing input is buffered
// until the next Feed call.
type Decoder struct {
	buf    bytes.Buffer
	logger *slog.Logger
}

// NewDecoder creates a decoder. Pass nil logger for the default.
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger.With("component", "codec")}
}

// Feed appends a raw chunk and returns all events that became complete.
// Events are returned strictly in arrival order.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf.Write(chunk)

	var events []Event
	for {
		line, ok := d.nextLine()
		if !ok {
			return events
		}
		if ev, ok := d.decodeLine(line); ok {
			events = append(events, ev)
		}
	}
}

// nextLine extracts one complete line from the buffer, or reports none.
func (d *Decoder) nextLine() (string, bool) {
	raw := d.buf.Bytes()
	idx := bytes.IndexByte(raw, '\n')
	if idx < 0 {
		return "", false
	}
	line := string(raw[:idx])
	d.buf.Next(idx + 1)
	return strings.TrimRight(line, "\r"), true
}

// decodeLine parses one SSE line. Non-data framing lines (blank separators,
// event/id fields, comments) carry no payload here and are skipped silently;
// malformed data payloads are skipped with a debug log.
func (d *Decoder) decodeLine(line string) (Event, bool) {
	if line == "" || strings.HasPrefix(line, ":") {
		return Event{}, false
	}

	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		// event:/id:/retry: framing fields - nothing to decode
		return Event{}, false
	}
	payload = strings.TrimSpace(payload)
	if payload == "" || payload == "[DONE]" {
		return Event{}, false
	}

	ev, ok := DecodeUnit([]byte(payload))
	if !ok {
		d.logger.Debug("skipping undecodable stream unit", "line", truncate(payload, 120))
		return Event{}, false
	}
	return ev, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
