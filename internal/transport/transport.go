// ABOUTME: Streaming transport abstraction for conversational exchanges
// ABOUTME: Defines the OpenStream contract shared by the SSE and WebSocket clients

package transport

import (
	"context"

	"github.com/arden-labs/parley/internal/codec"
)

// StreamRequest carries the outbound user message for one exchange.
type StreamRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	TopicKey       string `json:"topic_key,omitempty"`
	Locale         string `json:"locale,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Events receives stream notifications for one exchange.
//
// OnEvent is invoked once per decoded event, in arrival order. OnError is
// invoked on transport failure mid-stream. OnDone is invoked exactly once
// when the underlying connection closes, regardless of whether a terminal
// event was seen. Implementations must tolerate OnDone after OnError.
type Events interface {
	OnEvent(ev codec.Event)
	OnError(err error)
	OnDone()
}

// Handle controls an open stream.
type Handle interface {
	// Abort cancels the underlying transport, which closes the stream.
	// Closure is then observed through the ordinary Events path.
	Abort()
}

// Transport opens one event stream per exchange.
//
// OpenStream returns an error only for failures before the stream is
// established; once a Handle is returned, all further outcomes arrive
// through the Events observer.
type Transport interface {
	OpenStream(ctx context.Context, req StreamRequest, obs Events) (Handle, error)
}
