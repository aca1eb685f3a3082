// ABOUTME: One streaming exchange: receives transport events and finalizes
// ABOUTME: Each exchange finalizes exactly once; late events are dropped

package session

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/arden-labs/parley/internal/codec"
	"github.com/arden-labs/parley/internal/store"
	"github.com/arden-labs/parley/internal/transport"
)

// exchange is the observer for one in-flight response stream. The controller
// mutex serializes its callbacks against controller actions; once finalized
// is set, every further callback is a no-op.
type exchange struct {
	ctrl           *Controller
	conversationID string
	finalized      bool
	handle         transport.Handle
}

var _ transport.Events = (*exchange)(nil)

// OnEvent applies one decoded event to the session state.
func (e *exchange) OnEvent(ev codec.Event) {
	c := e.ctrl
	c.mu.Lock()
	if c.active != e || e.finalized {
		c.mu.Unlock()
		c.logger.Debug("dropping event for finalized exchange",
			"conversation_id", e.conversationID,
			"kind", ev.Kind.String())
		return
	}

	switch ev.Kind {
	case codec.KindContentDelta:
		c.buffer.WriteString(ev.Delta)
		c.mu.Unlock()
		c.notifier.Publish(Change{Kind: ChangeStream})

	case codec.KindSources:
		c.sources = append([]codec.Source(nil), ev.Sources...)
		c.mu.Unlock()
		c.notifier.Publish(Change{Kind: ChangeStream})

	case codec.KindToolCallStart:
		c.tools.OnStart(ev.ToolCall.ID, ev.ToolCall.Name, ev.ToolCall.Label)
		c.mu.Unlock()
		c.notifier.Publish(Change{Kind: ChangeStream})

	case codec.KindToolCallResult:
		c.tools.OnResult(ev.ToolResult.ID, ev.ToolResult.Success)
		c.mu.Unlock()
		c.notifier.Publish(Change{Kind: ChangeStream})

	case codec.KindMessageEnd:
		commit := c.finalizeEndLocked(e, ev.End)
		c.mu.Unlock()
		commit()
		c.notifier.Publish(Change{Kind: ChangeMessages})
		c.notifier.Publish(Change{Kind: ChangeStream})

	case codec.KindError:
		c.finalizeErrorLocked(e, ev.Message)
		c.mu.Unlock()
		c.notifier.Publish(Change{Kind: ChangeStream})
		c.notifier.Publish(Change{Kind: ChangeError})

	case codec.KindTimeout:
		c.finalizeErrorLocked(e, timeoutText)
		c.mu.Unlock()
		c.notifier.Publish(Change{Kind: ChangeStream})
		c.notifier.Publish(Change{Kind: ChangeError})

	default:
		c.mu.Unlock()
	}
}

// OnError finalizes the exchange with a transport failure. Content buffered
// before the failure is discarded; the error is surfaced instead.
func (e *exchange) OnError(err error) {
	c := e.ctrl
	c.mu.Lock()
	if c.active != e || e.finalized {
		c.mu.Unlock()
		return
	}
	c.finalizeErrorLocked(e, err.Error())
	c.mu.Unlock()
	c.notifier.Publish(Change{Kind: ChangeStream})
	c.notifier.Publish(Change{Kind: ChangeError})
}

// OnDone handles stream closure. If the stream already delivered a terminal
// event this is a no-op; otherwise closure without a terminal event commits
// the buffered content as a partial message.
func (e *exchange) OnDone() {
	c := e.ctrl
	c.mu.Lock()
	if c.active != e || e.finalized {
		c.mu.Unlock()
		return
	}
	c.logger.Debug("stream closed without terminal event",
		"conversation_id", e.conversationID)
	commit := c.finalizePartialLocked(e)
	c.mu.Unlock()
	commit()
	c.notifier.Publish(Change{Kind: ChangeMessages})
	c.notifier.Publish(Change{Kind: ChangeStream})
}

// finalizeEndLocked completes an exchange on message_end. The authoritative
// content from the terminal event wins over the accumulated buffer when
// present. Returns the persistence commit to run after unlocking.
func (c *Controller) finalizeEndLocked(e *exchange, end *codec.MessageEnd) func() {
	e.finalized = true
	c.active = nil
	c.streaming = false

	content := end.Content
	if content == "" {
		content = c.buffer.String()
	}
	c.buffer.Reset()
	c.tools.Clear()

	messageID := end.MessageID
	if messageID == "" {
		messageID = uuid.New().String()
	}

	msg := &store.Message{
		ID:             messageID,
		ConversationID: e.conversationID,
		Role:           store.RoleAssistant,
		Content:        content,
		TokenCount:     end.TokenCount,
		Model:          end.Model,
		CreatedAt:      time.Now(),
	}
	c.messages = append(c.messages, msg)

	return func() { c.persistAssistant(msg) }
}

// finalizePartialLocked completes an exchange without a terminal event
// (cancel, stream closure, or a forced takeover by a newer exchange).
// Non-empty buffered content is committed as an ordinary assistant message.
// Returns the persistence commit to run after unlocking; it is a no-op when
// nothing was buffered.
func (c *Controller) finalizePartialLocked(e *exchange) func() {
	e.finalized = true
	c.active = nil
	c.streaming = false

	content := c.buffer.String()
	c.buffer.Reset()
	c.tools.Clear()
	if content == "" {
		return func() {}
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: e.conversationID,
		Role:           store.RoleAssistant,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	c.messages = append(c.messages, msg)

	return func() { c.persistAssistant(msg) }
}

// finalizeErrorLocked completes an exchange with a failure. Buffered content
// is discarded and tool calls are cleared; only the error survives.
func (c *Controller) finalizeErrorLocked(e *exchange, message string) {
	e.finalized = true
	if c.active == e {
		c.active = nil
	}
	c.streaming = false
	c.buffer.Reset()
	c.tools.Clear()
	c.lastErr = message
}

// persistAssistant writes an assistant message and refreshes the conversation
// preview. It runs on a detached context so persistence survives whatever
// cancelled the exchange.
func (c *Controller) persistAssistant(msg *store.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := c.store.SaveMessage(ctx, msg); err != nil {
		c.logger.Error("failed to persist assistant message",
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID,
			"error", err)
		return
	}

	preview := truncateRunes(msg.Content, previewLimit)
	if err := c.store.TouchConversation(ctx, msg.ConversationID, preview); err != nil {
		c.logger.Error("failed to refresh conversation preview",
			"conversation_id", msg.ConversationID,
			"error", err)
	}
}

// truncateRunes cuts s to at most n bytes without splitting a UTF-8 rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
