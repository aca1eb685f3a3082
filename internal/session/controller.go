// ABOUTME: Session controller owning conversations, messages, and streaming state
// ABOUTME: All mutations are serialized by one mutex; collaborators read snapshots

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arden-labs/parley/internal/codec"
	"github.com/arden-labs/parley/internal/store"
	"github.com/arden-labs/parley/internal/toolcall"
	"github.com/arden-labs/parley/internal/transport"
)

// ErrNoConversation is returned when an action requires a selected conversation.
var ErrNoConversation = errors.New("no conversation selected")

// ErrSuperseded is returned when an asynchronous result was discarded because
// a newer request bumped the session epoch. It is informational, never a
// user-facing failure.
var ErrSuperseded = errors.New("superseded by newer request")

const (
	// timeoutText is the user-facing message for a timeout terminal event,
	// kept distinct from ordinary stream errors.
	timeoutText = "The request timed out. Please try again."

	// previewLimit bounds the cached last-message preview on conversations.
	previewLimit = 160

	// persistTimeout bounds detached persistence writes so they survive
	// cancellation of the exchange that produced them.
	persistTimeout = 5 * time.Second
)

// Options tunes controller behavior. Zero values pick defaults.
type Options struct {
	// HistoryLimit is the page size for conversation history loads.
	HistoryLimit int
	// ResolverWindow is how many recent conversations a topic lookup scans.
	// Matches beyond the window are missed and a new conversation is
	// created; that recall limit is accepted by design.
	ResolverWindow int
	// Locale is forwarded with each outbound message.
	Locale string
}

func (o *Options) applyDefaults() {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
	if o.ResolverWindow <= 0 {
		o.ResolverWindow = 20
	}
}

// Snapshot is a point-in-time copy of the observable session state.
type Snapshot struct {
	Conversations []*store.Conversation
	SelectedID    string
	Messages      []*store.Message
	Streaming     bool
	Buffer        string
	Sources       []codec.Source
	ToolCalls     []toolcall.Call
	Err           string
}

// Controller coordinates conversation resolution, one streaming exchange at a
// time, and the observable session state. It is safe for concurrent use; all
// state mutations are serialized by its mutex, so interleaving callbacks from
// the transport cannot corrupt an exchange.
type Controller struct {
	store     store.Store
	transport transport.Transport
	notifier  *Notifier
	logger    *slog.Logger
	opts      Options

	mu            sync.Mutex
	epoch         int64
	conversations []*store.Conversation
	selectedID    string
	messages      []*store.Message
	streaming     bool
	buffer        strings.Builder
	sources       []codec.Source
	tools         *toolcall.Tracker
	lastErr       string
	active        *exchange
}

// New creates a session controller. Pass nil logger for the default.
func New(st store.Store, tr transport.Transport, logger *slog.Logger, opts Options) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	return &Controller{
		store:     st,
		transport: tr,
		notifier:  NewNotifier(logger),
		logger:    logger.With("component", "session"),
		opts:      opts,
		tools:     toolcall.NewTracker(),
	}
}

// Notifier returns the change notifier for state subscriptions.
func (c *Controller) Notifier() *Notifier {
	return c.notifier
}

// Snapshot returns a copy of the observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Conversations: make([]*store.Conversation, len(c.conversations)),
		SelectedID:    c.selectedID,
		Messages:      make([]*store.Message, len(c.messages)),
		Streaming:     c.streaming,
		Buffer:        c.buffer.String(),
		ToolCalls:     c.tools.Snapshot(),
		Err:           c.lastErr,
	}
	copy(snap.Conversations, c.conversations)
	copy(snap.Messages, c.messages)
	if len(c.sources) > 0 {
		snap.Sources = make([]codec.Source, len(c.sources))
		copy(snap.Sources, c.sources)
	}
	return snap
}

// SendMessage sends a user message on the selected conversation and opens the
// response stream. The user message is recorded before the stream opens, so a
// record exists even if the transport fails. If an exchange is still
// streaming, it is force-finalized through the partial-commit path first.
func (c *Controller) SendMessage(ctx context.Context, content string) error {
	if content == "" {
		return fmt.Errorf("content is required")
	}

	c.mu.Lock()
	if c.selectedID == "" {
		c.mu.Unlock()
		return ErrNoConversation
	}
	conversationID := c.selectedID
	topicKey := ""
	for _, conv := range c.conversations {
		if conv.ID == conversationID {
			topicKey = conv.TopicKey
			break
		}
	}

	// Starting a new exchange implies the prior one is finalized. Commit
	// whatever it buffered, then abort its transport outside the lock.
	var prevHandle transport.Handle
	if c.active != nil {
		prev := c.active
		commit := c.finalizePartialLocked(prev)
		prevHandle = prev.handle
		c.mu.Unlock()
		commit()
		c.mu.Lock()
	}

	userMsg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           store.RoleUser,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	c.messages = append(c.messages, userMsg)
	c.streaming = true
	c.buffer.Reset()
	c.sources = nil
	c.tools.Clear()
	c.lastErr = ""

	ex := &exchange{ctrl: c, conversationID: conversationID}
	c.active = ex
	c.mu.Unlock()

	if prevHandle != nil {
		prevHandle.Abort()
	}
	c.notifier.Publish(Change{Kind: ChangeMessages})
	c.notifier.Publish(Change{Kind: ChangeStream})

	// Record first, then act: the user message is persisted before the
	// stream opens.
	if err := c.store.SaveMessage(ctx, userMsg); err != nil {
		c.failExchange(ex, fmt.Sprintf("failed to record message: %v", err))
		return fmt.Errorf("recording user message: %w", err)
	}

	handle, err := c.transport.OpenStream(ctx, transport.StreamRequest{
		ConversationID: conversationID,
		Content:        content,
		TopicKey:       topicKey,
		Locale:         c.opts.Locale,
		IdempotencyKey: uuid.New().String(),
	}, ex)
	if err != nil {
		c.failExchange(ex, err.Error())
		return fmt.Errorf("opening stream: %w", err)
	}

	c.mu.Lock()
	if ex.finalized {
		// Cancelled while the stream was being opened; the transport
		// handle arrived too late to be useful.
		c.mu.Unlock()
		handle.Abort()
		return nil
	}
	ex.handle = handle
	c.mu.Unlock()

	c.logger.Debug("stream opened",
		"conversation_id", conversationID,
		"topic_key", topicKey)
	return nil
}

// failExchange surfaces an error for an exchange that could not proceed.
// A failure arriving after the exchange was superseded or finalized is
// dropped; the global streaming state belongs to the newer exchange.
func (c *Controller) failExchange(ex *exchange, message string) {
	c.mu.Lock()
	if ex.finalized || c.active != ex {
		c.mu.Unlock()
		c.logger.Debug("dropping failure for superseded exchange",
			"conversation_id", ex.conversationID)
		return
	}
	c.finalizeErrorLocked(ex, message)
	c.mu.Unlock()
	c.notifier.Publish(Change{Kind: ChangeStream})
	c.notifier.Publish(Change{Kind: ChangeError})
}

// Cancel aborts the in-flight exchange, if any. Buffered content is committed
// as a partial assistant message before the transport is torn down, so
// user-visible content is never silently lost.
func (c *Controller) Cancel() {
	c.mu.Lock()
	ex := c.active
	if ex == nil {
		c.mu.Unlock()
		return
	}
	commit := c.finalizePartialLocked(ex)
	handle := ex.handle
	c.mu.Unlock()

	commit()
	if handle != nil {
		handle.Abort()
	}
	c.notifier.Publish(Change{Kind: ChangeMessages})
	c.notifier.Publish(Change{Kind: ChangeStream})

	c.logger.Debug("exchange cancelled", "conversation_id", ex.conversationID)
}

// SelectConversation switches the selected conversation and reloads its
// history. Exchange-scoped state (buffer, sources, tool calls) belongs to the
// previous conversation and is cleared; an in-flight exchange is finalized
// through the partial-commit path first.
func (c *Controller) SelectConversation(ctx context.Context, id string) error {
	conv, err := c.store.GetConversation(ctx, id)
	if err != nil {
		c.setError(fmt.Sprintf("failed to open conversation: %v", err))
		return fmt.Errorf("loading conversation: %w", err)
	}

	c.mu.Lock()
	c.epoch++
	epoch := c.epoch

	var prevHandle transport.Handle
	var commit func()
	if c.active != nil {
		prev := c.active
		commit = c.finalizePartialLocked(prev)
		prevHandle = prev.handle
	}

	c.selectedID = conv.ID
	c.upsertConversationLocked(conv)
	c.messages = nil
	c.buffer.Reset()
	c.sources = nil
	c.tools.Clear()
	c.mu.Unlock()

	if commit != nil {
		commit()
	}
	if prevHandle != nil {
		prevHandle.Abort()
	}
	c.notifier.Publish(Change{Kind: ChangeStream})
	c.notifier.Publish(Change{Kind: ChangeMessages})

	return c.loadHistory(ctx, conv.ID, epoch)
}

// LoadConversations refreshes the conversation list from the directory.
func (c *Controller) LoadConversations(ctx context.Context) error {
	conversations, _, err := c.store.ListConversations(ctx, c.opts.ResolverWindow)
	if err != nil {
		c.setError(fmt.Sprintf("failed to list conversations: %v", err))
		return fmt.Errorf("listing conversations: %w", err)
	}

	c.mu.Lock()
	c.conversations = conversations
	c.mu.Unlock()
	c.notifier.Publish(Change{Kind: ChangeConversations})
	return nil
}

// DeleteConversation removes a conversation. If it is the selected one, any
// in-flight exchange is discarded (its target is going away) and the
// selection is cleared.
func (c *Controller) DeleteConversation(ctx context.Context, id string) error {
	c.mu.Lock()
	var handle transport.Handle
	if c.active != nil && c.active.conversationID == id {
		ex := c.active
		ex.finalized = true
		handle = ex.handle
		c.resetExchangeStateLocked()
		c.logger.Debug("discarding exchange for deleted conversation", "conversation_id", id)
	}
	c.mu.Unlock()
	if handle != nil {
		handle.Abort()
	}

	if err := c.store.DeleteConversation(ctx, id); err != nil {
		c.setError(fmt.Sprintf("failed to delete conversation: %v", err))
		return fmt.Errorf("deleting conversation: %w", err)
	}

	c.mu.Lock()
	for i, conv := range c.conversations {
		if conv.ID == id {
			c.conversations = append(c.conversations[:i], c.conversations[i+1:]...)
			break
		}
	}
	if c.selectedID == id {
		c.selectedID = ""
		c.messages = nil
	}
	c.mu.Unlock()

	c.notifier.Publish(Change{Kind: ChangeConversations})
	c.notifier.Publish(Change{Kind: ChangeMessages})
	return nil
}

// ClearError clears the session error. Errors are sticky until a collaborator
// explicitly clears them.
func (c *Controller) ClearError() {
	c.mu.Lock()
	c.lastErr = ""
	c.mu.Unlock()
	c.notifier.Publish(Change{Kind: ChangeError})
}

// Close releases the notifier and aborts any in-flight exchange.
func (c *Controller) Close() {
	c.Cancel()
	c.notifier.Close()
}

// setError records a session error, replacing any previous one.
func (c *Controller) setError(message string) {
	c.mu.Lock()
	c.lastErr = message
	c.mu.Unlock()
	c.notifier.Publish(Change{Kind: ChangeError})
}

// upsertConversationLocked moves or inserts a conversation at the front of
// the in-memory list.
func (c *Controller) upsertConversationLocked(conv *store.Conversation) {
	for i, existing := range c.conversations {
		if existing.ID == conv.ID {
			c.conversations = append(c.conversations[:i], c.conversations[i+1:]...)
			break
		}
	}
	c.conversations = append([]*store.Conversation{conv}, c.conversations...)
}

// resetExchangeStateLocked clears all exchange-scoped state.
func (c *Controller) resetExchangeStateLocked() {
	c.streaming = false
	c.buffer.Reset()
	c.sources = nil
	c.tools.Clear()
	c.active = nil
}

// loadHistory fetches messages for a conversation and installs them if the
// captured epoch is still current.
func (c *Controller) loadHistory(ctx context.Context, conversationID string, epoch int64) error {
	messages, err := c.store.GetMessages(ctx, conversationID, c.opts.HistoryLimit, 0)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.logger.Debug("discarding stale history load",
			"conversation_id", conversationID,
			"epoch", epoch)
		return ErrSuperseded
	}
	if err != nil {
		c.lastErr = fmt.Sprintf("failed to load history: %v", err)
		c.mu.Unlock()
		c.notifier.Publish(Change{Kind: ChangeError})
		return fmt.Errorf("loading history: %w", err)
	}
	c.messages = messages
	c.mu.Unlock()

	c.notifier.Publish(Change{Kind: ChangeMessages})
	return nil
}
