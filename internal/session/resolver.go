// ABOUTME: Topic-keyed conversation resolution with epoch-guarded installs
// ABOUTME: Reuses a recent conversation for a topic or creates a fresh one

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arden-labs/parley/internal/store"
	"github.com/arden-labs/parley/internal/transport"
)

// OpenTopic resolves the conversation for a topic key and selects it. The
// most recently updated non-archived conversation carrying the key within
// the resolver window is reused; otherwise a new conversation is created.
// Concurrent calls race through the session epoch: only the newest call
// installs its result, older ones return ErrSuperseded.
func (c *Controller) OpenTopic(ctx context.Context, topicKey, title string) (*store.Conversation, error) {
	if topicKey == "" {
		return nil, fmt.Errorf("topic key is required")
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
	c.mu.Unlock()

	if commit != nil {
		commit()
		c.notifier.Publish(Change{Kind: ChangeMessages})
		c.notifier.Publish(Change{Kind: ChangeStream})
	}
	if prevHandle != nil {
		prevHandle.Abort()
	}

	conv, fresh, err := c.resolveTopic(ctx, topicKey, title)
	if err != nil {
		c.mu.Lock()
		stale := c.epoch != epoch
		c.mu.Unlock()
		if stale {
			c.logger.Debug("discarding stale topic resolution failure",
				"topic_key", topicKey,
				"epoch", epoch)
			return nil, ErrSuperseded
		}
		c.setError(fmt.Sprintf("failed to open topic: %v", err))
		return nil, err
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.logger.Debug("discarding stale topic resolution",
			"topic_key", topicKey,
			"epoch", epoch)
		return nil, ErrSuperseded
	}
	c.selectedID = conv.ID
	c.upsertConversationLocked(conv)
	c.messages = nil
	c.buffer.Reset()
	c.sources = nil
	c.tools.Clear()
	c.mu.Unlock()

	c.notifier.Publish(Change{Kind: ChangeConversations})
	c.notifier.Publish(Change{Kind: ChangeStream})

	if fresh {
		c.notifier.Publish(Change{Kind: ChangeMessages})
		return conv, nil
	}
	if err := c.loadHistory(ctx, conv.ID, epoch); err != nil {
		return nil, err
	}
	return conv, nil
}

// resolveTopic finds a reusable conversation for the key or creates one.
// The scan is bounded by the resolver window; an older match beyond the
// window is missed and a duplicate conversation is created, which is an
// accepted trade-off for a bounded directory read.
func (c *Controller) resolveTopic(ctx context.Context, topicKey, title string) (*store.Conversation, bool, error) {
	conversations, total, err := c.store.ListConversations(ctx, c.opts.ResolverWindow)
	if err != nil {
		return nil, false, fmt.Errorf("scanning conversations: %w", err)
	}

	for _, conv := range conversations {
		if conv.TopicKey == topicKey && !conv.Archived {
			c.logger.Debug("reusing conversation for topic",
				"topic_key", topicKey,
				"conversation_id", conv.ID)
			return conv, false, nil
		}
	}

	if total > len(conversations) {
		c.logger.Debug("topic scan window exhausted, creating fresh conversation",
			"topic_key", topicKey,
			"scanned", len(conversations),
			"total", total)
	}

	conv, err := c.createConversation(ctx, title, topicKey)
	if err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

// CreateConversation creates and selects a new conversation without topic
// resolution.
func (c *Controller) CreateConversation(ctx context.Context, title, topicKey string) (*store.Conversation, error) {
	conv, err := c.createConversation(ctx, title, topicKey)
	if err != nil {
		c.setError(fmt.Sprintf("failed to create conversation: %v", err))
		return nil, err
	}
	if err := c.SelectConversation(ctx, conv.ID); err != nil {
		return nil, err
	}
	return conv, nil
}

func (c *Controller) createConversation(ctx context.Context, title, topicKey string) (*store.Conversation, error) {
	now := time.Now()
	conv := &store.Conversation{
		ID:        uuid.New().String(),
		Title:     title,
		TopicKey:  topicKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	c.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"topic_key", topicKey)
	return conv, nil
}
