// ABOUTME: Store interface and data types for parley persistence
// ABOUTME: Defines Conversation, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when trying to create a conversation that already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation represents one chat conversation, optionally correlated to a
// topic key such as a subject symbol.
type Conversation struct {
	ID          string
	Title       string
	TopicKey    string
	LastMessage string
	Archived    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message represents a single message within a conversation.
// TokenCount and Model are known only after an assistant message finalizes.
type Message struct {
	ID             string
	ConversationID string
	Role           string // "user" or "assistant"
	Content        string
	TokenCount     *int
	Model          string
	CreatedAt      time.Time
}

// ConversationUpdate carries the mutable conversation fields.
// Nil fields are left untouched.
type ConversationUpdate struct {
	Title    *string
	Archived *bool
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]*Conversation, int, error)
	UpdateConversation(ctx context.Context, id string, update ConversationUpdate) (*Conversation, error)
	TouchConversation(ctx context.Context, id, lastMessage string) error
	DeleteConversation(ctx context.Context, id string) error

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
