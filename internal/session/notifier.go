// ABOUTME: In-memory fan-out notifier for session state changes
// ABOUTME: Collaborators subscribe, receive change notifications, and re-read Snapshot

package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// ChangeKind identifies which part of the session state changed.
type ChangeKind int

const (
	ChangeConversations ChangeKind = iota
	ChangeMessages
	ChangeStream // streaming flag, buffer, sources, or tool calls
	ChangeError
)

// Change is one state-change notification. It carries no payload; receivers
// read the current state via Controller.Snapshot.
type Change struct {
	Kind ChangeKind
}

// Notifier provides in-memory pub/sub for session state changes. Subscribers
// receive a Change whenever the controller mutates observable state.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]chan Change
	logger      *slog.Logger
}

// NewNotifier creates a notifier. Pass nil logger for default.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		subscribers: make(map[string]chan Change),
		logger:      logger.With("component", "notifier"),
	}
}

// Subscribe registers a subscriber. Returns a channel that receives changes
// and a subscription ID for later unsubscription. The subscription is
// automatically cleaned up when ctx is cancelled.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan Change, string) {
	subID := uuid.New().String()
	ch := make(chan Change, subscriberBufferSize)

	n.mu.Lock()
	n.subscribers[subID] = ch
	n.mu.Unlock()

	n.logger.Debug("subscriber added", "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		n.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish sends a change to all subscribers.
// Non-blocking: changes are dropped for subscribers whose channels are full.
func (n *Notifier) Publish(change Change) {
	n.mu.RLock()
	targets := make([]chan Change, 0, len(n.subscribers))
	for _, ch := range n.subscribers {
		targets = append(targets, ch)
	}
	n.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- change:
			// Sent
		default:
			// Subscriber channel full; a dropped notification is safe
			// because receivers re-read the full snapshot anyway.
			n.logger.Debug("dropped change for slow subscriber")
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (n *Notifier) Unsubscribe(subID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch, ok := n.subscribers[subID]
	if !ok {
		return
	}
	delete(n.subscribers, subID)
	close(ch)

	n.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the notifier and closes all subscriber channels.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for subID, ch := range n.subscribers {
		close(ch)
		delete(n.subscribers, subID)
	}

	n.logger.Debug("notifier closed")
}
