// ABOUTME: Tracks in-flight tool invocations for the current exchange
// ABOUTME: Ordered set of calls with running/completed/failed status

package toolcall

// Status of a tracked tool call.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Call is one tracked tool invocation.
type Call struct {
	ID     string
	Name   string
	Label  string
	Status string
}

// Tracker maintains the ordered set of tool calls for exactly one exchange.
// It is not safe for concurrent use; the session controller serializes access.
type Tracker struct {
	calls []Call
	index map[string]int
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{index: make(map[string]int)}
}

// OnStart appends a running entry. Duplicate ids are ignored; the original
// entry keeps its position and status.
func (t *Tracker) OnStart(id, name, label string) {
	if _, exists := t.index[id]; exists {
		return
	}
	t.index[id] = len(t.calls)
	t.calls = append(t.calls, Call{
		ID:     id,
		Name:   name,
		Label:  label,
		Status: StatusRunning,
	})
}

// OnResult transitions the matching entry to completed or failed.
// Unknown ids are a no-op, defending against out-of-order or duplicate
// delivery.
func (t *Tracker) OnResult(id string, success bool) {
	i, ok := t.index[id]
	if !ok {
		return
	}
	if success {
		t.calls[i].Status = StatusCompleted
	} else {
		t.calls[i].Status = StatusFailed
	}
}

// Clear empties the set. This is the only way a running entry is removed.
func (t *Tracker) Clear() {
	t.calls = nil
	t.index = make(map[string]int)
}

// Len returns the number of tracked calls.
func (t *Tracker) Len() int {
	return len(t.calls)
}

// Snapshot returns a copy of the tracked calls in start order.
func (t *Tracker) Snapshot() []Call {
	out := make([]Call, len(t.calls))
	copy(out, t.calls)
	return out
}
