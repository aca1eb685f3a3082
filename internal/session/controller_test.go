// ABOUTME: Tests for the session controller
// ABOUTME: Drives a scripted transport against a real SQLite store

package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arden-labs/parley/internal/codec"
	"github.com/arden-labs/parley/internal/store"
	"github.com/arden-labs/parley/internal/toolcall"
	"github.com/arden-labs/parley/internal/transport"
)

// fakeHandle records aborts.
type fakeHandle struct {
	aborted atomic.Bool
}

func (h *fakeHandle) Abort() { h.aborted.Store(true) }

// fakeTransport captures stream requests and hands the observer back to the
// test, which then plays events directly.
type fakeTransport struct {
	mu      sync.Mutex
	opens   []transport.StreamRequest
	obs     transport.Events
	handles []*fakeHandle
	openErr error
}

func (f *fakeTransport) OpenStream(_ context.Context, req transport.StreamRequest, obs transport.Events) (transport.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opens = append(f.opens, req)
	f.obs = obs
	h := &fakeHandle{}
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeTransport) observer() transport.Events {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.obs
}

func (f *fakeTransport) lastHandle() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[len(f.handles)-1]
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opens)
}

func newTestController(t *testing.T) (*Controller, *fakeTransport, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tr := &fakeTransport{}
	c := New(st, tr, nil, Options{Locale: "en"})
	t.Cleanup(c.Close)
	return c, tr, st
}

func seedConversation(t *testing.T, st store.Store, topicKey string) *store.Conversation {
	t.Helper()
	conv := &store.Conversation{
		ID:        uuid.New().String(),
		Title:     "Test " + topicKey,
		TopicKey:  topicKey,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, st.CreateConversation(context.Background(), conv))
	return conv
}

func TestSendMessage_StreamLifecycle(t *testing.T) {
	c, tr, st := newTestController(t)
	ctx := context.Background()
	conv := seedConversation(t, st, "AAPL")
	require.NoError(t, c.SelectConversation(ctx, conv.ID))

	require.NoError(t, c.SendMessage(ctx, "How did it close?"))

	snap := c.Snapshot()
	assert.True(t, snap.Streaming)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, store.RoleUser, snap.Messages[0].Role)

	req := tr.opens[0]
	assert.Equal(t, conv.ID, req.ConversationID)
	assert.Equal(t, "AAPL", req.TopicKey)
	assert.Equal(t, "en", req.Locale)
	assert.NotEmpty(t, req.IdempotencyKey)

	obs := tr.observer()
	obs.OnEvent(codec.Event{Kind: codec.KindSources, Sources: []codec.Source{{ID: "s1", Title: "Filing"}}})
	obs.OnEvent(codec.Event{Kind: codec.KindToolCallStart, ToolCall: &codec.ToolCallStart{ID: "t1", Name: "quote"}})
	obs.OnEvent(codec.Event{Kind: codec.KindContentDelta, Delta: "It closed "})
	obs.OnEvent(codec.Event{Kind: codec.KindContentDelta, Delta: "up 2%."})
	obs.OnEvent(codec.Event{Kind: codec.KindToolCallResult, ToolResult: &codec.ToolCallResult{ID: "t1", Success: true}})

	snap = c.Snapshot()
	assert.Equal(t, "It closed up 2%.", snap.Buffer)
	require.Len(t, snap.Sources, 1)
	require.Len(t, snap.ToolCalls, 1)
	assert.Equal(t, toolcall.StatusCompleted, snap.ToolCalls[0].Status)

	tokens := 42
	obs.OnEvent(codec.Event{Kind: codec.KindMessageEnd, End: &codec.MessageEnd{
		MessageID:  "m-final",
		TokenCount: &tokens,
		Model:      "atlas-2",
	}})
	obs.OnDone()

	snap = c.Snapshot()
	assert.False(t, snap.Streaming)
	assert.Empty(t, snap.Buffer)
	assert.Empty(t, snap.ToolCalls, "tool calls are scoped to the exchange")
	require.Len(t, snap.Messages, 2)
	final := snap.Messages[1]
	assert.Equal(t, "m-final", final.ID)
	assert.Equal(t, store.RoleAssistant, final.Role)
	assert.Equal(t, "It closed up 2%.", final.Content)
	assert.Equal(t, "atlas-2", final.Model)
	require.NotNil(t, final.TokenCount)
	assert.Equal(t, 42, *final.TokenCount)

	// Both sides of the exchange are persisted.
	msgs, err := st.GetMessages(ctx, conv.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)

	// The conversation preview reflects the response.
	got, err := st.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "It closed up 2%.", got.LastMessage)
}

func TestSendMessage_TerminalContentWinsOverBuffer(t *testing.T) {
	c, tr, st := newTestController(t)
	ctx := context.Background()
	conv := seedConversation(t, st, "MSFT")
	require.NoError(t, c.SelectConversation(ctx, conv.ID))
	require.NoError(t, c.SendMessage(ctx, "hi"))

	obs := tr.observer()
	obs.OnEvent(codec.Event{Kind: codec.KindContentDelta, Delta: "draft text"})
	obs.OnEvent(codec.Event{Kind: codec.KindMessageEnd, End: &codec.MessageEnd{
		MessageID: "m1",
		Content:   "authoritative text",
	}})

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "authoritative text", snap.Messages[1].Content)
}

func TestSendMessage_NoConversation(t *testing.T) {
	c, _, _ := newTestController(t)
	err := c.SendMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNoConversation)
}

func TestSendMessage_RecordsUserMessageBeforeStreamFailure(t *testing.T) {
	c, tr, st := newTestController(t)
	ctx := context.Background()
	conv := seedConversation(t, st, "AAPL")
	require.NoError(t, c.SelectConversation(ctx, conv.ID))

	tr.openErr = errors.New("connection refused")
	err := c.SendMessage(ctx, "hello")
	require.Error(t, err)

	// The user message survives the transport failure.
	msgs, err := st.GetMessages(ctx, conv.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.RoleUser, msgs[0].Role)

	snap := c.Snapshot()
	assert.False(t, snap.Streaming)
	assert.Contains(t, snap.Err, "connection refused")
}

func TestMessageEndThenDone_FinalizesOnce(t *testing.T) {
	c, tr, st := newTestController(t)
	ctx := context.Background()
	conv := seedConversation(t, st, "AAPL")
	require.NoError(t, c.SelectConversation(ctx, conv.ID))
	require.NoError(t, c.SendMessage(ctx, "hi"))

	obs := tr.observer()
	obs.OnEvent(codec.Event{Kind: codec.KindContentDelta, Delta: "done"})
	obs.OnEvent(codec.Event{Kind: codec.KindMessageEnd, End: &codec.MessageEnd{MessageID: "m1"}})
	obs.OnDone()
	obs.OnDone() // transports tolerate double closure; so does the exchange

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 2)

	msgs, err := st.GetMessages(ctx, conv.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestCancel_CommitsPartialContent(t *testing.T) {
	c, tr, st := newTestController(t)
	ctx := context.Background()
	conv := seedConversation(t, st, "AAPL")
	require.NoError(t, c.SelectConversation(ctx, conv.ID))
	require.NoError(t, c.SendMessage(ctx, "hi"))

	obs := tr.observer()
	obs.OnEvent(codec.Event{Kind: codec.KindContentDelta, Delta: "partial answ"})

	c.Cancel()

	assert.True(t, tr.lastHandle().aborted.Load())

	snap := c.Snapshot()
	assert.False(t, snap.Streaming)
	assert.Empty(t, snap.Buffer)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "partial answ", snap.Messages[1].Content)
	assert.Equal(t, store.RoleAssistant, snap.Messages[1].Role)

	msgs, err := st.GetMessages(ctx, conv.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial answ", msgs[1].Content)

	// Late events from the aborted stream are dropped.
	obs.OnEvent(codec.Event{Kind: codec.KindContentDelta, Delta: "ignored"})
	obs.OnDone()
	snap = c.Snapshot()
	assert.Empty(t, snap.Buffer)
	assert.Len(t, snap.Messages, 2)
}

func TestCancel_EmptyBufferCommitsNothing(t *testing.T) {
	c, tr, st := newTestController(t)
	ctx := context.Background()
	conv := seedConversation(t, st, "AAPL")
	require.NoError(t, c.SelectConversation(ctx, conv.ID))
	require.NoError(t, c.SendMessage(ctx, "hi"))

	c.Cancel()

	assert.True(t, tr.lastHandle().aborted.Load())
	snap := c.Snapshot()
	assert.False(t, snap.Streaming)
	require.Len(t, snap.Messages, 1)

	msgs, err := st.GetMessages(ctx, conv.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestCancel_NoExchangeIsNoOp(t *testing.T) {
	c, _, _ := newTestController(t)
	c.Cancel()
	assert.False(t, c.Snapshot().Streaming)
}

func TestClosureWithoutTerminal_CommitsPartial(t *testing.T) {
	c, tr, st := newTestController(t)
	ctx := context.Background()
	conv := seedConversation(t, st, "AAPL")
	require.NoError(t, c.SelectConversation(ctx, conv.ID))
	require.NoError(t, c.SendMessage(ctx, "hi"))

	obs := tr.observer()
	obs.OnEvent(codec.Event{Kind: codec.KindContentDelta, Delta: "truncated resp"})
	obs.OnDone()

	snap := c.Snapshot()
	assert.False(t, snap.Streaming)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "truncated resp", snap.Messages[1].Content)

	msgs, err := st.GetMessages(ctx, conv.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestErrorEvent_DiscardsBufferAndSurfacesError(t *testing.T) {
	c, tr, st := newTestController(t)
	ctx := context.Background()
	conv := seedConversation(t, st, "AAPL")
	require.NoError(t, c.SelectConversation(ctx, conv.ID))
	require.NoError(t, c.SendMessage(ctx, "hi"))

	obs := tr.observer()
	obs.OnEvent(codec.Event{Kind: codec.KindToolCallStart, ToolCall: &codec.ToolCallStart{ID: "t1", Name: "quote"}})
	obs.OnEvent(codec.Event{Kind: codec.KindContentDelta, Delta: "half an answ"})
	obs.OnEvent(codec.Event{Kind: codec.KindError, Message: "rate limited"})
	obs.OnDone()

	snap := c.Snapshot()
	assert.False(t, snap.Streaming)
	assert.Empty(t, snap.Buffer)
	assert.Empty(t, snap.ToolCalls)
	assert.Equal(t, "rate limited", snap.Err)
	require.Len(t, snap.Messages, 1, "failed exchange must not commit content")

	msgs, err := st.GetMessages(ctx, conv.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	c.ClearError()
	assert.Empty(t, c.Snapshot().Err)
}

func TestTimeoutEvent_SurfacesTimeoutMessage(t *testing.T) {
	c, tr, st := newTestController(t)
	ctx := context.Background()
	conv := seedConversation(t, st, "AAPL")
	require.NoError(t, c.SelectConversation(ctx, conv.ID))
	require.NoError(t, c.SendMessage(ctx, "hi"))

	tr.observer().OnEvent(codec.Event{Kind: codec.KindTimeout})

	snap := c.Snapshot()
	assert.False(t, snap.Streaming)
	assert.Equal(t, timeoutText, snap.Err)
}

func TestTransportError_SurfacedAndBufferDiscarded(t *testing.T) {
	c, tr, st := newTestController(t)
	ctx := context.Background()
	conv := seedConversation(t, st, "AAPL")
	require.NoError(t, c.SelectConversation(ctx, conv.ID))
	require.NoError(t, c.SendMessage(ctx, "hi"))

	obs := tr.observer()
	obs.OnEvent(codec.Event{Kind: codec.KindContentDelta, Delta: "lost"})
	obs.OnError(errors.New("reading stream: unexpected EOF"))
	obs.OnDone()

	snap := c.Snapshot()
	assert.False(t, snap.Streaming)
	assert.Empty(t, snap.Buffer)
	assert.Contains(t, snap.Err, "unexpected EOF")
	assert.Len(t, snap.Messages, 1)
}

func TestSendMessage_SupersedesInFlightExchange(t *testing.T) {
	c, tr, st := newTestController(t)
	ctx := context.Background()
	conv := seedConversation(t, st, "AAPL")
	require.NoError(t, c.SelectConversation(ctx, conv.ID))

	require.NoError(t, c.SendMessage(ctx, "first"))
	firstObs := tr.observer()
	firstHandle := tr.lastHandle()
	firstObs.OnEvent(codec.Event{Kind: codec.KindContentDelta, Delta: "half of first"})

	require.NoError(t, c.SendMessage(ctx, "second"))
	require.Equal(t, 2, tr.openCount())
	assert.True(t, firstHandle.aborted.Load())

	// The first exchange's partial content was committed before the second
	// user message.
	snap := c.Snapshot()
	require.Len(t, snap.Messages, 3)
	assert.Equal(t, "first", snap.Messages[0].Content)
	assert.Equal(t, "half of first", snap.Messages[1].Content)
	assert.Equal(t, store.RoleAssistant, snap.Messages[1].Role)
	assert.Equal(t, "second", snap.Messages[2].Content)
	assert.True(t, snap.Streaming)
	assert.Empty(t, snap.Buffer)

	// Stragglers from the first stream land nowhere.
	firstObs.OnEvent(codec.Event{Kind: codec.KindContentDelta, Delta: "stale"})
	firstObs.OnEvent(codec.Event{Kind: codec.KindMessageEnd, End: &codec.MessageEnd{MessageID: "stale"}})
	firstObs.OnDone()

	snap = c.Snapshot()
	assert.Empty(t, snap.Buffer)
	assert.Len(t, snap.Messages, 3)
	assert.True(t, snap.Streaming)

	msgs, err := st.GetMessages(ctx, conv.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

// gatedTransport parks the first OpenStream call and fails it when the gate
// is released; later calls go through the embedded fake.
type gatedTransport struct {
	fakeTransport
	gate   chan struct{}
	parked chan struct{}
	calls  atomic.Int32
}

func (g *gatedTransport) OpenStream(ctx context.Context, req transport.StreamRequest, obs transport.Events) (transport.Handle, error) {
	if g.calls.Add(1) == 1 {
		close(g.parked)
		<-g.gate
		return nil, errors.New("slow connect failed")
	}
	return g.fakeTransport.OpenStream(ctx, req, obs)
}

func TestSendMessage_SupersededOpenFailureLeavesSuccessorIntact(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tr := &gatedTransport{gate: make(chan struct{}), parked: make(chan struct{})}
	c := New(st, tr, nil, Options{})
	t.Cleanup(c.Close)

	ctx := context.Background()
	conv := seedConversation(t, st, "AAPL")
	require.NoError(t, c.SelectConversation(ctx, conv.ID))

	// The first exchange parks while opening its stream.
	errCh := make(chan error, 1)
	go func() { errCh <- c.SendMessage(ctx, "first") }()
	<-tr.parked

	// A second exchange supersedes it and starts buffering content.
	require.NoError(t, c.SendMessage(ctx, "second"))
	tr.observer().OnEvent(codec.Event{Kind: codec.KindContentDelta, Delta: "B's answer so far"})

	// The parked open now fails; its error belongs to a finalized
	// exchange and must not touch the live one.
	close(tr.gate)
	require.ErrorContains(t, <-errCh, "slow connect failed")

	snap := c.Snapshot()
	assert.True(t, snap.Streaming, "successor stream must stay live")
	assert.Equal(t, "B's answer so far", snap.Buffer)
	assert.Empty(t, snap.Err, "stale failure must not surface")

	// The live exchange still finalizes normally.
	tr.observer().OnEvent(codec.Event{Kind: codec.KindMessageEnd, End: &codec.MessageEnd{MessageID: "m1"}})
	snap = c.Snapshot()
	assert.False(t, snap.Streaming)
	assert.Equal(t, "B's answer so far", snap.Messages[len(snap.Messages)-1].Content)
}

// gatedListStore parks ListConversations and fails it when released.
type gatedListStore struct {
	store.Store
	gate    chan struct{}
	blocked chan struct{}
}

func (s *gatedListStore) ListConversations(ctx context.Context, limit int) ([]*store.Conversation, int, error) {
	close(s.blocked)
	<-s.gate
	return nil, 0, errors.New("directory unavailable")
}

func TestOpenTopic_StaleResolutionFailureNotSurfaced(t *testing.T) {
	inner, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { inner.Close() })

	ctx := context.Background()
	convB := seedConversation(t, inner, "MSFT")

	st := &gatedListStore{
		Store:   inner,
		gate:    make(chan struct{}),
		blocked: make(chan struct{}),
	}
	tr := &fakeTransport{}
	c := New(st, tr, nil, Options{})
	t.Cleanup(c.Close)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.OpenTopic(ctx, "NVDA", "NVIDIA Corp")
		errCh <- err
	}()

	// Let a newer selection bump the epoch, then fail the parked scan.
	<-st.blocked
	require.NoError(t, c.SelectConversation(ctx, convB.ID))
	close(st.gate)

	require.ErrorIs(t, <-errCh, ErrSuperseded)

	snap := c.Snapshot()
	assert.Empty(t, snap.Err, "stale resolution failure must not surface")
	assert.Equal(t, convB.ID, snap.SelectedID)
}

func TestFinalize_PreviewKeepsRuneBoundary(t *testing.T) {
	c, tr, st := newTestController(t)
	ctx := context.Background()
	conv := seedConversation(t, st, "AAPL")
	require.NoError(t, c.SelectConversation(ctx, conv.ID))
	require.NoError(t, c.SendMessage(ctx, "hi"))

	// 100 three-byte runes; the preview limit falls mid-rune.
	content := strings.Repeat("→", 100)
	obs := tr.observer()
	obs.OnEvent(codec.Event{Kind: codec.KindContentDelta, Delta: content})
	obs.OnEvent(codec.Event{Kind: codec.KindMessageEnd, End: &codec.MessageEnd{MessageID: "m1"}})

	got, err := st.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(got.LastMessage))
	assert.Equal(t, strings.Repeat("→", 53), got.LastMessage)
}

func TestSelectConversation_ClearsExchangeState(t *testing.T) {
	c, tr, st := newTestController(t)
	ctx := context.Background()
	convA := seedConversation(t, st, "AAPL")
	convB := seedConversation(t, st, "MSFT")

	require.NoError(t, c.SelectConversation(ctx, convA.ID))
	require.NoError(t, c.SendMessage(ctx, "question for A"))
	obs := tr.observer()
	handle := tr.lastHandle()
	obs.OnEvent(codec.Event{Kind: codec.KindContentDelta, Delta: "partial for A"})
	obs.OnEvent(codec.Event{Kind: codec.KindToolCallStart, ToolCall: &codec.ToolCallStart{ID: "t1", Name: "quote"}})

	require.NoError(t, c.SelectConversation(ctx, convB.ID))

	assert.True(t, handle.aborted.Load())
	snap := c.Snapshot()
	assert.Equal(t, convB.ID, snap.SelectedID)
	assert.False(t, snap.Streaming)
	assert.Empty(t, snap.Buffer)
	assert.Empty(t, snap.ToolCalls)
	assert.Empty(t, snap.Sources)
	assert.Empty(t, snap.Messages)

	// The partial from A was still committed to A's history.
	msgs, err := st.GetMessages(ctx, convA.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial for A", msgs[1].Content)
}

func TestSelectConversation_NotFound(t *testing.T) {
	c, _, _ := newTestController(t)
	err := c.SelectConversation(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NotEmpty(t, c.Snapshot().Err)
}

// blockingStore parks GetMessages calls for one conversation ID so another
// selection can overtake the parked history load.
type blockingStore struct {
	store.Store
	blockID string
	gate    chan struct{}
	blocked chan struct{}
}

func (s *blockingStore) GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]*store.Message, error) {
	if conversationID == s.blockID {
		close(s.blocked)
		<-s.gate
	}
	return s.Store.GetMessages(ctx, conversationID, limit, offset)
}

func TestSelectConversation_StaleHistoryLoadDiscarded(t *testing.T) {
	inner, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { inner.Close() })

	ctx := context.Background()
	convA := seedConversation(t, inner, "AAPL")
	convB := seedConversation(t, inner, "MSFT")
	require.NoError(t, inner.SaveMessage(ctx, &store.Message{
		ID:             uuid.New().String(),
		ConversationID: convB.ID,
		Role:           store.RoleUser,
		Content:        "hello B",
		CreatedAt:      time.Now(),
	}))

	st := &blockingStore{
		Store:   inner,
		blockID: convA.ID,
		gate:    make(chan struct{}),
		blocked: make(chan struct{}),
	}
	tr := &fakeTransport{}
	c := New(st, tr, nil, Options{})
	t.Cleanup(c.Close)

	errCh := make(chan error, 1)
	go func() { errCh <- c.SelectConversation(ctx, convA.ID) }()

	// Wait for A's history load to park, then let B's selection run to
	// completion; only then release A so its captured epoch is stale.
	<-st.blocked
	require.NoError(t, c.SelectConversation(ctx, convB.ID))
	close(st.gate)

	require.ErrorIs(t, <-errCh, ErrSuperseded)

	snap := c.Snapshot()
	assert.Equal(t, convB.ID, snap.SelectedID)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "hello B", snap.Messages[0].Content)
}

func TestOpenTopic_ReusesRecentConversation(t *testing.T) {
	c, _, st := newTestController(t)
	ctx := context.Background()
	existing := seedConversation(t, st, "NVDA")

	conv, err := c.OpenTopic(ctx, "NVDA", "NVIDIA Corp")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, conv.ID)
	assert.Equal(t, existing.ID, c.Snapshot().SelectedID)
}

func TestOpenTopic_CreatesWhenMissing(t *testing.T) {
	c, _, st := newTestController(t)
	ctx := context.Background()

	conv, err := c.OpenTopic(ctx, "NVDA", "NVIDIA Corp")
	require.NoError(t, err)
	assert.Equal(t, "NVDA", conv.TopicKey)
	assert.Equal(t, "NVIDIA Corp", conv.Title)

	got, err := st.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "NVDA", got.TopicKey)
	assert.Equal(t, conv.ID, c.Snapshot().SelectedID)
}

func TestOpenTopic_SkipsArchivedConversations(t *testing.T) {
	c, _, st := newTestController(t)
	ctx := context.Background()
	existing := seedConversation(t, st, "NVDA")
	archived := true
	_, err := st.UpdateConversation(ctx, existing.ID, store.ConversationUpdate{Archived: &archived})
	require.NoError(t, err)

	conv, err := c.OpenTopic(ctx, "NVDA", "NVIDIA Corp")
	require.NoError(t, err)
	assert.NotEqual(t, existing.ID, conv.ID)
}

func TestOpenTopic_MatchBeyondWindowCreatesFresh(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tr := &fakeTransport{}
	c := New(st, tr, nil, Options{ResolverWindow: 3})
	t.Cleanup(c.Close)

	ctx := context.Background()
	old := seedConversation(t, st, "NVDA")
	// Push the match outside the window with newer conversations.
	base := time.Now()
	for i := 0; i < 3; i++ {
		conv := &store.Conversation{
			ID:        uuid.New().String(),
			TopicKey:  "OTHER",
			CreatedAt: base.Add(time.Duration(i+1) * time.Second),
			UpdatedAt: base.Add(time.Duration(i+1) * time.Second),
		}
		require.NoError(t, st.CreateConversation(ctx, conv))
	}

	conv, err := c.OpenTopic(ctx, "NVDA", "NVIDIA Corp")
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, conv.ID, "matches beyond the window are not found")
}

func TestOpenTopic_RequiresKey(t *testing.T) {
	c, _, _ := newTestController(t)
	_, err := c.OpenTopic(context.Background(), "", "title")
	require.Error(t, err)
}

func TestDeleteConversation_DiscardsInFlightExchange(t *testing.T) {
	c, tr, st := newTestController(t)
	ctx := context.Background()
	conv := seedConversation(t, st, "AAPL")
	require.NoError(t, c.SelectConversation(ctx, conv.ID))
	require.NoError(t, c.SendMessage(ctx, "hi"))

	obs := tr.observer()
	handle := tr.lastHandle()
	obs.OnEvent(codec.Event{Kind: codec.KindContentDelta, Delta: "doomed content"})

	require.NoError(t, c.DeleteConversation(ctx, conv.ID))

	assert.True(t, handle.aborted.Load())
	snap := c.Snapshot()
	assert.Empty(t, snap.SelectedID)
	assert.False(t, snap.Streaming)
	assert.Empty(t, snap.Buffer)
	assert.Empty(t, snap.Messages)
	assert.Empty(t, snap.Conversations)

	_, err := st.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Discarded means discarded: late closure commits nothing anywhere.
	obs.OnDone()
	assert.Empty(t, c.Snapshot().Messages)
}

func TestDeleteConversation_OtherConversationKeepsExchange(t *testing.T) {
	c, tr, st := newTestController(t)
	ctx := context.Background()
	convA := seedConversation(t, st, "AAPL")
	convB := seedConversation(t, st, "MSFT")
	require.NoError(t, c.LoadConversations(ctx))
	require.NoError(t, c.SelectConversation(ctx, convA.ID))
	require.NoError(t, c.SendMessage(ctx, "hi"))

	require.NoError(t, c.DeleteConversation(ctx, convB.ID))

	snap := c.Snapshot()
	assert.True(t, snap.Streaming)
	assert.Equal(t, convA.ID, snap.SelectedID)
	assert.False(t, tr.lastHandle().aborted.Load())
}

func TestLoadConversations_RefreshesDirectory(t *testing.T) {
	c, _, st := newTestController(t)
	ctx := context.Background()
	seedConversation(t, st, "AAPL")
	seedConversation(t, st, "MSFT")

	require.NoError(t, c.LoadConversations(ctx))
	assert.Len(t, c.Snapshot().Conversations, 2)
}

func TestSnapshot_IsACopy(t *testing.T) {
	c, tr, st := newTestController(t)
	ctx := context.Background()
	conv := seedConversation(t, st, "AAPL")
	require.NoError(t, c.SelectConversation(ctx, conv.ID))
	require.NoError(t, c.SendMessage(ctx, "hi"))
	tr.observer().OnEvent(codec.Event{Kind: codec.KindContentDelta, Delta: "abc"})

	snap := c.Snapshot()
	snap.Messages[0] = nil
	snap.Conversations = append(snap.Conversations, nil)

	fresh := c.Snapshot()
	require.Len(t, fresh.Messages, 1)
	assert.NotNil(t, fresh.Messages[0])
}
