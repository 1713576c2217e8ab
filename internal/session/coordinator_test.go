package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxloop/voxloop/internal/conversation"
	"github.com/voxloop/voxloop/internal/inputmux"
	"github.com/voxloop/voxloop/internal/response"
	"github.com/voxloop/voxloop/internal/transcript"
	"github.com/voxloop/voxloop/pkg/provider/llm"
	llmmock "github.com/voxloop/voxloop/pkg/provider/llm/mock"
	"github.com/voxloop/voxloop/pkg/provider/stt"
	sttmock "github.com/voxloop/voxloop/pkg/provider/stt/mock"
	"github.com/voxloop/voxloop/pkg/types"
)

// harness bundles a coordinator with its collaborators for tests.
type harness struct {
	store  *conversation.Store
	tc     *transcript.Channel
	mux    *inputmux.Mux
	coord  *Coordinator
	events <-chan Event
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, p llm.Provider, sess *sttmock.Session, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		store: conversation.NewStore(),
		mux:   inputmux.New(),
		done:  make(chan error, 1),
	}

	if sess != nil {
		h.tc = transcript.New(&sttmock.Provider{Session: sess})
		if err := h.tc.Open(context.Background()); err != nil {
			t.Fatalf("transcript Open: %v", err)
		}
	}

	rc := response.New(p)
	h.coord = New(h.store, h.tc, rc, h.mux, opts...)

	events, cancelSub := h.coord.Events().Subscribe()
	t.Cleanup(cancelSub)
	h.events = events

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.done <- h.coord.Run(ctx)
	}()
	return h
}

// stop cancels the run context and waits for Run to return.
func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return")
		return nil
	}
}

// waitEvent returns the next event of the given type, skipping others.
func (h *harness) waitEvent(t *testing.T, typ EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				t.Fatalf("event stream closed while waiting for %q", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", typ)
		}
	}
}

func newSTTSession() *sttmock.Session {
	return &sttmock.Session{
		PartialsCh: make(chan types.Transcript, 16),
		FinalsCh:   make(chan types.Transcript, 16),
	}
}

func TestTypedSubmissionProducesTurn(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Hi"},
			{Text: " there", FinishReason: "stop"},
		},
	}
	h := newHarness(t, p, newSTTSession())

	if err := h.mux.Offer(inputmux.OriginTyped, "hello"); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	frag := h.waitEvent(t, EventFragment)
	if frag.Text != "Hi" {
		t.Errorf("unexpected first fragment %q", frag.Text)
	}
	complete := h.waitEvent(t, EventTurnComplete)
	if complete.Text != "Hi there" {
		t.Errorf("unexpected assembled text %q", complete.Text)
	}

	turns := h.store.Snapshot()
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Role != conversation.RoleUser || turns[0].Content != "hello" {
		t.Errorf("unexpected user turn %+v", turns[0])
	}
	if turns[1].Role != conversation.RoleAssistant || turns[1].Content != "Hi there" {
		t.Errorf("unexpected assistant turn %+v", turns[1])
	}

	// Listening resumes once the turn is done.
	waitFor(t, func() bool { return h.tc.Mode() == transcript.Listening })
	waitFor(t, func() bool { return h.coord.State() == StateIdle })

	if err := h.stop(t); err != nil {
		t.Errorf("Run: %v", err)
	}
	if h.coord.State() != StateClosed {
		t.Errorf("expected Closed after Run returns, got %v", h.coord.State())
	}
}

func TestTranscriptSuppressedWhileProducing(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	p := &gatedProvider{started: started, release: release, chunks: []llm.Chunk{
		{Text: "ok", FinishReason: "stop"},
	}}
	h := newHarness(t, p, newSTTSession())

	if err := h.mux.Offer(inputmux.OriginTyped, "hello"); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	<-started

	if got := h.tc.Mode(); got != transcript.Suppressed {
		t.Errorf("expected Suppressed during production, got %v", got)
	}
	if got := h.coord.State(); got != StateProducing {
		t.Errorf("expected Producing, got %v", got)
	}

	close(release)
	h.waitEvent(t, EventTurnComplete)
	waitFor(t, func() bool { return h.tc.Mode() == transcript.Listening })

	if err := h.stop(t); err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestSubmissionQueuedWhileProducing(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		StreamScript: [][]llm.Chunk{
			{{Text: "first answer", FinishReason: "stop"}},
			{{Text: "second answer", FinishReason: "stop"}},
		},
	}
	h := newHarness(t, p, newSTTSession())

	if err := h.mux.Offer(inputmux.OriginTyped, "one"); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if err := h.mux.Offer(inputmux.OriginTyped, "two"); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	h.waitEvent(t, EventTurnComplete)
	h.waitEvent(t, EventTurnComplete)

	turns := h.store.Snapshot()
	if len(turns) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(turns))
	}
	wantContent := []string{"one", "first answer", "two", "second answer"}
	for i, want := range wantContent {
		if turns[i].Content != want {
			t.Errorf("turn %d: got %q, want %q", i, turns[i].Content, want)
		}
	}

	if err := h.stop(t); err != nil {
		t.Errorf("Run: %v", err)
	}
}

// TestFailedTurnLeavesHistoryConsistent covers failure idempotence: a failed
// turn appends only the user turn, and the next submission proceeds normally.
func TestFailedTurnLeavesHistoryConsistent(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		StreamScript: [][]llm.Chunk{
			{{Text: "boom", FinishReason: "error"}},
			{{Text: "recovered", FinishReason: "stop"}},
		},
	}
	h := newHarness(t, p, newSTTSession())

	if err := h.mux.Offer(inputmux.OriginTyped, "first"); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	failed := h.waitEvent(t, EventTurnFailed)
	if failed.Error == "" {
		t.Error("expected a failure cause on the event")
	}

	turns := h.store.Snapshot()
	if len(turns) != 1 || turns[0].Role != conversation.RoleUser {
		t.Fatalf("failed turn should append only the user turn, got %+v", turns)
	}

	// The session recovers and keeps accepting input.
	waitFor(t, func() bool { return h.coord.State() == StateIdle })
	if err := h.mux.Offer(inputmux.OriginTyped, "second"); err != nil {
		t.Fatalf("Offer after failure: %v", err)
	}
	h.waitEvent(t, EventTurnComplete)

	turns = h.store.Snapshot()
	if len(turns) != 3 || turns[2].Content != "recovered" {
		t.Fatalf("unexpected history after recovery: %+v", turns)
	}

	if err := h.stop(t); err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestSpokenUtteranceForwarded(t *testing.T) {
	t.Parallel()
	sess := newSTTSession()
	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "heard you", FinishReason: "stop"}},
	}
	h := newHarness(t, p, sess)

	sess.FinalsCh <- types.Transcript{Text: "what time is it", IsFinal: true, ReceivedAt: time.Now()}

	h.waitEvent(t, EventTurnComplete)
	turns := h.store.Snapshot()
	if len(turns) != 2 || turns[0].Content != "what time is it" {
		t.Fatalf("unexpected history %+v", turns)
	}

	if err := h.stop(t); err != nil {
		t.Errorf("Run: %v", err)
	}
}

// TestDegradesToTypedOnly covers transcription loss: once the transcript
// channel reports permanent unavailability the session rejects spoken input
// but keeps serving typed submissions.
func TestDegradesToTypedOnly(t *testing.T) {
	t.Parallel()
	sess := newSTTSession()

	var calls atomic.Int32
	sttProvider := &sttmock.Provider{}
	sttProvider.StartStreamFunc = func(_ context.Context, _ stt.StreamConfig) (stt.SessionHandle, error) {
		if calls.Add(1) == 1 {
			return sess, nil
		}
		return nil, errors.New("dial tcp: refused")
	}

	h := &harness{
		store: conversation.NewStore(),
		mux:   inputmux.New(),
		done:  make(chan error, 1),
	}
	h.tc = transcript.New(sttProvider, transcript.WithReconnect(2, time.Millisecond, 5*time.Millisecond))
	if err := h.tc.Open(context.Background()); err != nil {
		t.Fatalf("transcript Open: %v", err)
	}

	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "still here", FinishReason: "stop"}},
	}
	h.coord = New(h.store, h.tc, response.New(p), h.mux)
	events, cancelSub := h.coord.Events().Subscribe()
	t.Cleanup(cancelSub)
	h.events = events

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.coord.Run(ctx) }()

	// Drop the connection; reconnects are exhausted and the session degrades.
	close(sess.FinalsCh)
	close(sess.PartialsCh)

	waitFor(t, func() bool { return h.coord.State() == StateDegradedTypedOnly })

	if err := h.mux.Offer(inputmux.OriginSpoken, "ghost"); !errors.Is(err, inputmux.ErrSpokenDisabled) {
		t.Errorf("expected ErrSpokenDisabled, got %v", err)
	}

	if err := h.mux.Offer(inputmux.OriginTyped, "still works?"); err != nil {
		t.Fatalf("typed Offer while degraded: %v", err)
	}
	h.waitEvent(t, EventTurnComplete)

	if got := h.coord.State(); got != StateDegradedTypedOnly {
		t.Errorf("expected DegradedTypedOnly after the turn, got %v", got)
	}

	if err := h.stop(t); err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestNilTranscriptStartsDegraded(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "typed only", FinishReason: "stop"}},
	}
	h := newHarness(t, p, nil)

	if got := h.coord.State(); got != StateDegradedTypedOnly {
		t.Errorf("expected DegradedTypedOnly, got %v", got)
	}
	if err := h.mux.Offer(inputmux.OriginSpoken, "nope"); !errors.Is(err, inputmux.ErrSpokenDisabled) {
		t.Errorf("expected ErrSpokenDisabled, got %v", err)
	}
	if err := h.mux.Offer(inputmux.OriginTyped, "hi"); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	h.waitEvent(t, EventTurnComplete)

	if err := h.stop(t); err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestShutdownGraceTimeout(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	p := &hangingProvider{started: started}
	h := newHarness(t, p, newSTTSession(), WithShutdownGrace(30*time.Millisecond))

	if err := h.mux.Offer(inputmux.OriginTyped, "hello"); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	<-started

	err := h.stop(t)
	if !errors.Is(err, ErrShutdownTimeout) {
		t.Errorf("expected ErrShutdownTimeout, got %v", err)
	}

	// Force-cancelled turn must not leave assistant content behind.
	turns := h.store.Snapshot()
	if len(turns) != 1 || turns[0].Role != conversation.RoleUser {
		t.Errorf("unexpected history after forced shutdown: %+v", turns)
	}
}

func TestTurnHookObservesAppendedTurns(t *testing.T) {
	t.Parallel()
	var hooked []conversation.Turn
	hookCh := make(chan conversation.Turn, 8)
	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "noted", FinishReason: "stop"}},
	}
	h := newHarness(t, p, newSTTSession(), WithTurnHook(func(turn conversation.Turn) {
		hookCh <- turn
	}))

	if err := h.mux.Offer(inputmux.OriginTyped, "remember this"); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	h.waitEvent(t, EventTurnComplete)

	for len(hooked) < 2 {
		select {
		case turn := <-hookCh:
			hooked = append(hooked, turn)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, hook saw %d turns", len(hooked))
		}
	}
	if hooked[0].Role != conversation.RoleUser || hooked[1].Role != conversation.RoleAssistant {
		t.Errorf("unexpected hook order: %+v", hooked)
	}
	if hooked[0].ID == "" || hooked[1].ID == "" {
		t.Error("hooked turns must carry IDs")
	}

	if err := h.stop(t); err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestHistoryTruncatedToLimit(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "ack", FinishReason: "stop"}},
	}
	h := newHarness(t, p, newSTTSession(), WithHistoryLimit(4))

	for i := 0; i < 4; i++ {
		if err := h.mux.Offer(inputmux.OriginTyped, "msg"); err != nil {
			t.Fatalf("Offer: %v", err)
		}
		h.waitEvent(t, EventTurnComplete)
	}

	if got := h.store.Len(); got != 4 {
		t.Errorf("expected history capped at 4 turns, got %d", got)
	}

	if err := h.stop(t); err != nil {
		t.Errorf("Run: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// gatedProvider blocks the stream start until released.
type gatedProvider struct {
	started chan struct{}
	release chan struct{}
	chunks  []llm.Chunk
}

func (g *gatedProvider) StreamCompletion(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
	close(g.started)
	g.started = make(chan struct{})
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out := make(chan llm.Chunk, len(g.chunks))
	for _, ch := range g.chunks {
		out <- ch
	}
	close(out)
	return out, nil
}

func (g *gatedProvider) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errors.New("not implemented")
}

// hangingProvider opens a stream that only ends when its context is cancelled.
type hangingProvider struct {
	started chan struct{}
}

func (h *hangingProvider) StreamCompletion(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
	close(h.started)
	h.started = make(chan struct{})
	out := make(chan llm.Chunk)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

func (h *hangingProvider) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errors.New("not implemented")
}
