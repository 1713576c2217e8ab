// Package session implements the coordinator that merges typed input, spoken
// utterances, and streaming assistant responses into one ordered
// conversation.
//
// The Coordinator is a single consumer loop owning all session state. It
// dequeues submissions from the input multiplexer, toggles the transcript
// channel between listening and suppressed in lock-step with response
// activity, drives turn production on the response channel, and appends
// completed turns to the conversation store. Transport layers observe the
// session through store snapshots and the event broadcaster; they never
// mutate session state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxloop/voxloop/internal/conversation"
	"github.com/voxloop/voxloop/internal/inputmux"
	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/response"
	"github.com/voxloop/voxloop/internal/transcript"
)

// ErrShutdownTimeout indicates an in-flight turn did not finish within the
// shutdown grace period and was force-cancelled.
var ErrShutdownTimeout = errors.New("session: shutdown grace period exceeded")

// State is the coordinator phase.
type State int

const (
	// StateIdle awaits the next submission with the transcript listening.
	StateIdle State = iota

	// StateProducing has an in-flight assistant turn with the transcript
	// suppressed.
	StateProducing

	// StateDegradedTypedOnly behaves like Idle/Producing but transcription is
	// unavailable and only typed input is accepted.
	StateDegradedTypedOnly

	// StateShuttingDown is the terminal transition path.
	StateShuttingDown

	// StateClosed is terminal.
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProducing:
		return "producing"
	case StateDegradedTypedOnly:
		return "degraded_typed_only"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	defaultHistoryLimit  = 50
	defaultShutdownGrace = 10 * time.Second
)

// Option is a functional option for configuring a Coordinator.
type Option func(*Coordinator)

// WithHistoryLimit bounds the conversation history length; older non-system
// turns are truncated past it.
func WithHistoryLimit(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.historyLimit = n
		}
	}
}

// WithShutdownGrace bounds how long shutdown waits for an in-flight turn.
func WithShutdownGrace(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.shutdownGrace = d
		}
	}
}

// WithTurnHook installs a callback invoked after every turn appended to the
// history (user and completed assistant turns alike). Used for best-effort
// archival; the hook must not block the caller for long.
func WithTurnHook(hook func(conversation.Turn)) Option {
	return func(c *Coordinator) {
		c.turnHook = hook
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Coordinator drives the session state machine. Create instances with New;
// the zero value is not usable.
type Coordinator struct {
	id         string
	store      *conversation.Store
	transcript *transcript.Channel
	response   *response.Channel
	mux        *inputmux.Mux
	events     *Broadcaster
	logger     *slog.Logger
	metrics    *observe.Metrics

	historyLimit  int
	shutdownGrace time.Duration
	turnHook      func(conversation.Turn)

	mu       sync.Mutex
	state    State
	degraded bool

	wg sync.WaitGroup
}

// New assembles a Coordinator over its collaborators. The transcript channel
// may be nil when the session starts without voice input; the coordinator
// then behaves as if degraded to typed-only from the start.
func New(
	store *conversation.Store,
	tc *transcript.Channel,
	rc *response.Channel,
	mux *inputmux.Mux,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		id:            uuid.NewString(),
		store:         store,
		transcript:    tc,
		response:      rc,
		mux:           mux,
		events:        NewBroadcaster(),
		logger:        slog.Default(),
		metrics:       observe.DefaultMetrics(),
		historyLimit:  defaultHistoryLimit,
		shutdownGrace: defaultShutdownGrace,
		state:         StateIdle,
	}
	for _, o := range opts {
		o(c)
	}
	if c.transcript == nil {
		c.degraded = true
		c.state = StateDegradedTypedOnly
		c.mux.SetSpokenEnabled(false)
	}
	return c
}

// ID returns the session identifier.
func (c *Coordinator) ID() string { return c.id }

// Events returns the coordinator's event broadcaster for transport
// subscribers.
func (c *Coordinator) Events() *Broadcaster { return c.events }

// State returns the current coordinator phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run executes the consumer loop until ctx is cancelled, then shuts the
// session down: the wait for the next submission is cancelled immediately, an
// in-flight turn is granted the configured grace period before being
// force-cancelled and treated as failed, and finally the transcript channel,
// response channel, and multiplexer are closed.
//
// Run returns ErrShutdownTimeout when the grace period was exceeded, nil on a
// clean shutdown.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("session started", "session_id", c.id)

	if c.transcript != nil {
		c.wg.Add(2)
		go c.forwardUtterances()
		go c.watchTranscriptErrors()
	}

	var shutdownErr error

loop:
	for {
		sub, err := c.mux.Take(ctx)
		if err != nil {
			// Context cancellation or mux closure ends the loop.
			break loop
		}
		if err := c.processSubmission(ctx, sub); err != nil {
			shutdownErr = err
			break loop
		}
		select {
		case <-ctx.Done():
			break loop
		default:
		}
	}

	c.shutdown()
	return shutdownErr
}

// processSubmission drives one full Idle → Producing → Idle cycle. The
// returned error is non-nil only when shutdown force-cancelled the turn.
func (c *Coordinator) processSubmission(ctx context.Context, sub inputmux.Submission) error {
	c.setState(StateProducing)
	started := time.Now()

	ctx, span := observe.StartSpan(ctx, "session.turn")
	defer span.End()
	span.SetAttributes(observe.Attr("origin", string(sub.Origin)))

	userTurn := conversation.Turn{
		ID:        uuid.NewString(),
		Role:      conversation.RoleUser,
		Content:   sub.Text,
		CreatedAt: time.Now(),
	}
	if err := c.store.Append(userTurn); err != nil {
		// Contract violation; fatal to this submission only.
		c.logger.Error("user turn append failed", "error", err)
		c.returnToIdle()
		return nil
	}
	c.notifyTurn(userTurn)

	c.setTranscriptMode(transcript.Suppressed)

	messages := c.store.Messages()

	draft, err := c.store.StartAssistant()
	if err != nil {
		c.logger.Error("assistant draft start failed", "error", err)
		c.returnToIdle()
		return nil
	}

	// The turn runs on its own context so that coordinator shutdown can
	// grant it a grace period instead of killing it outright.
	turnCtx, cancelTurn := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTurn()

	events, err := c.response.Submit(turnCtx, messages)
	if err != nil {
		c.store.DiscardDraft(draft)
		c.publishTurnFailed(draft.ID(), err)
		c.returnToIdle()
		return nil
	}

	c.events.Publish(Event{Type: EventTurnStarted, TurnID: draft.ID()})

	var grace <-chan time.Time
	forced := false
	ctxDone := ctx.Done()

	for {
		select {
		case <-ctxDone:
			// Shutdown requested mid-turn: grant the grace period, then
			// force-cancel. The case is disabled after firing once.
			ctxDone = nil
			c.setState(StateShuttingDown)
			timer := time.NewTimer(c.shutdownGrace)
			defer timer.Stop()
			grace = timer.C
			continue

		case <-grace:
			// Grace period exhausted: force-cancel and treat as failed.
			forced = true
			cancelTurn()
			grace = nil
			continue

		case ev, ok := <-events:
			if !ok {
				// Stream ended without a terminal event: the turn context
				// was cancelled. Treated as failed.
				c.store.DiscardDraft(draft)
				cause := context.Canceled
				if forced {
					cause = ErrShutdownTimeout
				}
				span.RecordError(cause)
				c.publishTurnFailed(draft.ID(), cause)
				c.returnToIdle()
				if forced {
					return ErrShutdownTimeout
				}
				return nil
			}

			switch ev.Kind {
			case response.KindFragment:
				draft.Extend(ev.Text)
				c.events.Publish(Event{Type: EventFragment, TurnID: draft.ID(), Text: ev.Text})

			case response.KindComplete:
				turn, err := c.store.CompleteDraft(draft)
				if err != nil {
					c.logger.Error("draft completion failed", "error", err)
					c.returnToIdle()
					return nil
				}
				c.store.Truncate(c.historyLimit)
				c.notifyTurn(turn)
				c.metrics.RecordTurn(context.Background(), "complete", time.Since(started).Seconds())
				c.events.Publish(Event{Type: EventTurnComplete, TurnID: turn.ID, Text: turn.Content})
				c.returnToIdle()
				return nil

			case response.KindFailed:
				c.store.DiscardDraft(draft)
				cause := ev.Err
				if forced {
					cause = fmt.Errorf("%w: %v", ErrShutdownTimeout, ev.Err)
				}
				span.RecordError(cause)
				c.publishTurnFailed(draft.ID(), cause)
				c.returnToIdle()
				if forced {
					return ErrShutdownTimeout
				}
				return nil
			}
		}
	}
}

// returnToIdle resumes listening and re-enters the idle phase.
func (c *Coordinator) returnToIdle() {
	c.setTranscriptMode(transcript.Listening)
	c.setState(StateIdle)
}

// setTranscriptMode sets the transcript mode synchronously, skipping
// transcript interactions while degraded.
func (c *Coordinator) setTranscriptMode(mode transcript.Mode) {
	c.mu.Lock()
	degraded := c.degraded
	c.mu.Unlock()
	if degraded || c.transcript == nil {
		return
	}
	if err := c.transcript.SetMode(mode); err != nil {
		c.logger.Warn("transcript mode change failed", "mode", mode.String(), "error", err)
		return
	}
	c.events.Publish(Event{Type: EventModeChanged, Mode: mode.String()})
}

// setState updates the coordinator phase, preserving degraded-typed-only as
// the externally visible state while degraded.
func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	if c.degraded && (s == StateIdle || s == StateProducing) {
		c.state = StateDegradedTypedOnly
		return
	}
	c.state = s
}

// degrade switches the session to typed-only input after the transcript
// channel reported permanent unavailability.
func (c *Coordinator) degrade() {
	c.mu.Lock()
	if c.degraded || c.state == StateClosed || c.state == StateShuttingDown {
		c.mu.Unlock()
		return
	}
	c.degraded = true
	if c.state == StateIdle {
		c.state = StateDegradedTypedOnly
	}
	c.mu.Unlock()

	c.mux.SetSpokenEnabled(false)
	c.logger.Warn("transcription unavailable, session degraded to typed-only input", "session_id", c.id)
	c.events.Publish(Event{Type: EventModeChanged, Mode: StateDegradedTypedOnly.String()})
}

// forwardUtterances feeds finalized utterances into the multiplexer as
// spoken submissions.
func (c *Coordinator) forwardUtterances() {
	defer c.wg.Done()

	for u := range c.transcript.Utterances() {
		if u.Text == "" {
			continue
		}
		err := c.mux.Offer(inputmux.OriginSpoken, u.Text)
		switch {
		case err == nil:
			c.metrics.RecordSubmission(context.Background(), string(inputmux.OriginSpoken))
		case errors.Is(err, inputmux.ErrSpokenDisabled):
			c.logger.Debug("spoken submission rejected while degraded", "text_len", len(u.Text))
		case errors.Is(err, inputmux.ErrClosed):
			return
		default:
			c.logger.Warn("spoken submission rejected", "error", err)
		}
	}
}

// watchTranscriptErrors degrades the session when the transcript channel
// exhausts its reconnect budget.
func (c *Coordinator) watchTranscriptErrors() {
	defer c.wg.Done()

	for err := range c.transcript.Errors() {
		if errors.Is(err, transcript.ErrUnavailable) {
			c.degrade()
		}
	}
}

// shutdown closes the transcript channel, response channel, and multiplexer
// and marks the session closed.
func (c *Coordinator) shutdown() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateShuttingDown
	c.mu.Unlock()

	if c.transcript != nil {
		_ = c.transcript.Close()
	}
	_ = c.response.Close()
	c.mux.Close()
	c.wg.Wait()

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	c.events.Publish(Event{Type: EventModeChanged, Mode: StateClosed.String()})
	c.events.Close()
	c.logger.Info("session closed", "session_id", c.id)
}

// notifyTurn invokes the turn hook when configured.
func (c *Coordinator) notifyTurn(turn conversation.Turn) {
	if c.turnHook != nil {
		c.turnHook(turn)
	}
}

// publishTurnFailed reports a failed turn without corrupting the history.
func (c *Coordinator) publishTurnFailed(turnID string, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	c.logger.Warn("turn failed", "turn_id", turnID, "error", msg)
	c.metrics.Turns.Add(context.Background(), 1,
		metric.WithAttributes(observe.Attr("status", "failed")))
	c.events.Publish(Event{Type: EventTurnFailed, TurnID: turnID, Error: msg})
}
