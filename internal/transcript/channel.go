// Package transcript wraps a live speech-to-text session behind a mode
// switch that the session coordinator drives in lock-step with assistant
// activity.
//
// While Listening, finalized utterances are surfaced on Utterances() for
// submission. While Suppressed, the underlying connection is held open with
// periodic keep-alive signals, audio is dropped without transcription, and
// any transcript the provider still delivers is discarded, so the
// assistant's own speech never re-enters the conversation as user input.
//
// Transient connection drops are repaired by automatic reconnects with
// exponential backoff, preserving the current mode. When the retry budget is
// exhausted the channel reports ErrUnavailable on Errors() and stops; the
// coordinator degrades the session to typed-only input instead of
// terminating it.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/types"
)

var (
	// ErrConnection indicates the transcription backend could not be reached.
	ErrConnection = errors.New("transcript: connection failed")

	// ErrUnavailable indicates transcription is permanently degraded for this
	// session: the reconnect retry budget is exhausted.
	ErrUnavailable = errors.New("transcript: stt unavailable")

	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = errors.New("transcript: closed")
)

// Mode is the transcript channel's operating mode.
type Mode int

const (
	// Listening surfaces finalized utterances to the consumer.
	Listening Mode = iota

	// Suppressed holds the connection open with keep-alives but surfaces
	// nothing and drops incoming audio.
	Suppressed

	// Closed is terminal.
	Closed
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Listening:
		return "listening"
	case Suppressed:
		return "suppressed"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

const (
	defaultKeepAliveInterval = 3 * time.Second
	defaultMaxRetries        = 3
	defaultBackoff           = 500 * time.Millisecond
	defaultMaxBackoff        = 8 * time.Second
)

// Option is a functional option for configuring a Channel.
type Option func(*Channel)

// WithKeepAliveInterval sets the interval between keep-alive signals while
// suppressed.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.keepAliveInterval = d
		}
	}
}

// WithReconnect configures the reconnect retry budget and backoff bounds.
func WithReconnect(maxRetries int, backoff, maxBackoff time.Duration) Option {
	return func(c *Channel) {
		if maxRetries > 0 {
			c.maxRetries = maxRetries
		}
		if backoff > 0 {
			c.backoff = backoff
		}
		if maxBackoff > 0 {
			c.maxBackoff = maxBackoff
		}
	}
}

// WithStreamConfig sets the audio format passed to the provider on every
// (re)connect.
func WithStreamConfig(cfg stt.StreamConfig) Option {
	return func(c *Channel) {
		c.streamCfg = cfg
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Channel wraps an STT provider session behind the Listening/Suppressed mode
// switch. Create instances with New; the zero value is not usable.
type Channel struct {
	provider          stt.Provider
	streamCfg         stt.StreamConfig
	keepAliveInterval time.Duration
	maxRetries        int
	backoff           time.Duration
	maxBackoff        time.Duration
	logger            *slog.Logger
	metrics           *observe.Metrics

	mu        sync.Mutex
	mode      Mode
	sess      stt.SessionHandle
	opened    bool
	resumedAt time.Time

	utterances chan types.Transcript
	partials   chan types.Transcript
	errs       chan error

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	keepAlives atomic.Int64
}

// New creates a Channel over the given provider. The channel is inert until
// Open is called.
func New(provider stt.Provider, opts ...Option) *Channel {
	c := &Channel{
		provider:          provider,
		streamCfg:         stt.StreamConfig{SampleRate: 16000, Channels: 1},
		keepAliveInterval: defaultKeepAliveInterval,
		maxRetries:        defaultMaxRetries,
		backoff:           defaultBackoff,
		maxBackoff:        defaultMaxBackoff,
		logger:            slog.Default(),
		metrics:           observe.DefaultMetrics(),
		utterances:        make(chan types.Transcript, 16),
		partials:          make(chan types.Transcript, 16),
		errs:              make(chan error, 1),
		done:              make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Open establishes the live transcription connection and starts the pump and
// keep-alive goroutines. Idempotent: calling Open on an already-open channel
// is a no-op. Returns an error wrapping ErrConnection if the provider cannot
// establish the session.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == Closed {
		return ErrClosed
	}
	if c.opened {
		return nil
	}

	sess, err := c.provider.StartStream(ctx, c.streamCfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	c.sess = sess
	c.opened = true
	c.mode = Listening
	c.resumedAt = time.Now()

	c.wg.Add(2)
	go c.run(ctx)
	go c.keepAliveLoop()
	return nil
}

// SetMode transitions between Listening and Suppressed synchronously.
// Entering Suppressed sends one keep-alive immediately; the interval ticker
// covers the rest of the suppressed window. Entering Listening stamps the
// resume time so that any transcript originating in the suppressed window is
// still discarded when it arrives late.
func (c *Channel) SetMode(mode Mode) error {
	if mode != Listening && mode != Suppressed {
		return fmt.Errorf("transcript: cannot set mode %v", mode)
	}

	c.mu.Lock()
	if c.mode == Closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.opened {
		c.mu.Unlock()
		return fmt.Errorf("transcript: not open")
	}
	if c.mode == mode {
		c.mu.Unlock()
		return nil
	}
	c.mode = mode
	if mode == Listening {
		c.resumedAt = time.Now()
	}
	sess := c.sess
	c.mu.Unlock()

	if mode == Suppressed && sess != nil {
		c.sendKeepAlive(sess)
	}
	return nil
}

// Mode returns the current mode.
func (c *Channel) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Utterances returns the stream of finalized utterances surfaced while
// Listening. Closed when the channel shuts down.
func (c *Channel) Utterances() <-chan types.Transcript { return c.utterances }

// Partials returns the stream of interim transcripts for display purposes.
// Partials follow the same suppression rules as finals. Closed when the
// channel shuts down.
func (c *Channel) Partials() <-chan types.Transcript { return c.partials }

// Errors returns the channel on which ErrUnavailable is reported when the
// reconnect budget is exhausted. Closed when the channel shuts down.
func (c *Channel) Errors() <-chan error { return c.errs }

// KeepAlives returns the number of keep-alive signals sent so far.
func (c *Channel) KeepAlives() int64 { return c.keepAlives.Load() }

// SendAudio forwards a PCM chunk to the provider while Listening. While
// Suppressed the chunk is dropped without transcription and without error.
func (c *Channel) SendAudio(chunk []byte) error {
	c.mu.Lock()
	mode := c.mode
	sess := c.sess
	c.mu.Unlock()

	switch {
	case mode == Closed:
		return ErrClosed
	case mode == Suppressed || sess == nil:
		return nil
	}
	return sess.SendAudio(chunk)
}

// Close releases the connection and stops all goroutines. Safe to call
// multiple times.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.mode = Closed
		sess := c.sess
		opened := c.opened
		c.mu.Unlock()

		close(c.done)
		if sess != nil {
			_ = sess.Close()
		}
		c.wg.Wait()
		if !opened {
			// run never started, so nothing else will close the output
			// streams.
			close(c.utterances)
			close(c.partials)
			close(c.errs)
		}
	})
	return nil
}

// run pumps transcripts from the provider session and repairs dropped
// connections until the channel closes or the retry budget is exhausted.
func (c *Channel) run(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.utterances)
	defer close(c.partials)
	defer close(c.errs)

	for {
		c.mu.Lock()
		sess := c.sess
		c.mu.Unlock()
		if sess == nil {
			return
		}

		if !c.pump(sess) {
			return
		}

		// Provider channels closed without Close being called: the
		// connection dropped. Try to repair it with the mode preserved.
		if !c.reconnect(ctx) {
			select {
			case <-c.done:
				// Deliberate shutdown, not a failure.
				return
			default:
			}
			select {
			case c.errs <- ErrUnavailable:
			default:
			}
			return
		}
	}
}

// pump forwards transcripts from sess until its channels close. Returns false
// when the channel itself is shutting down, true when the session ended
// unexpectedly and a reconnect should be attempted.
func (c *Channel) pump(sess stt.SessionHandle) bool {
	finals := sess.Finals()
	partials := sess.Partials()

	for finals != nil || partials != nil {
		select {
		case <-c.done:
			return false
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			c.forward(c.utterances, t)
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			c.forward(c.partials, t)
		}
	}

	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// forward surfaces t on out when the channel is Listening. Transcripts
// received while Suppressed are discarded, as are late transcripts whose
// receipt time falls inside the previous suppressed window (the conservative
// discard window for the mode-switch race).
func (c *Channel) forward(out chan types.Transcript, t types.Transcript) {
	c.mu.Lock()
	mode := c.mode
	resumedAt := c.resumedAt
	c.mu.Unlock()

	if mode != Listening {
		return
	}
	if !t.ReceivedAt.IsZero() && t.ReceivedAt.Before(resumedAt) {
		return
	}

	select {
	case out <- t:
	case <-c.done:
	}
}

// reconnect re-establishes the provider session with exponential backoff.
// Returns false when the retry budget is exhausted or the channel closed.
func (c *Channel) reconnect(ctx context.Context) bool {
	backoff := c.backoff

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		select {
		case <-c.done:
			return false
		case <-ctx.Done():
			return false
		default:
		}

		c.logger.Info("reconnecting stt session",
			"attempt", attempt,
			"max_retries", c.maxRetries,
		)

		sess, err := c.provider.StartStream(ctx, c.streamCfg)
		if err == nil {
			c.mu.Lock()
			if c.mode == Closed {
				c.mu.Unlock()
				_ = sess.Close()
				return false
			}
			c.sess = sess
			// Stamp the resume point so anything transcribed before the
			// drop cannot leak through the fresh session.
			if c.mode == Listening {
				c.resumedAt = time.Now()
			}
			mode := c.mode
			c.mu.Unlock()

			c.metrics.Reconnects.Add(context.Background(), 1)
			c.logger.Info("stt session reconnected", "mode", mode.String())
			if mode == Suppressed {
				c.sendKeepAlive(sess)
			}
			return true
		}

		c.logger.Warn("stt reconnect failed",
			"attempt", attempt,
			"error", err,
		)

		select {
		case <-c.done:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
	return false
}

// keepAliveLoop sends a keep-alive on every interval tick while Suppressed.
func (c *Channel) keepAliveLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			mode := c.mode
			sess := c.sess
			c.mu.Unlock()
			if mode == Suppressed && sess != nil {
				c.sendKeepAlive(sess)
			}
		}
	}
}

func (c *Channel) sendKeepAlive(sess stt.SessionHandle) {
	if err := sess.KeepAlive(); err != nil {
		c.logger.Warn("keep-alive failed", "error", err)
		return
	}
	c.keepAlives.Add(1)
	c.metrics.KeepAlives.Add(context.Background(), 1)
}
