// Package response wraps a streaming LLM completion behind a turn-oriented
// event stream.
//
// Submit begins producing one assistant turn and returns a finite event
// sequence: zero or more Fragment events in generation order, terminated by
// exactly one Complete (carrying the full assembled text) or exactly one
// Failed (carrying the cause). Nothing is emitted after the terminal event.
//
// When the model finishes a stream by requesting tool calls, the channel
// executes them through the configured tool host and re-submits with the
// results appended, bounded by a per-turn iteration limit. Tool activity is
// opaque to the consumer, which only observes fragments and the terminal
// event.
package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/voxloop/voxloop/internal/mcp"
	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/types"
)

var (
	// ErrTurnInFlight is returned by Submit while a turn is already being
	// produced on this channel.
	ErrTurnInFlight = errors.New("response: turn already in flight")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("response: closed")

	// ErrToolIterations indicates a turn exceeded the tool iteration limit.
	ErrToolIterations = errors.New("response: tool iteration limit reached")
)

// Kind discriminates response events.
type Kind int

const (
	// KindFragment carries an incremental piece of assistant text.
	KindFragment Kind = iota

	// KindComplete terminates a turn with the full assembled text.
	KindComplete

	// KindFailed terminates a turn abnormally with a cause.
	KindFailed
)

// Event is one element of the turn's event sequence.
type Event struct {
	// Kind discriminates the event.
	Kind Kind

	// Text is the fragment text for KindFragment, or the full assembled text
	// for KindComplete. Empty for KindFailed.
	Text string

	// Err is the failure cause for KindFailed, nil otherwise.
	Err error
}

const defaultMaxToolIterations = 5

// Option is a functional option for configuring a Channel.
type Option func(*Channel)

// WithTools wires a tool host so the model can invoke tools mid-turn.
func WithTools(host mcp.Host) Option {
	return func(c *Channel) {
		c.tools = host
	}
}

// WithSystemPrompt sets the system prompt injected into every completion.
func WithSystemPrompt(prompt string) Option {
	return func(c *Channel) {
		c.systemPrompt = prompt
	}
}

// WithMaxToolIterations bounds how many tool rounds one turn may perform.
func WithMaxToolIterations(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.maxToolIterations = n
		}
	}
}

// WithTemperature sets the sampling temperature for completions.
func WithTemperature(t float64) Option {
	return func(c *Channel) {
		c.temperature = t
	}
}

// WithMaxTokens caps completion length.
func WithMaxTokens(n int) Option {
	return func(c *Channel) {
		c.maxTokens = n
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

// Channel produces assistant turns over an LLM provider, one at a time.
// Create instances with New; the zero value is not usable.
type Channel struct {
	provider          llm.Provider
	tools             mcp.Host
	systemPrompt      string
	maxToolIterations int
	temperature       float64
	maxTokens         int
	logger            *slog.Logger
	metrics           *observe.Metrics

	mu       sync.Mutex
	inFlight bool
	closed   bool
}

// New creates a Channel over the given provider.
func New(provider llm.Provider, opts ...Option) *Channel {
	c := &Channel{
		provider:          provider,
		maxToolIterations: defaultMaxToolIterations,
		logger:            slog.Default(),
		metrics:           observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Busy reports whether a turn is currently being produced.
func (c *Channel) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Close rejects all further Submit calls. An in-flight turn is allowed to
// finish; cancel its context to stop it early. Safe to call multiple times.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Submit begins producing a new assistant turn from the given conversation
// context and returns its event stream. The stream is closed after the
// terminal event. Returns ErrTurnInFlight if a turn is already producing and
// ErrClosed after Close.
//
// The caller must drain the returned channel. Cancelling ctx aborts the turn
// with a Failed event.
func (c *Channel) Submit(ctx context.Context, messages []types.Message) (<-chan Event, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.inFlight {
		c.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	c.inFlight = true
	c.mu.Unlock()

	events := make(chan Event, 32)
	go c.produce(ctx, messages, events)
	return events, nil
}

// produce runs the stream/tool loop for one turn and emits its events.
func (c *Channel) produce(ctx context.Context, messages []types.Message, events chan<- Event) {
	defer close(events)
	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	convo := make([]types.Message, len(messages))
	copy(convo, messages)

	var full strings.Builder

	for iteration := 0; iteration < c.maxToolIterations; iteration++ {
		req := llm.CompletionRequest{
			Messages:     convo,
			SystemPrompt: c.systemPrompt,
			Temperature:  c.temperature,
			MaxTokens:    c.maxTokens,
		}
		if c.tools != nil {
			req.Tools = c.tools.Tools()
		}

		stream, err := c.provider.StreamCompletion(ctx, req)
		if err != nil {
			c.metrics.RecordProviderError(ctx, "llm", "stream_start")
			c.emit(ctx, events, Event{Kind: KindFailed, Err: fmt.Errorf("response: start stream: %w", err)})
			return
		}

		var (
			toolCalls []types.ToolCall
			finish    string
		)
		for chunk := range stream {
			if chunk.FinishReason == "error" {
				c.emit(ctx, events, Event{Kind: KindFailed, Err: fmt.Errorf("response: stream: %s", chunk.Text)})
				return
			}
			if chunk.Text != "" {
				full.WriteString(chunk.Text)
				if !c.emit(ctx, events, Event{Kind: KindFragment, Text: chunk.Text}) {
					return
				}
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
				toolCalls = chunk.ToolCalls
			}
		}

		if err := ctx.Err(); err != nil {
			c.emit(ctx, events, Event{Kind: KindFailed, Err: err})
			return
		}

		if finish == "tool_calls" && len(toolCalls) > 0 && c.tools != nil {
			convo = c.runTools(ctx, convo, toolCalls)
			continue
		}

		c.emit(ctx, events, Event{Kind: KindComplete, Text: full.String()})
		return
	}

	c.emit(ctx, events, Event{Kind: KindFailed, Err: ErrToolIterations})
}

// runTools executes the requested tool calls and appends the assistant
// request plus one tool-result message per call to the conversation.
func (c *Channel) runTools(ctx context.Context, convo []types.Message, calls []types.ToolCall) []types.Message {
	convo = append(convo, types.Message{
		Role:      "assistant",
		ToolCalls: calls,
	})

	for _, tc := range calls {
		c.logger.Debug("executing tool", "tool", tc.Name)

		content := ""
		status := "ok"
		started := time.Now()
		result, err := c.tools.ExecuteTool(ctx, tc.Name, tc.Arguments)
		switch {
		case err != nil:
			c.logger.Warn("tool execution failed", "tool", tc.Name, "error", err)
			content = fmt.Sprintf("tool error: %v", err)
			status = "error"
		case result.IsError:
			content = fmt.Sprintf("tool error: %s", result.Content)
			status = "error"
		default:
			content = result.Content
		}
		c.metrics.RecordToolCall(ctx, tc.Name, status)
		c.metrics.ToolExecutionDuration.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(observe.Attr("tool", tc.Name)),
		)

		convo = append(convo, types.Message{
			Role:       "tool",
			Content:    content,
			ToolCallID: tc.ID,
		})
	}
	return convo
}

// emit sends ev, giving up on context cancellation. Returns false when the
// send was abandoned.
func (c *Channel) emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
