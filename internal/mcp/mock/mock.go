// Package mock provides an in-memory test double for the MCP [mcp.Host] interface.
//
// [Host] records every method call for assertion in tests and exposes exported
// fields that control what the mock returns. It is safe for concurrent use via
// an internal [sync.Mutex].
//
// Typical usage:
//
//	h := &mock.Host{}
//	h.ToolsResult = []types.ToolDefinition{{Name: "web_search"}}
//	h.ExecuteToolResult = &mcp.ToolResult{Content: `{"temp":"21C"}`}
//
//	// inject h into the system under test …
//
//	if got := h.CallCount("ExecuteTool"); got != 1 {
//	    t.Errorf("expected 1 ExecuteTool call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/voxloop/voxloop/internal/mcp"
	"github.com/voxloop/voxloop/pkg/types"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Host is a configurable test double for [mcp.Host].
// All exported *Err fields default to nil (success); all exported *Result
// fields default to nil / zero values.
type Host struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// RegisterServerErr is returned by [Host.RegisterServer] when non-nil.
	RegisterServerErr error

	// ToolsResult is returned by [Host.Tools].
	// When nil, Tools returns an empty non-nil slice.
	ToolsResult []types.ToolDefinition

	// ExecuteToolResult is returned by [Host.ExecuteTool] when ExecuteToolErr
	// is nil. When nil and ExecuteToolErr is also nil, a zero-value
	// *ToolResult is returned.
	ExecuteToolResult *mcp.ToolResult

	// ExecuteToolFunc, if non-nil, is called instead of returning
	// ExecuteToolResult. Useful for per-tool scripted results.
	ExecuteToolFunc func(ctx context.Context, name, args string) (*mcp.ToolResult, error)

	// ExecuteToolErr is returned by [Host.ExecuteTool] when non-nil.
	ExecuteToolErr error

	// CloseErr is returned by [Host.Close] when non-nil.
	CloseErr error
}

// Calls returns a copy of all recorded method invocations.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Call, len(h.calls))
	copy(out, h.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (h *Host) CallCount(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// record appends a call entry under lock.
func (h *Host) record(method string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: method, Args: args})
}

// RegisterServer records the call and returns RegisterServerErr.
func (h *Host) RegisterServer(_ context.Context, cfg mcp.ServerConfig) error {
	h.record("RegisterServer", cfg)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.RegisterServerErr
}

// Tools records the call and returns ToolsResult.
func (h *Host) Tools() []types.ToolDefinition {
	h.record("Tools")
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ToolsResult == nil {
		return []types.ToolDefinition{}
	}
	out := make([]types.ToolDefinition, len(h.ToolsResult))
	copy(out, h.ToolsResult)
	return out
}

// ExecuteTool records the call and returns the configured result.
func (h *Host) ExecuteTool(ctx context.Context, name, args string) (*mcp.ToolResult, error) {
	h.record("ExecuteTool", name, args)
	h.mu.Lock()
	fn := h.ExecuteToolFunc
	err := h.ExecuteToolErr
	result := h.ExecuteToolResult
	h.mu.Unlock()
	if fn != nil {
		return fn(ctx, name, args)
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		return &mcp.ToolResult{}, nil
	}
	return result, nil
}

// Close records the call and returns CloseErr.
func (h *Host) Close() error {
	h.record("Close")
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.CloseErr
}

// Ensure Host implements mcp.Host at compile time.
var _ mcp.Host = (*Host)(nil)
