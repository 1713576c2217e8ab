package resilience

import (
	"context"

	"github.com/voxloop/voxloop/pkg/provider/llm"
)

// LLMFailover implements [llm.Provider] with automatic failover across
// multiple model backends. Each backend is guarded by its own breaker; when
// the primary fails or its breaker is open, the next healthy backend is
// tried.
type LLMFailover struct {
	group *Failover[llm.Provider]
}

var _ llm.Provider = (*LLMFailover)(nil)

// NewLLMFailover creates an [LLMFailover] with primary as the preferred
// backend.
func NewLLMFailover(name string, primary llm.Provider, cfg FailoverConfig) *LLMFailover {
	return &LLMFailover{
		group: NewFailover(name, primary, cfg),
	}
}

// Add registers an additional backend at the end of the chain.
func (f *LLMFailover) Add(name string, provider llm.Provider) {
	f.group.Add(name, provider)
}

// Complete sends req to the first healthy backend and returns its response.
func (f *LLMFailover) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return DoWith(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion sends req to the first healthy backend and returns its
// chunk stream. Only the connection attempt participates in failover; once a
// stream is established, mid-stream errors surface to the caller as chunks
// with FinishReason "error".
func (f *LLMFailover) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return DoWith(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}
