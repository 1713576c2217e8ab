package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/voxloop/voxloop/pkg/provider/llm"
	llmmock "github.com/voxloop/voxloop/pkg/provider/llm/mock"
)

func TestLLMFailover_StreamUsesPrimary(t *testing.T) {
	primary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "hi", FinishReason: "stop"}},
	}
	backup := &llmmock.Provider{}

	f := NewLLMFailover("primary", primary, FailoverConfig{})
	f.Add("backup", backup)

	ch, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var text string
	for c := range ch {
		text += c.Text
	}
	if text != "hi" {
		t.Errorf("streamed text = %q, want hi", text)
	}
	if backup.StreamCallCount() != 0 {
		t.Errorf("backup was called %d times, want 0", backup.StreamCallCount())
	}
}

func TestLLMFailover_StreamFailsOverOnConnectError(t *testing.T) {
	primary := &llmmock.Provider{StreamErr: errors.New("dial refused")}
	backup := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "fallback answer", FinishReason: "stop"}},
	}

	f := NewLLMFailover("primary", primary, FailoverConfig{})
	f.Add("backup", backup)

	ch, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var text string
	for c := range ch {
		text += c.Text
	}
	if text != "fallback answer" {
		t.Errorf("streamed text = %q, want fallback answer", text)
	}
	if primary.StreamCallCount() != 1 {
		t.Errorf("primary was called %d times, want 1", primary.StreamCallCount())
	}
}

func TestLLMFailover_CompleteFailsOver(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("quota exceeded")}
	backup := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from backup"},
	}

	f := NewLLMFailover("primary", primary, FailoverConfig{})
	f.Add("backup", backup)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from backup" {
		t.Errorf("content = %q, want from backup", resp.Content)
	}
}

func TestLLMFailover_AllBackendsDown(t *testing.T) {
	primary := &llmmock.Provider{StreamErr: errors.New("down")}
	backup := &llmmock.Provider{StreamErr: errors.New("also down")}

	f := NewLLMFailover("primary", primary, FailoverConfig{})
	f.Add("backup", backup)

	_, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
}
