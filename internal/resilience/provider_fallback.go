package resilience

import (
	"context"

	"github.com/callgist/callgist/pkg/provider/llm"
	"github.com/callgist/callgist/pkg/provider/stt"
)

// Compile-time interface assertions.
var (
	_ stt.Provider = (*STTFallback)(nil)
	_ llm.Provider = (*LLMFallback)(nil)
)

// STTFallback implements stt.Provider with automatic failover across
// multiple transcription backends, each behind its own circuit breaker.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// NewSTTFallback creates an STTFallback with primary as the preferred
// backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional transcription backend.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe sends the file to the first healthy backend.
func (f *STTFallback) Transcribe(ctx context.Context, path string) (stt.Result, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.Result, error) {
		return p.Transcribe(ctx, path)
	})
}

// LLMFallback implements llm.Provider with automatic failover across
// multiple model backends, each behind its own circuit breaker.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// NewLLMFallback creates an LLMFallback with primary as the preferred
// backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional model backend.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete sends the request to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}
