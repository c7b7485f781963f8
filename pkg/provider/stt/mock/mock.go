// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to feed controlled transcription results and inspect which
// files were submitted:
//
//	p := &mock.Provider{
//	    Results: map[string]stt.Result{"a.wav": {Text: "hello"}},
//	}
//	res, err := p.Transcribe(ctx, "a.wav")
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/callgist/callgist/pkg/provider/stt"
)

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Results maps input paths to canned results. A path with no entry
	// falls back to Default.
	Results map[string]stt.Result

	// Default is returned for paths not present in Results.
	Default stt.Result

	// Err, if non-nil, is returned from every Transcribe call.
	Err error

	// FailPaths lists input paths for which Transcribe returns an error
	// even when Err is nil.
	FailPaths []string

	// Calls records every path passed to Transcribe, in order.
	Calls []string
}

// Transcribe records the call and returns the canned result for path.
func (p *Provider) Transcribe(ctx context.Context, path string) (stt.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Calls = append(p.Calls, path)
	if err := ctx.Err(); err != nil {
		return stt.Result{}, err
	}
	if p.Err != nil {
		return stt.Result{}, p.Err
	}
	for _, fp := range p.FailPaths {
		if fp == path {
			return stt.Result{}, fmt.Errorf("mock: transcribe %s: injected failure", path)
		}
	}

	res, ok := p.Results[path]
	if !ok {
		res = p.Default
	}
	if res.Text == "" {
		return stt.Result{}, fmt.Errorf("mock: transcribe %s: no speech detected", path)
	}
	if len(res.Segments) == 0 {
		res.Segments = []stt.Segment{{Start: 0, End: time.Second, Text: res.Text}}
	}
	return res, nil
}

// CallCount returns how many times Transcribe was invoked.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
