// Package openai provides an STT provider backed by the OpenAI
// transcription API.
//
// The API returns plain text without utterance timing, so results carry a
// single segment spanning the whole request. Use the whisper package when
// per-segment timing matters.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/callgist/callgist/pkg/provider/stt"
)

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the OpenAI transcription API.
type Provider struct {
	client   oai.Client
	model    oai.AudioModel
	language string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL  string
	language string
	timeout  time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Useful for
// OpenAI-compatible transcription servers.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithLanguage sets the expected audio language (e.g. "en"). Empty lets the
// API auto-detect.
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI STT Provider. model is the transcription
// model identifier; when empty, whisper-1 is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		model = string(oai.AudioModelWhisper1)
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    oai.AudioModel(model),
		language: cfg.language,
	}, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, path string) (stt.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return stt.Result{}, fmt.Errorf("openai: open %s: %w", path, err)
	}
	defer f.Close()

	params := oai.AudioTranscriptionNewParams{
		Model: p.model,
		File:  f,
	}
	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Result{}, fmt.Errorf("openai: transcribe %s: %w", path, err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return stt.Result{}, fmt.Errorf("openai: no speech detected in %s", path)
	}
	return stt.Result{
		Text:     text,
		Segments: []stt.Segment{{Start: 0, End: 0, Text: text}},
		Language: p.language,
	}, nil
}
