package config

import (
	"errors"
	"testing"

	"github.com/callgist/callgist/pkg/provider/llm"
	llmmock "github.com/callgist/callgist/pkg/provider/llm/mock"
	"github.com/callgist/callgist/pkg/provider/stt"
	sttmock "github.com/callgist/callgist/pkg/provider/stt/mock"
)

func TestRegistry_CreateSTT(t *testing.T) {
	r := NewRegistry()
	var gotEntry ProviderEntry
	r.RegisterSTT("mock", func(e ProviderEntry) (stt.Provider, error) {
		gotEntry = e
		return &sttmock.Provider{}, nil
	})

	entry := ProviderEntry{Name: "mock", Model: "base"}
	p, err := r.CreateSTT(entry)
	if err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if p == nil {
		t.Fatal("CreateSTT returned nil provider")
	}
	if gotEntry.Model != "base" {
		t.Errorf("factory entry = %+v", gotEntry)
	}
}

func TestRegistry_CreateLLM(t *testing.T) {
	r := NewRegistry()
	r.RegisterLLM("mock", func(_ ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})

	if _, err := r.CreateLLM(ProviderEntry{Name: "mock"}); err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	r := NewRegistry()

	if _, err := r.CreateSTT(ProviderEntry{Name: "deepgram"}); !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("CreateSTT err = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := r.CreateLLM(ProviderEntry{Name: "claude"}); !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("CreateLLM err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_Overwrite(t *testing.T) {
	r := NewRegistry()
	r.RegisterLLM("openai", func(_ ProviderEntry) (llm.Provider, error) {
		t.Fatal("stale factory called")
		return nil, nil
	})
	r.RegisterLLM("openai", func(_ ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})

	if _, err := r.CreateLLM(ProviderEntry{Name: "openai"}); err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
}
