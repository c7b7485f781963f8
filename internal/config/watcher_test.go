package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, listenAddr string) {
	t.Helper()
	yaml := "server:\n  listen_addr: \"" + listenAddr + "\"\n  log_level: info\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, ":8080")

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Server.ListenAddr; got != ":8080" {
		t.Errorf("listen_addr = %q, want :8080", got)
	}
}

func TestWatcher_InitialLoadFailure(t *testing.T) {
	if _, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("NewWatcher accepted a missing file")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, ":8080")

	var mu sync.Mutex
	var gotNew *Config
	onChange := func(_, newCfg *Config) {
		mu.Lock()
		gotNew = newCfg
		mu.Unlock()
	}

	w, err := NewWatcher(path, onChange, WithInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// Backdate the file's mtime marker by rewriting with different content.
	time.Sleep(10 * time.Millisecond)
	writeConfig(t, path, ":9090")

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		done := gotNew != nil
		mu.Unlock()
		if done || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotNew == nil {
		t.Fatal("change callback never fired")
	}
	if gotNew.Server.ListenAddr != ":9090" {
		t.Errorf("new listen_addr = %q, want :9090", gotNew.Server.ListenAddr)
	}
	if w.Current().Server.ListenAddr != ":9090" {
		t.Errorf("Current not updated: %q", w.Current().Server.ListenAddr)
	}
}

func TestWatcher_InvalidUpdateKeepsOldConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, ":8080")

	w, err := NewWatcher(path, nil, WithInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(path, []byte("server:\n  log_level: chatty\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Give the poller a few cycles to (not) pick up the invalid file.
	time.Sleep(50 * time.Millisecond)
	if got := w.Current().Server.ListenAddr; got != ":8080" {
		t.Errorf("Current changed to %q after invalid update", got)
	}
}
