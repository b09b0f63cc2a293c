package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_FlagsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("daemon: {}\n"), 0600); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	if w.RestartRequired() {
		t.Fatal("restart flag set before any change")
	}

	// Give the watcher a moment to register before writing.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("daemon: {listen_addr: x}\n"), 0600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if w.RestartRequired() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("restart flag not set after config write")
}

func TestWatcher_SuppressedWriteDoesNotFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("daemon: {}\n"), 0600); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(50 * time.Millisecond)

	// A write inside the suppression window is the daemon's own save.
	w.SuppressFor(5 * time.Second)
	if err := os.WriteFile(path, []byte("staking: {selected_program: pearl_beta_2}\n"), 0600); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	if w.RestartRequired() {
		t.Error("suppressed write must not flag a restart")
	}
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("daemon: {}\n"), 0600); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond)
	if w.RestartRequired() {
		t.Error("sibling file write must not flag a restart")
	}
}
