package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	reloaded := make(chan *PipelineConfig, 1)
	watcher := NewWatcher(path, zerolog.Nop())
	watcher.OnChange = func(cfg *PipelineConfig) {
		select {
		case reloaded <- cfg:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()

	// Give fsnotify time to register the directory watch.
	time.Sleep(100 * time.Millisecond)

	updated := strings.Replace(sampleConfig, "name: release", "name: hotfix", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("Failed to update config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Name != "hotfix" {
			t.Errorf("Expected reloaded name hotfix, got %q", cfg.Name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watcher did not stop")
	}
}

func TestWatcher_KeepsPreviousConfigOnBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	failed := make(chan error, 1)
	changed := make(chan struct{}, 1)
	watcher := NewWatcher(path, zerolog.Nop())
	watcher.OnChange = func(cfg *PipelineConfig) {
		select {
		case changed <- struct{}{}:
		default:
		}
	}
	watcher.OnError = func(err error) {
		select {
		case failed <- err:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = watcher.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("version: [broken"), 0o644); err != nil {
		t.Fatalf("Failed to update config: %v", err)
	}

	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload error")
	}
	select {
	case <-changed:
		t.Error("OnChange must not fire for an invalid config")
	default:
	}
}
