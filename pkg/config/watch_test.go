package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoader_Watch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "build.yaml")
	if err := os.WriteFile(path, []byte(demoYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type reloadResult struct {
		cfg *BuildConfig
		err error
	}
	reloads := make(chan reloadResult, 4)
	done := make(chan error, 1)
	go func() {
		done <- NewLoader().Watch(ctx, path, 20*time.Millisecond, nil, func(cfg *BuildConfig, err error) {
			reloads <- reloadResult{cfg, err}
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	changed := strings.Replace(demoYAML, "name: demo", "name: renamed", 1)
	if err := os.WriteFile(path, []byte(changed), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-reloads:
		if r.err != nil {
			t.Fatalf("reload failed: %v", r.err)
		}
		if r.cfg.Name != "renamed" {
			t.Errorf("expected reloaded name %q, got %q", "renamed", r.cfg.Name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after the configuration changed")
	}

	// A single write can produce several events; drain late reloads.
	time.Sleep(100 * time.Millisecond)
	for len(reloads) > 0 {
		<-reloads
	}

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-reloads:
		t.Errorf("unexpected reload %+v", r)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop after cancellation")
	}
}

func TestLoader_WatchMissingPath(t *testing.T) {
	err := NewLoader().Watch(context.Background(), filepath.Join(t.TempDir(), "missing.cue"), 0, nil, func(*BuildConfig, error) {})
	if err == nil {
		t.Fatal("expected error for a missing path")
	}
}
