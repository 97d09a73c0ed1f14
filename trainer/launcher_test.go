package trainer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGoroutineLauncher(t *testing.T) {
	started := make(chan uint32, 3)
	l := NewGoroutineLauncher(func(ctx context.Context, id uint32, addr string) error {
		started <- id
		if id == 2 {
			return errors.New("boom")
		}
		<-ctx.Done()
		return nil
	})
	for id := uint32(0); id < 3; id++ {
		if err := l.Launch(id, "addr"); err != nil {
			t.Fatalf("launch %d: %v", id, err)
		}
	}
	for i := 0; i < 3; i++ {
		<-started
	}
	deadline := time.Now().Add(5 * time.Second)
	for l.Running() != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := l.Running(); n != 2 {
		t.Errorf("expected 2 running workers but got %d", n)
	}

	if err := l.StopAll(5 * time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if n := l.Running(); n != 0 {
		t.Errorf("expected no running workers but got %d", n)
	}
	exits := l.Exits()
	if exits[2] == nil || exits[0] != nil || exits[1] != nil {
		t.Errorf("unexpected exits %v", exits)
	}
	if err := l.Launch(9, "addr"); err == nil {
		t.Errorf("expected launch after StopAll to fail")
	}
}

func TestProcessLauncherStopsWorkers(t *testing.T) {
	script := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 30\n"), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	l := NewProcessLauncher(script, "")
	for id := uint32(0); id < 2; id++ {
		if err := l.Launch(id, "127.0.0.1:1"); err != nil {
			t.Fatalf("launch %d: %v", id, err)
		}
	}
	if n := l.Running(); n != 2 {
		t.Errorf("expected 2 running workers but got %d", n)
	}
	start := time.Now()
	if err := l.StopAll(2 * time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if n := l.Running(); n != 0 {
		t.Errorf("expected no running workers but got %d", n)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("stopping took %v", elapsed)
	}
}

func TestProcessLauncherMissingBinary(t *testing.T) {
	l := NewProcessLauncher(filepath.Join(t.TempDir(), "missing"), "")
	if err := l.Launch(0, "addr"); err == nil {
		t.Errorf("expected launching a missing binary to fail")
	}
}
