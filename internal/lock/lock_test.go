package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions", "main", "LOCK")

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if l.Path() != path {
		t.Errorf("Path() = %q, want %q", l.Path(), path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	h := parseHolder(string(data))
	if h.PID != os.Getpid() {
		t.Errorf("recorded PID = %d, want %d", h.PID, os.Getpid())
	}
	if time.Since(h.Since) > time.Minute {
		t.Errorf("recorded time = %v", h.Since)
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock file still present after Release: %v", err)
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOCK")

	l1, err := Acquire(path)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(path)
	var lockErr *LockHeldError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockHeldError, got %T: %v", err, err)
	}
	if lockErr.PID != os.Getpid() {
		t.Errorf("holder PID = %d, want %d", lockErr.PID, os.Getpid())
	}
}

func TestReadHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOCK")

	if _, err := ReadHolder(path); !errors.Is(err, ErrNotHeld) {
		t.Errorf("missing file: err = %v, want ErrNotHeld", err)
	}

	l, err := Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	h, err := ReadHolder(path)
	if err != nil {
		t.Fatalf("ReadHolder() error = %v", err)
	}
	if h.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", h.PID, os.Getpid())
	}
	_ = l.Release()

	// A leftover file without a live flock is not a holder.
	if err := os.WriteFile(path, []byte("pid=1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadHolder(path); !errors.Is(err, ErrNotHeld) {
		t.Errorf("stale file: err = %v, want ErrNotHeld", err)
	}
}

func TestParseHolder(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"pid=42\ntime=2026-01-02T03:04:05Z\n", 42},
		{"pid=abc\n", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := parseHolder(tt.in).PID; got != tt.want {
			t.Errorf("parseHolder(%q).PID = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	l, err := Acquire(filepath.Join(t.TempDir(), "LOCK"))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}
