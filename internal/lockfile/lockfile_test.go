package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
)

func TestAcquireWritesHolder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()

	data, err := os.ReadFile(filepath.Join(dir, LockFileName))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	h, ok := parseHolder(string(data))
	if !ok || h.pid != os.Getpid() || h.started == "" {
		t.Errorf("unexpected holder %+v from %q", h, data)
	}
}

func TestSecondAcquireFails(t *testing.T) {
	dir := t.TempDir()
	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("first AcquireLock: %v", err)
	}
	defer first.Release()

	_, err = AcquireLock(dir)
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %v", err)
	}
	if !errors.Is(err, syscall.EWOULDBLOCK) {
		t.Errorf("expected EWOULDBLOCK cause, got %v", lockErr.Cause)
	}
	if !strings.Contains(lockErr.ExistingInfo, "PID "+strconv.Itoa(os.Getpid())+" (running)") {
		t.Errorf("holder info = %q", lockErr.ExistingInfo)
	}
	if !strings.Contains(err.Error(), lockErr.LockPath) {
		t.Errorf("error should name the lock file: %v", err)
	}

	// The failed attempt must not wipe the holder's details.
	data, _ := os.ReadFile(filepath.Join(dir, LockFileName))
	if h, ok := parseHolder(string(data)); !ok || h.pid != os.Getpid() {
		t.Errorf("holder overwritten: %q", data)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed, stat err = %v", err)
	}
	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again.Release()
}

func TestParseHolder(t *testing.T) {
	tests := []struct {
		content string
		pid     int
		ok      bool
	}{
		{"pid=1234\nstarted=2026-01-01T00:00:00Z\n", 1234, true},
		{"pid=42\n", 42, true},
		{"", 0, false},
		{"pid=abc\n", 0, false},
		{"garbage", 0, false},
	}
	for _, tt := range tests {
		h, ok := parseHolder(tt.content)
		if ok != tt.ok || h.pid != tt.pid {
			t.Errorf("parseHolder(%q) = %+v, %v; want pid %d, %v", tt.content, h, ok, tt.pid, tt.ok)
		}
	}
}

func TestDescribeHolderStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), LockFileName)
	// PIDs are capped well below this on Linux.
	if err := os.WriteFile(path, []byte("pid=2147483646\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := describeHolder(path); !strings.Contains(got, "stale") {
		t.Errorf("describeHolder = %q, want stale", got)
	}
	if got := describeHolder(filepath.Join(t.TempDir(), "missing")); got != "unable to read lock file information" {
		t.Errorf("describeHolder(missing) = %q", got)
	}
}
