// Package lockfile keeps two ReelPipe processes from sharing one state directory.
//
// The lock is an flock on a file inside the directory, so the kernel releases it
// when the holder exits, cleanly or not.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is created inside the state directory.
const LockFileName = "reelpipe.lock"

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// holder is what a lock file records about its owner.
type holder struct {
	pid     int
	started string
}

func (h holder) String() string {
	return fmt.Sprintf("pid=%d\nstarted=%s\n", h.pid, h.started)
}

// AcquireLock takes the lock on stateDir, creating the directory if needed.
// If another process holds it, the returned error is a *LockError.
func AcquireLock(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)

	// O_TRUNC would wipe the current holder's details before we know we won.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{LockPath: path, ExistingInfo: describeHolder(path), Cause: err}
		slog.Error("Lockfile.AcquireLock: state directory is locked", "lock_path", path, "holder", lockErr.ExistingInfo)
		return nil, lockErr
	}

	me := holder{pid: os.Getpid(), started: time.Now().UTC().Format(time.RFC3339)}
	if err := writeHolder(file, me); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", path, err)
	}
	slog.Info("Lockfile.AcquireLock: acquired", "lock_path", path, "pid", me.pid)
	return &Lock{file: file, path: path}, nil
}

func writeHolder(file *os.File, h holder) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(h.String()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Lockfile.writeHolder: sync failed", "error", err, "lock_path", file.Name())
	}
	return nil
}

// Release unlocks and removes the lock file. Calling it twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var errs []error
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove: %w", err))
	}
	l.file = nil
	if err := errors.Join(errs...); err != nil {
		slog.Error("Lockfile.Release: cleanup incomplete", "error", err, "lock_path", l.path)
		return err
	}
	slog.Info("Lockfile.Release: released", "lock_path", l.path)
	return nil
}

// LockError reports that another process holds the lock.
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another ReelPipe instance is already using this state directory (lock file: %s)", e.LockPath)
	if e.ExistingInfo != "" {
		fmt.Fprintf(&b, "; holder: %s", e.ExistingInfo)
	}
	fmt.Fprintf(&b, "; if no other instance is running the lock is stale and can be removed with: rm %s", e.LockPath)
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// describeHolder summarizes the lock file contents for an error message.
func describeHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "unable to read lock file information"
	}
	h, ok := parseHolder(string(data))
	if !ok {
		return "lock file contains no process information"
	}
	status := "running"
	if !isProcessRunning(h.pid) {
		status = "not running, stale lock"
	}
	if h.started != "" {
		return fmt.Sprintf("PID %d (%s), started %s", h.pid, status, h.started)
	}
	return fmt.Sprintf("PID %d (%s)", h.pid, status)
}

func parseHolder(content string) (holder, bool) {
	var h holder
	for _, line := range strings.Split(content, "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), "=")
		if !found {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				h.pid = pid
			}
		case "started":
			h.started = value
		}
	}
	return h, h.pid > 0
}

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
