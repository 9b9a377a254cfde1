package persist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrLocked is returned when another live process holds the run lock.
var ErrLocked = errors.New("run lock held")

// LockInfo is the content of a lock file.
type LockInfo struct {
	RunID     string    `yaml:"run_id"`
	PID       int       `yaml:"pid"`
	StartedAt time.Time `yaml:"started_at"`
}

// RunLock is a PID lock file that keeps two processes from running the
// pipeline on the same state directory at once.
type RunLock struct {
	path  string
	runID string
}

// NewRunLock creates a lock at <stateDir>/turbo.lock.
func NewRunLock(stateDir string) *RunLock {
	return &RunLock{path: filepath.Join(stateDir, "turbo.lock")}
}

// Path returns the lock file path.
func (l *RunLock) Path() string {
	return l.path
}

// Acquire takes the lock for runID. A lock left by a process that is no
// longer running is reclaimed.
func (l *RunLock) Acquire(runID string) error {
	if err := EnsureStateDir(filepath.Dir(l.path)); err != nil {
		return err
	}
	info := LockInfo{RunID: runID, PID: os.Getpid(), StartedAt: time.Now().UTC()}
	data, err := yaml.Marshal(&info)
	if err != nil {
		return fmt.Errorf("marshaling lock: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		err = writeExclusive(l.path, data)
		if err == nil {
			l.runID = runID
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("creating lock file: %w", err)
		}

		held, loadErr := LoadLock(l.path)
		if loadErr == nil && held != nil && !IsLockStale(held) {
			return fmt.Errorf("%w: run %s (PID %d) started %s", ErrLocked,
				held.RunID, held.PID, held.StartedAt.Format(time.RFC3339))
		}
		// Stale or unreadable: clean up and retry once.
		if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("removing stale lock file: %w", rmErr)
		}
	}
	return fmt.Errorf("%w: lock file %s keeps reappearing", ErrLocked, l.path)
}

// Release removes the lock if this RunLock holds it.
func (l *RunLock) Release() error {
	if l.runID == "" {
		return nil
	}
	held, err := LoadLock(l.path)
	if err != nil {
		return err
	}
	if held != nil && held.RunID != l.runID {
		return fmt.Errorf("lock is held by run %s, not %s", held.RunID, l.runID)
	}
	l.runID = ""
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

// ForeignHolder returns the lock held by another live process, or nil when
// the lock is free, stale, or held by this process.
func (l *RunLock) ForeignHolder() (*LockInfo, error) {
	held, err := LoadLock(l.path)
	if err != nil || held == nil {
		return nil, err
	}
	if held.PID == os.Getpid() || IsLockStale(held) {
		return nil, nil
	}
	return held, nil
}

// LoadLock reads a lock file. It returns nil and no error if it doesn't exist.
func LoadLock(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading lock file: %w", err)
	}
	var info LockInfo
	if err := yaml.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parsing lock file: %w", err)
	}
	return &info, nil
}

// IsLockStale reports whether the process that wrote info is gone.
func IsLockStale(info *LockInfo) bool {
	if info == nil {
		return true
	}
	return !isProcessRunning(info.PID)
}

// isProcessRunning checks if a process with the given PID exists.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds. Send signal 0 to check existence;
	// EPERM means the process exists but belongs to another user.
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
