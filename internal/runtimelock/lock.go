// Package runtimelock implements the per-state-directory exclusive instance
// lock: a lock file, a PID file, and a JSON runtime descriptor that together
// let a single instance claim a state directory and let local clients
// discover it.
package runtimelock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

const (
	// LockFileName is the exclusive advisory lock file under the state directory.
	LockFileName = "agent-brain.lock"
	// PIDFileName holds the decimal PID of the process holding the lock.
	PIDFileName = "agent-brain.pid"
	// DescriptorFileName holds the JSON runtime descriptor.
	DescriptorFileName = "runtime.json"

	// SchemaVersion is the current RuntimeDescriptor schema version.
	SchemaVersion = 1
)

// ErrBusy is returned by Acquire when another live process holds the lock.
var ErrBusy = errors.New("runtime lock is held by another process")

// ErrPIDFileNotFound is returned when the PID file doesn't exist.
var ErrPIDFileNotFound = errors.New("PID file not found")

// Descriptor is the JSON document written alongside the lock, discoverable
// by local clients that want to find a running instance without polling a
// port.
type Descriptor struct {
	SchemaVersion int    `json:"schema_version"`
	Mode          string `json:"mode"`
	BindHost      string `json:"bind_host"`
	Port          int    `json:"port"`
	PID           int    `json:"pid"`
	InstanceID    string `json:"instance_id"`
	StartedAt     string `json:"started_at"`
	ProjectRoot   string `json:"project_root,omitempty"`
	ProjectID     string `json:"project_id,omitempty"`
}

// Lock owns the exclusive lock, PID file, and descriptor for one state
// directory. The zero value is not usable; construct with New.
type Lock struct {
	stateDir string
	flock    *flock.Flock
	locked   bool
}

// New creates a Lock bound to the given state directory. The directory is
// created if it does not already exist.
func New(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &Lock{
		stateDir: stateDir,
		flock:    flock.New(filepath.Join(stateDir, LockFileName)),
	}, nil
}

// Acquire attempts to claim the lock without blocking. On success it writes
// the PID file and the runtime descriptor. If the lock is held by a live
// process it returns ErrBusy; if best-effort locking is unavailable on this
// platform (no file-range locking support), it logs a one-time warning via
// the supplied warn callback and proceeds as if acquired.
func (l *Lock) Acquire(desc Descriptor, warn func(string)) error {
	ok, err := l.flock.TryLock()
	if err != nil {
		if warn != nil {
			warn(fmt.Sprintf("file locking unavailable on this platform, proceeding best-effort: %v", err))
		}
		ok = true
	}
	if !ok {
		return ErrBusy
	}
	l.locked = true

	desc.SchemaVersion = SchemaVersion
	desc.PID = os.Getpid()
	if desc.StartedAt == "" {
		desc.StartedAt = time.Now().UTC().Format(time.RFC3339)
	}

	if err := l.writePID(); err != nil {
		_ = l.Release()
		return err
	}
	if err := l.writeDescriptor(desc); err != nil {
		_ = l.Release()
		return err
	}
	return nil
}

// Release releases the lock and removes the PID file and descriptor. It is
// safe to call multiple times.
func (l *Lock) Release() error {
	var firstErr error
	if l.locked {
		if err := l.flock.Unlock(); err != nil {
			firstErr = fmt.Errorf("release lock: %w", err)
		}
		l.locked = false
	}
	if err := os.Remove(l.pidPath()); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}
	if err := os.Remove(l.descriptorPath()); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (l *Lock) pidPath() string        { return filepath.Join(l.stateDir, PIDFileName) }
func (l *Lock) descriptorPath() string { return filepath.Join(l.stateDir, DescriptorFileName) }

func (l *Lock) writePID() error {
	return os.WriteFile(l.pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func (l *Lock) writeDescriptor(desc Descriptor) error {
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal runtime descriptor: %w", err)
	}
	tmp := l.descriptorPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write runtime descriptor: %w", err)
	}
	return os.Rename(tmp, l.descriptorPath())
}

// ReadPID reads the PID recorded in the state directory's PID file.
func ReadPID(stateDir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, PIDFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrPIDFileNotFound
		}
		return 0, fmt.Errorf("read PID file: %w", err)
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	return pid, nil
}

// ReadDescriptor reads the persisted runtime descriptor, if any.
func ReadDescriptor(stateDir string) (*Descriptor, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, DescriptorFileName))
	if err != nil {
		return nil, err
	}
	var desc Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parse runtime descriptor: %w", err)
	}
	return &desc, nil
}

// IsStale reports whether the PID recorded in the state directory no longer
// names a live process. A missing PID file is considered stale (nothing to
// clean up beyond the lock file itself).
func IsStale(stateDir string) bool {
	pid, err := ReadPID(stateDir)
	if err != nil {
		return true
	}
	return !processAlive(pid)
}

// CleanupIfStale removes the lock and PID files when the recorded PID is no
// longer live. It deliberately never touches runtime.json: that file is
// managed by the CLI at startup to avoid races with a server that is still
// initializing.
func CleanupIfStale(stateDir string) (bool, error) {
	if !IsStale(stateDir) {
		return false, nil
	}
	var firstErr error
	if err := os.Remove(filepath.Join(stateDir, LockFileName)); err != nil && !os.IsNotExist(err) {
		firstErr = err
	}
	if err := os.Remove(filepath.Join(stateDir, PIDFileName)); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}
	return true, firstErr
}

// processAlive reports whether a process with the given PID is currently
// running, using the signal-0 probe (no-op delivery, existence check only).
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrProcessDone) {
		return false
	}
	// EPERM means the process exists but is owned by another user.
	return errors.Is(err, syscall.EPERM)
}
