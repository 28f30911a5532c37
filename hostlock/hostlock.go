// Package hostlock provides the host-wide mutual-exclusion gate that
// serializes every mutating cache operation across processes.
//
// The gate is an advisory file lock (flock) on a well-known lock file. The
// operating system releases the lock automatically when the holding process
// terminates, so a crashed holder never wedges the cache: the next acquirer
// simply proceeds and logs a recoverable warning. Correctness therefore rests
// on every gated operation being idempotent or self-healing, not on the gate
// repairing whatever state the previous holder left behind.
//
// The flock and dead-holder detection rely on POSIX semantics.
package hostlock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/apex/log"
	"github.com/gofrs/flock"
	"github.com/jmgilman/go/errors"
)

// Lock is a named, host-wide mutual-exclusion gate.
//
// A single flock held by this process does not exclude other goroutines of
// the same process (the kernel treats re-locking an already-held file as a
// no-op), so Lock layers an in-process mutex over the file lock. Acquire
// blocks indefinitely; there is no timeout and no cancellation.
type Lock struct {
	path string
	fl   *flock.Flock
	mu   sync.Mutex
}

// New creates a gate backed by the lock file at path. The file is created on
// first acquisition; its parent directory must exist.
func New(path string) *Lock {
	return &Lock{
		path: path,
		fl:   flock.New(path),
	}
}

// Acquire blocks until the gate is free and returns a release function.
// The release function must be called exactly once per successful Acquire,
// on every exit path; calling it more than once is a no-op.
//
// If the previous holder terminated without releasing, acquisition still
// succeeds and the abandoned holder is logged as a warning.
func (l *Lock) Acquire() (release func(), err error) {
	l.mu.Lock()

	if err := l.fl.Lock(); err != nil {
		l.mu.Unlock()
		return nil, errors.Wrapf(err, errors.CodeInternal, "failed to acquire host lock %s", l.path)
	}

	if pid, abandoned := l.abandonedHolder(); abandoned {
		log.WithFields(log.Fields{
			"lock": l.path,
			"pid":  pid,
		}).Warn("previous holder terminated without releasing the gate; proceeding")
	}

	l.recordHolder()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.clearHolder()
			if err := l.fl.Unlock(); err != nil {
				log.WithError(err).WithField("lock", l.path).Error("failed to release host lock")
			}
			l.mu.Unlock()
		})
	}, nil
}

// Path returns the lock file path identifying this gate.
func (l *Lock) Path() string {
	return l.path
}

// abandonedHolder inspects the PID the previous holder recorded in the lock
// file. A PID belonging to a process that no longer exists means the holder
// died while holding the gate: the kernel already released the flock, but the
// file content was never cleared.
func (l *Lock) abandonedHolder() (int, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 || pid == os.Getpid() {
		return 0, false
	}

	return pid, !processAlive(pid)
}

// recordHolder writes our PID into the lock file so the next acquirer can
// tell whether we released cleanly.
func (l *Lock) recordHolder() {
	if err := os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		log.WithError(err).WithField("lock", l.path).Debug("failed to record lock holder")
	}
}

// clearHolder truncates the lock file on clean release.
func (l *Lock) clearHolder() {
	_ = os.WriteFile(l.path, nil, 0o644)
}

// processAlive reports whether a process with the given PID exists. Signal 0
// performs the existence check without delivering anything; EPERM still means
// the process is there.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// DefaultPath returns the conventional lock file location for an export root.
func DefaultPath(exportRoot string) string {
	return filepath.Join(exportRoot, ".wccache.lock")
}
