package lock

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	pulsarErrors "github.com/bashhack/git-pulsar/internal/errors"
)

// lockFileName is the advisory lock git-pulsar places inside a repo's gitdir.
// It is zero-length; the flock itself, not the file contents, is the state.
const lockFileName = "pulsar.lock"

// Locker is a per-repo, non-blocking advisory lock. It serializes ShadowEngine
// snapshot cycles against the same repo's shadow refs (the Reconciler does
// not take it); contenders do not wait, they skip the current cycle (see
// TryAcquire).
//
// Unlike the teacher's PID-file lock (which lives in a shared temp directory
// and recovers from a stale PID by inspecting /proc), this lock lives inside
// the repo's own .git directory, one per repo, and relies entirely on flock's
// kernel-level semantics: a process that dies holding the lock releases it
// automatically when its file descriptors close, so there is no stale-lock
// recovery path to implement.
type Locker struct {
	path     string
	fl       *flock.Flock
	acquired bool
}

// New creates a Locker for the given repository's git directory.
func New(gitDir string) *Locker {
	return &Locker{
		path: filepath.Join(gitDir, lockFileName),
		fl:   flock.New(filepath.Join(gitDir, lockFileName)),
	}
}

// TryAcquire attempts to acquire the lock without blocking. It returns
// (true, nil) on success and (false, nil) if another process already holds
// it — the caller's policy for that case is "skip this cycle", not retry.
func (l *Locker) TryAcquire() (bool, error) {
	locked, err := l.fl.TryLock()
	if err != nil {
		return false, pulsarErrors.NewLockError(l.path, 0,
			pulsarErrors.Wrap(err, "failed to acquire pulsar.lock"))
	}
	l.acquired = locked
	return locked, nil
}

// Acquire is a convenience wrapper matching the teacher's Locker.Acquire
// signature: it returns ErrAlreadyLocked rather than a boolean when
// contended, for callers (e.g. foreground `now`) that want a hard error
// instead of a skip decision.
func (l *Locker) Acquire() error {
	locked, err := l.TryAcquire()
	if err != nil {
		return err
	}
	if !locked {
		return pulsarErrors.NewLockError(l.path, 0, pulsarErrors.ErrAlreadyLocked)
	}
	return nil
}

// Release releases the lock if held. Safe to call multiple times.
func (l *Locker) Release() error {
	if !l.acquired {
		return nil
	}
	l.acquired = false
	if err := l.fl.Unlock(); err != nil {
		return pulsarErrors.NewLockError(l.path, 0, pulsarErrors.Wrap(err, "failed to release pulsar.lock"))
	}
	return nil
}

// Path returns the lock file's path, mostly useful for diagnostics and tests.
func (l *Locker) Path() string {
	return l.path
}

// EnsureGitDirWritable is a cheap preflight that checks a gitdir is writable
// by creating and removing a probe file: a gitdir that isn't writable means
// every later step (the lock itself, pulsar_index, pulsar_drift_state) will
// fail. It returns a plain wrapped error, not a classified PulsarError, and
// nothing outside this package's tests calls it.
func EnsureGitDirWritable(gitDir string) error {
	probe := filepath.Join(gitDir, ".pulsar_write_probe")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return pulsarErrors.Wrap(err, "git directory is not writable")
	}
	_ = f.Close()
	_ = os.Remove(probe)
	return nil
}
