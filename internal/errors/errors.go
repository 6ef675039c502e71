package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors that can be used with errors.Is() for error type checking
var (
	// ErrNotGitRepository indicates the target path is not a git repository
	ErrNotGitRepository = errors.New("not a git repository")

	// ErrLockAcquisitionFailure indicates a lock file could not be acquired
	ErrLockAcquisitionFailure = errors.New("failed to acquire lock")

	// ErrAlreadyLocked indicates another pulsar process holds the repo lock
	ErrAlreadyLocked = errors.New("another git-pulsar process holds the lock for this repository")

	// ErrGitOperationFailed indicates a git command returned an error
	ErrGitOperationFailed = errors.New("git operation failed")

	// ErrInvalidConfiguration indicates an invalid or conflicting user configuration
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrWorkingTreeBusy indicates a rebase/merge/bisect is in progress or index.lock is held
	ErrWorkingTreeBusy = errors.New("working tree is busy")

	// ErrLargeFileBlocked indicates a candidate file exceeds the configured size threshold
	ErrLargeFileBlocked = errors.New("file exceeds large file threshold")

	// ErrReconcileConflict indicates the octopus merge found overlapping paths across machines
	ErrReconcileConflict = errors.New("conflicting changes across machines")

	// ErrNoDrift indicates there is nothing new to reconcile
	ErrNoDrift = errors.New("no cross-machine drift to reconcile")

	// ErrDirtyWorkingTree indicates sync/restore refuses to run against uncommitted local changes
	ErrDirtyWorkingTree = errors.New("working tree has local modifications")

	// ErrCanceled indicates a restore negotiation ended in CANCEL
	ErrCanceled = errors.New("operation canceled by user")

	// ErrUnknownConfigKey indicates the config cascade saw a key with no schema entry
	ErrUnknownConfigKey = errors.New("unknown configuration key")

	// ErrNoGitBinary indicates the git executable could not be found in PATH
	ErrNoGitBinary = errors.New("git binary not found in PATH")

	// ErrSystemUnderLoad indicates the daemon skipped a snapshot because the
	// 1-minute load average was too high to run one this tick
	ErrSystemUnderLoad = errors.New("system is under heavy load")
)

// Kind classifies an error for logging level and recovery policy, per the
// daemon's error handling design: Transient errors are retried, Busy errors
// skip the current cycle, Blocker errors mark the repo blocked and notify,
// Corruption quarantines the offending ref, and Fatal errors stop the daemon.
type Kind int

const (
	// KindUnknown is the zero value; treated like Fatal by cautious callers.
	KindUnknown Kind = iota
	// KindTransient covers dropped networks and timeouts; retried next cycle.
	KindTransient
	// KindBusy covers an in-progress rebase/merge or a held index.lock.
	KindBusy
	// KindBlocker covers an oversized file or a detached HEAD.
	KindBlocker
	// KindCorruption covers a shadow ref pointing at a missing object.
	KindCorruption
	// KindFatal covers a daemon that cannot write its state dir or find git.
	KindFatal
)

// String renders the Kind the way it appears in log lines and doctor output.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindBusy:
		return "busy"
	case KindBlocker:
		return "blocker"
	case KindCorruption:
		return "corruption"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// PulsarError classifies a failure from any daemon component so that logging
// level and recovery policy can be decided purely by dispatching on Kind,
// without string-matching the underlying error.
type PulsarError struct {
	Kind      Kind
	Component string
	Err       error
}

// Error implements the error interface.
func (e *PulsarError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s[%s]: %v", e.Component, e.Kind, e.Err)
	}
	return fmt.Sprintf("[%s]: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is and errors.As.
func (e *PulsarError) Unwrap() error {
	return e.Err
}

// NewPulsarError creates a new PulsarError with the given classification.
func NewPulsarError(kind Kind, component string, err error) *PulsarError {
	return &PulsarError{Kind: kind, Component: component, Err: err}
}

// New creates a new error with the given message.
// This is a convenience function that wraps errors.New.
func New(message string) error {
	return errors.New(message)
}

// Errorf creates a new formatted error.
// This is a convenience function that wraps fmt.Errorf.
func Errorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

// Wrap wraps an error with a message for better context.
func Wrap(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted message for better context.
func Wrapf(err error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether target is in err's chain.
// This is a convenience function that wraps errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience function that wraps errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// GitError represents an error that occurred during a Git operation.
// It captures the command details, underlying error, and command output.
type GitError struct {
	Operation string
	Args      []string
	Err       error
	Output    string
}

// Error implements the error interface with a detailed, user-friendly error message.
func (e *GitError) Error() string {
	msg := fmt.Sprintf("git %s failed", e.Operation)
	if e.Output != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Output)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for use with errors.Is and errors.As.
func (e *GitError) Unwrap() error {
	return e.Err
}

// NewGitError creates a new GitError with the given parameters.
func NewGitError(operation string, args []string, err error, output string) *GitError {
	return &GitError{
		Operation: operation,
		Args:      args,
		Err:       err,
		Output:    output,
	}
}

// LockError represents an error that occurred when interacting with file locks.
// It includes the lock file path, process ID if available, and underlying error.
type LockError struct {
	LockFile string
	PID      int
	Err      error
}

// Error implements the error interface with details about the lock file and process.
func (e *LockError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("lock error with file %s (PID: %d): %v", e.LockFile, e.PID, e.Err)
	}
	return fmt.Sprintf("lock error with file %s: %v", e.LockFile, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is and errors.As.
func (e *LockError) Unwrap() error {
	return e.Err
}

// NewLockError creates a new LockError with the given parameters.
func NewLockError(lockFile string, pid int, err error) *LockError {
	return &LockError{
		LockFile: lockFile,
		PID:      pid,
		Err:      err,
	}
}

// ConfigError represents an error in the application configuration.
// It includes the parameter name, its value if available, and the underlying error.
type ConfigError struct {
	Parameter string
	Value     interface{}
	Err       error
}

// Error implements the error interface with details about the invalid configuration.
func (e *ConfigError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("configuration error for %s = %v: %v", e.Parameter, e.Value, e.Err)
	}
	return fmt.Sprintf("configuration error for %s: %v", e.Parameter, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is and errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError with the given parameters.
func NewConfigError(parameter string, value interface{}, err error) *ConfigError {
	return &ConfigError{
		Parameter: parameter,
		Value:     value,
		Err:       err,
	}
}
