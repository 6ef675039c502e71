// Package lock provides a per-repository advisory lock for git-pulsar.
//
// Exactly one lock file lives inside a tracked repo's gitdir, pulsar.lock.
// It is acquired non-blocking: a contended lock means "skip this cycle", not
// "wait". The lock is backed by gofrs/flock rather than a hand-rolled
// syscall.Flock call so that acquisition, release, and the underlying OS
// semantics (including what happens when the holding process dies) come
// from a maintained library rather than bespoke stale-PID recovery code.
package lock
