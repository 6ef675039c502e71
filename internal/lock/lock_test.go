package lock

import (
	"path/filepath"
	"testing"

	pulsarErrors "github.com/bashhack/git-pulsar/internal/errors"
)

func TestAcquireRelease(t *testing.T) {
	gitDir := t.TempDir()
	l := New(gitDir)

	locked, err := l.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire returned error: %v", err)
	}
	if !locked {
		t.Fatal("expected to acquire uncontended lock")
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
}

func TestTryAcquireContended(t *testing.T) {
	gitDir := t.TempDir()

	first := New(gitDir)
	locked, err := first.TryAcquire()
	if err != nil || !locked {
		t.Fatalf("expected first lock to acquire, got locked=%v err=%v", locked, err)
	}
	defer func() { _ = first.Release() }()

	second := New(gitDir)
	locked, err = second.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire on contended lock returned error: %v", err)
	}
	if locked {
		t.Fatal("expected contended lock to fail to acquire")
	}
}

func TestAcquireReturnsAlreadyLockedError(t *testing.T) {
	gitDir := t.TempDir()

	first := New(gitDir)
	if err := first.Acquire(); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	defer func() { _ = first.Release() }()

	second := New(gitDir)
	err := second.Acquire()
	if err == nil {
		t.Fatal("expected contended Acquire to return an error")
	}
	if !pulsarErrors.Is(err, pulsarErrors.ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked in chain, got: %v", err)
	}
}

func TestReleaseWithoutAcquireIsNoop(t *testing.T) {
	l := New(t.TempDir())
	if err := l.Release(); err != nil {
		t.Fatalf("Release on never-acquired lock should be a no-op, got: %v", err)
	}
}

func TestLockPathIsInsideGitDir(t *testing.T) {
	gitDir := t.TempDir()
	l := New(gitDir)
	want := filepath.Join(gitDir, lockFileName)
	if l.Path() != want {
		t.Fatalf("Path() = %q, want %q", l.Path(), want)
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	gitDir := t.TempDir()
	l := New(gitDir)

	if err := l.Acquire(); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	other := New(gitDir)
	if err := other.Acquire(); err != nil {
		t.Fatalf("expected lock to be re-acquirable after release, got: %v", err)
	}
	_ = other.Release()
}

func TestEnsureGitDirWritable(t *testing.T) {
	gitDir := t.TempDir()
	if err := EnsureGitDirWritable(gitDir); err != nil {
		t.Fatalf("expected writable temp dir to pass preflight, got: %v", err)
	}
}

func TestEnsureGitDirWritableFailsForMissingDir(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	if err := EnsureGitDirWritable(missing); err == nil {
		t.Fatal("expected preflight to fail for a nonexistent directory")
	}
}
