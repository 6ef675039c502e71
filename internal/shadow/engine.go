package shadow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bashhack/git-pulsar/internal/constants"
	pulsarErrors "github.com/bashhack/git-pulsar/internal/errors"
	"github.com/bashhack/git-pulsar/internal/gitplumbing"
	"github.com/bashhack/git-pulsar/internal/lock"
)

// Notifier is the minimal surface Engine needs for user-visible alerts.
type Notifier interface {
	Notify(title, message string)
}

// BlockRecorder is the minimal drift-state surface Engine needs to record
// and clear a large-file veto without importing the drift package
// directly (which would create an import cycle back through gitplumbing).
type BlockRecorder interface {
	MarkBlocked(reason string) error
	ClearBlocked() error
}

// Status classifies the outcome of one SnapshotOnce call.
type Status int

const (
	// StatusSnapshotted means a new shadow commit was created.
	StatusSnapshotted Status = iota
	// StatusNoop means the working tree was unchanged since the last snapshot.
	StatusNoop
	// StatusBusy means the lock was contended or the working tree was mid-operation.
	StatusBusy
	// StatusBlocked means a candidate file exceeded the large-file threshold.
	StatusBlocked
)

// Result describes the outcome of one snapshot cycle.
type Result struct {
	Status Status
	SHA    string
	Stat   gitplumbing.DiffStat
}

// Engine runs the snapshot routine for one repository.
type Engine struct {
	plumbing    *gitplumbing.Plumbing
	locker      *lock.Locker
	drift       BlockRecorder
	notifier    Notifier
	gitDir      string
	machineID   string
	ignorePaths []string
	maxFileSize int64
}

// Config bundles Engine's construction-time dependencies.
type Config struct {
	Plumbing       *gitplumbing.Plumbing
	Locker         *lock.Locker
	Drift          BlockRecorder
	Notifier       Notifier
	GitDir         string
	MachineID      string
	IgnorePatterns []string
	MaxFileSize    int64
}

// New creates an Engine for one repository.
func New(cfg Config) *Engine {
	return &Engine{
		plumbing:    cfg.Plumbing,
		locker:      cfg.Locker,
		drift:       cfg.Drift,
		notifier:    cfg.Notifier,
		gitDir:      cfg.GitDir,
		machineID:   cfg.MachineID,
		ignorePaths: append(append([]string{}, constants.DefaultIgnorePatterns...), cfg.IgnorePatterns...),
		maxFileSize: cfg.MaxFileSize,
	}
}

// SnapshotOnce runs one full cycle for branch: lock, busy-check, large-file
// gate, add-all/write-tree, no-op short-circuit, commit-tree, and a
// compare-and-swap update-ref.
func (e *Engine) SnapshotOnce(ctx context.Context, branch string) (Result, error) {
	acquired, err := e.locker.TryAcquire()
	if err != nil {
		return Result{}, pulsarErrors.NewPulsarError(pulsarErrors.KindBusy, "shadow", err)
	}
	if !acquired {
		return Result{Status: StatusBusy}, nil
	}
	defer func() { _ = e.locker.Release() }()

	if gitplumbing.WorkingTreeBusy(e.gitDir, constants.BusyMarkers, isStaleIndexLock) {
		return Result{Status: StatusBusy}, nil
	}

	if blocked, reason, checkErr := e.checkLargeFiles(ctx); checkErr != nil {
		return Result{}, checkErr
	} else if blocked {
		if e.drift != nil {
			_ = e.drift.MarkBlocked(reason)
		}
		if e.notifier != nil {
			e.notifier.Notify("git-pulsar: snapshot blocked", reason)
		}
		return Result{Status: StatusBlocked}, pulsarErrors.NewPulsarError(pulsarErrors.KindBlocker, "shadow", pulsarErrors.ErrLargeFileBlocked)
	}

	indexPath := filepath.Join(e.gitDir, constants.IndexFileName)
	_ = os.Remove(indexPath)
	defer func() { _ = os.Remove(indexPath) }()

	tree, err := e.plumbing.AddAllToShadowIndex(ctx, indexPath, e.ignorePaths)
	if err != nil {
		return Result{}, pulsarErrors.NewPulsarError(pulsarErrors.KindTransient, "shadow", err)
	}

	ref := RefName(e.machineID, branch)
	priorTip, priorExists, err := e.plumbing.ResolveRef(ctx, ref)
	if err != nil {
		return Result{}, pulsarErrors.NewPulsarError(pulsarErrors.KindTransient, "shadow", err)
	}

	baseTree := EmptyTreeSHA
	oldForCAS := ""
	var parent string
	if priorExists {
		oldForCAS = priorTip
		priorTree, treeErr := e.plumbing.TreeOf(ctx, priorTip)
		if treeErr == nil {
			baseTree = priorTree
		}
		if priorTree == tree {
			if e.drift != nil {
				_ = e.drift.ClearBlocked()
			}
			return Result{Status: StatusNoop}, nil
		}
		parent = priorTip
	} else {
		if tree == EmptyTreeSHA {
			// No prior shadow tip and nothing to snapshot (empty repo, or a
			// repo whose only contents are ignored) — there is no commit to
			// record a first snapshot of.
			return Result{Status: StatusNoop}, nil
		}
		branchTip, branchExists, branchErr := e.plumbing.ResolveRef(ctx, "refs/heads/"+branch)
		if branchErr == nil && branchExists {
			parent = branchTip
			if bt, tErr := e.plumbing.TreeOf(ctx, branchTip); tErr == nil {
				baseTree = bt
			}
		}
	}

	stat, err := e.plumbing.DiffShortstat(ctx, baseTree, tree)
	if err != nil {
		stat = gitplumbing.DiffStat{}
	}

	message := fmt.Sprintf("pulsar: %s @ %s (%d files, +%d/-%d)",
		e.machineID, time.Now().UTC().Format(time.RFC3339), stat.FilesChanged, stat.Insertions, stat.Deletions)

	var parents []string
	if parent != "" {
		parents = []string{parent}
	}

	commit, err := e.plumbing.CommitTree(ctx, gitplumbing.CommitTreeOptions{
		Tree:    tree,
		Parents: parents,
		Message: message,
	})
	if err != nil {
		return Result{}, pulsarErrors.NewPulsarError(pulsarErrors.KindTransient, "shadow", err)
	}

	if err := e.plumbing.UpdateRef(ctx, ref, commit, oldForCAS, message); err != nil {
		return Result{}, pulsarErrors.NewPulsarError(pulsarErrors.KindTransient, "shadow", err)
	}

	if e.drift != nil {
		_ = e.drift.ClearBlocked()
	}

	return Result{Status: StatusSnapshotted, SHA: commit, Stat: stat}, nil
}

// checkLargeFiles enumerates snapshot candidates and reports whether any
// exceeds maxFileSize. A file exactly at the threshold is allowed; only
// strictly-over-threshold files block, per the boundary behavior the
// threshold is defined against.
func (e *Engine) checkLargeFiles(ctx context.Context) (bool, string, error) {
	if e.maxFileSize <= 0 {
		return false, "", nil
	}
	files, err := e.plumbing.LsFiles(ctx)
	if err != nil {
		return false, "", pulsarErrors.NewPulsarError(pulsarErrors.KindTransient, "shadow", err)
	}
	for _, f := range files {
		info, statErr := os.Stat(filepath.Join(e.repoRoot(), f))
		if statErr != nil {
			continue
		}
		if info.Size() > e.maxFileSize {
			return true, fmt.Sprintf("%s exceeds large-file threshold (%d bytes > %d bytes)", f, info.Size(), e.maxFileSize), nil
		}
	}
	return false, "", nil
}

// repoRoot derives the working tree root from gitDir, assuming the common
// non-bare layout <repo>/.git.
func (e *Engine) repoRoot() string {
	return filepath.Dir(e.gitDir)
}

// isStaleIndexLock reports whether an index.lock file is older than 24
// hours, per the supplemental busy-condition rule: a lock that old is
// almost certainly an orphan from a crashed git process, not real
// contention, and treating it as busy forever would wedge the daemon.
func isStaleIndexLock(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > 24*time.Hour
}
