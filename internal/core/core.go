// Package core exposes one typed Go method per CLI verb, wiring Registry,
// GitPlumbing, ShadowEngine, DriftDetector, and Reconciler behind a single
// facade so the out-of-scope CLI layer stays a thin adapter: flags in,
// Core call, typed result and error out. This mirrors how the teacher's
// cmd/gitbak/app.go wires Config -> Gitbak -> Run, just with one facade
// method per verb instead of one long-lived Run loop.
package core

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bashhack/git-pulsar/internal/config"
	"github.com/bashhack/git-pulsar/internal/constants"
	"github.com/bashhack/git-pulsar/internal/drift"
	pulsarErrors "github.com/bashhack/git-pulsar/internal/errors"
	"github.com/bashhack/git-pulsar/internal/gitplumbing"
	"github.com/bashhack/git-pulsar/internal/lock"
	"github.com/bashhack/git-pulsar/internal/logger"
	"github.com/bashhack/git-pulsar/internal/reconcile"
	"github.com/bashhack/git-pulsar/internal/registry"
	"github.com/bashhack/git-pulsar/internal/shadow"
	"github.com/bashhack/git-pulsar/internal/systemprobe"
)

// refRetention is how long a shadow ref survives without activity before
// Prune deletes it, per the 30-day retention policy.
const refRetention = 30 * 24 * time.Hour

// Core is the single facade every CLI verb calls into. One method per verb;
// each returns a typed result plus, on failure, a *errors.PulsarError whose
// Kind the adapter maps to the verb's documented exit code.
type Core struct {
	registry *registry.Registry
	probe    *systemprobe.Probe
	log      logger.Logger

	// plumbing builds the git wrapper for a repo path. Defaults to
	// gitplumbing.New; tests override it to inject a fake CommandExecutor.
	plumbing func(repoPath string) *gitplumbing.Plumbing
}

// New creates a Core bound to reg, probe, and log, using the real git
// binary for every repository it's asked to operate on.
func New(reg *registry.Registry, probe *systemprobe.Probe, log logger.Logger) *Core {
	return &Core{registry: reg, probe: probe, log: log, plumbing: gitplumbing.New}
}

// repoContext bundles what nearly every verb needs: the registered entry,
// its live config, and a Plumbing bound to its path.
type repoContext struct {
	entry registry.Entry
	cfg   config.Config
	p     *gitplumbing.Plumbing
}

func (c *Core) repoFor(repoPath string) (repoContext, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return repoContext{}, pulsarErrors.NewPulsarError(pulsarErrors.KindFatal, "core", err)
	}

	entry, ok, err := c.registry.Get(abs)
	if err != nil {
		return repoContext{}, pulsarErrors.NewPulsarError(pulsarErrors.KindFatal, "core", err)
	}
	if !ok {
		return repoContext{}, pulsarErrors.NewPulsarError(pulsarErrors.KindBlocker, "core",
			pulsarErrors.Errorf("%s is not a registered repository", abs))
	}

	cfg, err := config.Load(config.DefaultSources(abs))
	if err != nil {
		return repoContext{}, pulsarErrors.NewPulsarError(pulsarErrors.KindFatal, "core", err)
	}

	return repoContext{entry: entry, cfg: cfg, p: c.plumbing(abs)}, nil
}

// RegisterResult is the outcome of Register.
type RegisterResult struct {
	Path              string
	MachineID         string
	BranchAtRegister  string
	AlreadyRegistered bool
}

// Register adds repoPath to the Registry under this machine's identity.
// AlreadyRegistered=true is not an error: the CLI adapter maps it to exit
// code 2. Starting or installing the daemon service is the out-of-scope
// CLI layer's job, not Core's.
func (c *Core) Register(ctx context.Context, repoPath string) (RegisterResult, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return RegisterResult{}, pulsarErrors.NewPulsarError(pulsarErrors.KindFatal, "core", err)
	}

	if _, ok, err := c.registry.Get(abs); err != nil {
		return RegisterResult{}, pulsarErrors.NewPulsarError(pulsarErrors.KindFatal, "core", err)
	} else if ok {
		return RegisterResult{Path: abs, AlreadyRegistered: true}, nil
	}

	paths := systemprobe.DefaultIdentityPaths()
	machineID := systemprobe.MachineID(paths)
	if err := systemprobe.PersistMachineID(paths, machineID); err != nil {
		c.log.LogError("core", err)
	}
	if err := systemprobe.PersistHumanName(paths, systemprobe.HumanName(paths)); err != nil {
		c.log.LogError("core", err)
	}

	p := c.plumbing(abs)
	branch, err := p.CurrentBranch(ctx)
	if err != nil || branch == "" {
		branch = "main"
	}

	entry := registry.Entry{
		Path:             abs,
		MachineID:        machineID,
		BranchAtRegister: branch,
	}
	if err := c.registry.Register(entry); err != nil {
		return RegisterResult{}, pulsarErrors.NewPulsarError(pulsarErrors.KindFatal, "core", err)
	}

	return RegisterResult{Path: abs, MachineID: machineID, BranchAtRegister: branch}, nil
}

// NowResult is the outcome of Now.
type NowResult struct {
	SnapshotStatus shadow.Status
	Pushed         bool
}

// Now runs one synchronous snapshot-then-push cycle for repoPath, bypassing
// the daemon's cadence check entirely. A busy or blocked snapshot maps to
// exit code 1; a push failure after a successful snapshot is logged but
// does not itself fail Now, matching the daemon's own retry-next-cycle
// policy for Transient errors.
func (c *Core) Now(ctx context.Context, repoPath string) (NowResult, error) {
	rc, err := c.repoFor(repoPath)
	if err != nil {
		return NowResult{}, err
	}

	gitDir := filepath.Join(rc.entry.Path, ".git")
	driftStore := drift.NewStore(gitDir)

	engine := shadow.New(shadow.Config{
		Plumbing:       rc.p,
		Locker:         lock.New(gitDir),
		Drift:          driftStore,
		Notifier:       c.probe,
		GitDir:         gitDir,
		MachineID:      rc.entry.MachineID,
		IgnorePatterns: rc.cfg.Files.Ignore,
		MaxFileSize:    rc.cfg.Limits.LargeFileThreshold,
	})

	branch, err := rc.p.CurrentBranch(ctx)
	if err != nil || branch == "" {
		branch = rc.entry.BranchAtRegister
	}

	result, err := engine.SnapshotOnce(ctx, branch)
	if err != nil {
		return NowResult{}, err
	}

	now := systemprobe.Now()
	switch result.Status {
	case shadow.StatusBusy:
		return NowResult{SnapshotStatus: result.Status}, pulsarErrors.NewPulsarError(pulsarErrors.KindBusy, "core", pulsarErrors.ErrWorkingTreeBusy)
	case shadow.StatusBlocked:
		return NowResult{SnapshotStatus: result.Status}, pulsarErrors.NewPulsarError(pulsarErrors.KindBlocker, "core", pulsarErrors.ErrLargeFileBlocked)
	}

	if err := c.registry.TouchSnapshot(rc.entry.Path, now); err != nil {
		c.log.LogError("core", err)
	}

	refspec := fmt.Sprintf(constants.PushRefspecTemplate, rc.entry.MachineID, rc.entry.MachineID)
	pushed := false
	if err := rc.p.Push(ctx, rc.cfg.Core.RemoteName, refspec); err != nil {
		c.log.LogError("gitplumbing", pulsarErrors.NewPulsarError(pulsarErrors.KindTransient, "core", err))
	} else {
		pushed = true
		if err := c.registry.TouchPush(rc.entry.Path, now); err != nil {
			c.log.LogError("core", err)
		}
	}

	return NowResult{SnapshotStatus: result.Status, Pushed: pushed}, nil
}

// reconcilerFor builds a Reconciler bound to repoPath's registered entry.
func (c *Core) reconcilerFor(rc repoContext, interactor reconcile.UserInteractor) *reconcile.Reconciler {
	gitDir := filepath.Join(rc.entry.Path, ".git")
	return reconcile.New(rc.p, interactor, gitDir, rc.cfg.Core.RemoteName, rc.entry.MachineID)
}

// Sync reconciles repoPath's working tree to the newest cross-machine
// shadow tip for branch. Exit codes: 0 success, 1 the working tree has
// local modifications, 2 there is no drift to sync.
func (c *Core) Sync(ctx context.Context, repoPath, branch string, interactor reconcile.UserInteractor) (reconcile.SyncResult, error) {
	rc, err := c.repoFor(repoPath)
	if err != nil {
		return reconcile.SyncResult{}, err
	}
	return c.reconcilerFor(rc, interactor).Sync(ctx, branch)
}

// Restore negotiates restoring one path from this machine's latest shadow
// tip for branch. Exit codes: 0 success, 1 the user canceled.
func (c *Core) Restore(ctx context.Context, repoPath, path, branch string, interactor reconcile.UserInteractor) (reconcile.RestoreResult, error) {
	rc, err := c.repoFor(repoPath)
	if err != nil {
		return reconcile.RestoreResult{}, err
	}
	return c.reconcilerFor(rc, interactor).Restore(ctx, path, branch)
}

// Finalize octopus-merges every machine's shadow tip for branch into the
// user's real branch. Exit codes: 0 success, 3 conflicting changes across
// machines.
func (c *Core) Finalize(ctx context.Context, repoPath, branch string) (reconcile.FinalizeResult, error) {
	rc, err := c.repoFor(repoPath)
	if err != nil {
		return reconcile.FinalizeResult{}, err
	}
	return c.reconcilerFor(rc, reconcile.NewNonInteractiveInteractor()).Finalize(ctx, branch)
}

// Pause sets repoPath's registry entry to paused, so the daemon skips it.
func (c *Core) Pause(repoPath string) error {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return pulsarErrors.NewPulsarError(pulsarErrors.KindFatal, "core", err)
	}
	if err := c.registry.SetPaused(abs, true); err != nil {
		return pulsarErrors.NewPulsarError(pulsarErrors.KindBlocker, "core", err)
	}
	return nil
}

// Resume clears repoPath's paused flag.
func (c *Core) Resume(repoPath string) error {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return pulsarErrors.NewPulsarError(pulsarErrors.KindFatal, "core", err)
	}
	if err := c.registry.SetPaused(abs, false); err != nil {
		return pulsarErrors.NewPulsarError(pulsarErrors.KindBlocker, "core", err)
	}
	return nil
}

// Remove untracks repoPath entirely. It does not touch the repository's
// shadow refs; those are cleaned up by Prune or left for forensics.
func (c *Core) Remove(repoPath string) error {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return pulsarErrors.NewPulsarError(pulsarErrors.KindFatal, "core", err)
	}
	if err := c.registry.Remove(abs); err != nil {
		return pulsarErrors.NewPulsarError(pulsarErrors.KindBlocker, "core", err)
	}
	return nil
}

// StatusResult is everything `status` shows for one repository, all of it
// read from local state so the call never blocks on the network.
type StatusResult struct {
	Entry          registry.Entry
	Drift          drift.State
	BatteryPercent int
	OnACPower      bool
	IdentitySlug   string
}

// Status reads repoPath's Registry entry, cached drift state, and current
// power telemetry without performing any git network operation.
func (c *Core) Status(repoPath string) (StatusResult, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return StatusResult{}, pulsarErrors.NewPulsarError(pulsarErrors.KindFatal, "core", err)
	}

	entry, ok, err := c.registry.Get(abs)
	if err != nil {
		return StatusResult{}, pulsarErrors.NewPulsarError(pulsarErrors.KindFatal, "core", err)
	}
	if !ok {
		return StatusResult{}, pulsarErrors.NewPulsarError(pulsarErrors.KindBlocker, "core",
			pulsarErrors.Errorf("%s is not a registered repository", abs))
	}

	gitDir := filepath.Join(abs, ".git")
	st, err := drift.NewStore(gitDir).Read()
	if err != nil {
		return StatusResult{}, pulsarErrors.NewPulsarError(pulsarErrors.KindFatal, "core", err)
	}

	return StatusResult{
		Entry:          entry,
		Drift:          st,
		BatteryPercent: c.probe.BatteryPercent(),
		OnACPower:      c.probe.OnACPower(),
		IdentitySlug:   systemprobe.IdentitySlug(systemprobe.DefaultIdentityPaths()),
	}, nil
}

// PruneResult summarizes what Prune removed or quarantined, across every
// registered repository.
type PruneResult struct {
	RemovedRefs     []string
	QuarantinedRefs []string
}

// Prune deletes shadow refs older than 30 days and refs already folded
// into a finalize commit, across every registered repository. A ref whose
// commit object can't be read is quarantined (renamed with a .broken
// suffix) rather than deleted, so it stays available for forensics; it
// still counts as handled, not left to fail silently forever.
func (c *Core) Prune(ctx context.Context) (PruneResult, error) {
	entries, err := c.registry.List()
	if err != nil {
		return PruneResult{}, pulsarErrors.NewPulsarError(pulsarErrors.KindFatal, "core", err)
	}

	var result PruneResult
	now := systemprobe.Now()

	for _, entry := range entries {
		p := c.plumbing(entry.Path)
		gitDir := filepath.Join(entry.Path, ".git")

		refs, err := p.ListRefs(ctx, "refs/heads/"+constants.BackupNamespace)
		if err != nil {
			c.log.LogError("core", pulsarErrors.NewPulsarError(pulsarErrors.KindTransient, "core", err))
			continue
		}

		for _, ref := range refs {
			sha, exists, err := p.ResolveRef(ctx, ref)
			if err != nil || !exists {
				continue
			}

			commitTime, err := p.CommitTime(ctx, sha)
			if err != nil {
				if err := p.QuarantineRef(ctx, ref); err != nil {
					c.log.LogError("core", pulsarErrors.NewPulsarError(pulsarErrors.KindCorruption, "core", err))
					continue
				}
				result.QuarantinedRefs = append(result.QuarantinedRefs, ref)
				continue
			}

			reconciled, err := reconcile.IsReconciled(gitDir, ref)
			if err != nil {
				c.log.LogError("core", err)
			}

			stale := now-commitTime > int64(refRetention.Seconds())
			if !reconciled && !stale {
				continue
			}

			if err := p.DeleteRef(ctx, ref); err != nil {
				c.log.LogError("core", pulsarErrors.NewPulsarError(pulsarErrors.KindTransient, "core", err))
				continue
			}
			result.RemovedRefs = append(result.RemovedRefs, ref)
		}
	}

	return result, nil
}
