package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/bashhack/git-pulsar/internal/config"
	"github.com/bashhack/git-pulsar/internal/constants"
	"github.com/bashhack/git-pulsar/internal/core"
	"github.com/bashhack/git-pulsar/internal/drift"
	pulsarErrors "github.com/bashhack/git-pulsar/internal/errors"
	"github.com/bashhack/git-pulsar/internal/gitplumbing"
	"github.com/bashhack/git-pulsar/internal/lock"
	"github.com/bashhack/git-pulsar/internal/logger"
	"github.com/bashhack/git-pulsar/internal/registry"
	"github.com/bashhack/git-pulsar/internal/shadow"
	"github.com/bashhack/git-pulsar/internal/systemprobe"
)

// tickInterval is how often the loop wakes to check every registered
// repo's cadences against the clock.
const tickInterval = 30 * time.Second

// defaultJobTimeout bounds one repo's snapshot/push/drift-check job; a job
// that runs past this is canceled so a wedged git subprocess in one repo
// never starves the rest of the fleet.
const defaultJobTimeout = 120 * time.Second

// defaultMaxWorkers bounds how many repos are processed concurrently.
const defaultMaxWorkers = 4

// maintenanceInterval is how often the loop runs the ref-retention sweep,
// mirroring the original daemon's weekly prune cadence.
const maintenanceInterval = 7 * 24 * time.Hour

// Loop is the daemon's single entry point: one Run call drives every
// registered, unpaused repository's snapshot, push, and drift cadences
// until its context is canceled.
type Loop struct {
	registry   *registry.Registry
	probe      *systemprobe.Probe
	log        logger.Logger
	maxWorkers int64
	jobTimeout time.Duration
	nowFunc    func() int64

	// plumbing builds the git wrapper for a repo path. Defaults to
	// gitplumbing.New; tests override it to inject a fake CommandExecutor
	// without shelling out to a real git binary.
	plumbing func(repoPath string) *gitplumbing.Plumbing

	// repoExists reports whether a registered path still names a git
	// repository. Defaults to gitplumbing.IsRepository; tests override it
	// so a vanished-repo cycle can be exercised over a fake filesystem view.
	repoExists func(path string) bool

	// maintain runs the cross-repo ref-retention sweep. Defaults to a
	// Core bound to the same registry, probe, and log; tests override it
	// to avoid shelling out to git on every maintenance-due tick.
	maintain func(ctx context.Context) (core.PruneResult, error)

	mu                sync.Mutex
	holders           map[string]*config.Holder
	watchers          map[string]*config.Watcher
	lastMaintenanceAt int64
}

// New creates a Loop with the default worker count, job timeout, and a
// plumbing factory that shells out to the real git binary.
func New(reg *registry.Registry, probe *systemprobe.Probe, log logger.Logger) *Loop {
	return &Loop{
		registry:   reg,
		probe:      probe,
		log:        log,
		maxWorkers: defaultMaxWorkers,
		jobTimeout: defaultJobTimeout,
		nowFunc:    systemprobe.Now,
		plumbing:   gitplumbing.New,
		repoExists: gitplumbing.IsRepository,
		maintain:   core.New(reg, probe, log).Prune,
		holders:    make(map[string]*config.Holder),
		watchers:   make(map[string]*config.Watcher),
	}
}

// Run blocks, ticking every tickInterval, until ctx is canceled (typically
// by a SIGTERM handler upstream). It never returns a non-nil error on its
// own account; per-repo faults are logged and the loop continues.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	defer l.closeWatchers()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick runs one scheduling pass: every unpaused repo is checked against
// its own cadences and, where due, dispatched to the bounded worker pool.
func (l *Loop) tick(ctx context.Context) {
	l.maybeRunMaintenance(ctx)

	repos, err := l.registry.List()
	if err != nil {
		l.log.LogError("daemon", err)
		return
	}

	sem := semaphore.NewWeighted(l.maxWorkers)
	g, gctx := errgroup.WithContext(ctx)

	for _, entry := range repos {
		if entry.Paused {
			continue
		}
		entry := entry
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)
			l.runRepoCycle(gctx, entry)
			return nil
		})
	}

	_ = g.Wait()
}

// maybeRunMaintenance runs the ref-retention sweep at most once per
// maintenanceInterval. The very first tick after startup always runs it,
// since lastMaintenanceAt starts at zero — matching the original daemon's
// behavior of running maintenance immediately when its state file doesn't
// exist yet.
func (l *Loop) maybeRunMaintenance(ctx context.Context) {
	l.mu.Lock()
	now := l.nowFunc()
	due := l.lastMaintenanceAt == 0 || now-l.lastMaintenanceAt >= int64(maintenanceInterval.Seconds())
	if due {
		l.lastMaintenanceAt = now
	}
	l.mu.Unlock()

	if !due {
		return
	}

	result, err := l.maintain(ctx)
	if err != nil {
		l.log.LogError("daemon", err)
		return
	}
	if len(result.RemovedRefs) > 0 || len(result.QuarantinedRefs) > 0 {
		l.log.Info("maintenance: removed %d shadow refs, quarantined %d", len(result.RemovedRefs), len(result.QuarantinedRefs))
	}
}

// runRepoCycle checks one repo's three cadences against the clock and
// dispatches whichever jobs are due. A fault in one job never prevents the
// others from running this cycle. A repo whose path no longer names a git
// repository is pruned from the registry instead of being run through
// snapshot/push/drift, which would otherwise fail on every tick forever.
func (l *Loop) runRepoCycle(ctx context.Context, entry registry.Entry) {
	if !l.repoExists(entry.Path) {
		removed, err := l.registry.Prune(l.repoExists)
		if err != nil {
			l.log.LogError("daemon", err)
			return
		}
		for _, path := range removed {
			l.log.Info("pruned missing repository %s from the registry", path)
		}
		return
	}

	cfg, err := l.configFor(entry.Path)
	if err != nil {
		l.log.LogError("daemon", pulsarErrors.Wrapf(err, "loading config for %s", entry.Path))
		return
	}

	now := l.nowFunc()

	if now-entry.LastSnapshotAt >= int64(cfg.Daemon.CommitInterval.Seconds()) {
		l.runSnapshotJob(ctx, entry, cfg, now)
	}
	if now-entry.LastPushAt >= int64(cfg.Daemon.PushInterval.Seconds()) {
		l.runPushJob(ctx, entry, cfg, now)
	}
	if now-entry.LastDriftCheckAt >= int64(cfg.Daemon.DriftPollInterval.Seconds()) {
		l.runDriftJob(ctx, entry, cfg, now)
	}
}

func (l *Loop) runSnapshotJob(ctx context.Context, entry registry.Entry, cfg config.Config, now int64) {
	if l.probe.IsUnderLoad() {
		l.log.LogError("daemon", pulsarErrors.NewPulsarError(pulsarErrors.KindBusy, "daemon", pulsarErrors.ErrSystemUnderLoad))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, l.jobTimeout)
	defer cancel()

	gitDir := filepath.Join(entry.Path, ".git")
	p := l.plumbing(entry.Path)
	driftStore := drift.NewStore(gitDir)

	engine := shadow.New(shadow.Config{
		Plumbing:       p,
		Locker:         lock.New(gitDir),
		Drift:          driftStore,
		Notifier:       l.probe,
		GitDir:         gitDir,
		MachineID:      entry.MachineID,
		IgnorePatterns: cfg.Files.Ignore,
		MaxFileSize:    cfg.Limits.LargeFileThreshold,
	})

	branch, err := p.CurrentBranch(jobCtx)
	if err != nil || branch == "" {
		branch = entry.BranchAtRegister
	}

	result, err := engine.SnapshotOnce(jobCtx, branch)
	if err != nil {
		l.log.LogError("shadow", err)
		return
	}

	switch result.Status {
	case shadow.StatusSnapshotted, shadow.StatusNoop:
		if err := l.registry.TouchSnapshot(entry.Path, now); err != nil {
			l.log.LogError("daemon", err)
		}
	case shadow.StatusBusy, shadow.StatusBlocked:
		// Skip this cycle without advancing last_snapshot_at; the next
		// tick retries once the contention or the blocker clears.
	}
}

func (l *Loop) runPushJob(ctx context.Context, entry registry.Entry, cfg config.Config, now int64) {
	if l.probe.EcoModeEngaged(cfg.Daemon.EcoModePercent) {
		l.log.Info("deferring push for %s: eco mode engaged (battery %d%%, eco_mode_percent %d)", entry.Path, l.probe.BatteryPercent(), cfg.Daemon.EcoModePercent)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, l.jobTimeout)
	defer cancel()

	p := l.plumbing(entry.Path)
	refspec := fmt.Sprintf(constants.PushRefspecTemplate, entry.MachineID, entry.MachineID)
	if err := p.Push(jobCtx, cfg.Core.RemoteName, refspec); err != nil {
		l.log.LogError("gitplumbing", err)
		return
	}
	if err := l.registry.TouchPush(entry.Path, now); err != nil {
		l.log.LogError("daemon", err)
	}
}

func (l *Loop) runDriftJob(ctx context.Context, entry registry.Entry, cfg config.Config, now int64) {
	jobCtx, cancel := context.WithTimeout(ctx, l.jobTimeout)
	defer cancel()

	gitDir := filepath.Join(entry.Path, ".git")
	p := l.plumbing(entry.Path)
	store := drift.NewStore(gitDir)
	detector := drift.New(p, store, l.probe, cfg.Core.RemoteName, entry.MachineID)

	if err := detector.Poll(jobCtx); err != nil {
		l.log.LogError("drift", err)
		return
	}
	if err := l.registry.TouchDriftCheck(entry.Path, now); err != nil {
		l.log.LogError("daemon", err)
	}
}

// configFor returns the live, auto-reloading config for repoPath, creating
// its Holder and change watcher on first use.
func (l *Loop) configFor(repoPath string) (config.Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.holders[repoPath]; ok {
		return h.Get(), nil
	}

	sources := config.DefaultSources(repoPath)
	h, err := config.NewHolder(sources)
	if err != nil {
		return config.Config{}, err
	}
	l.holders[repoPath] = h

	w, err := config.NewWatcher(h, func(err error) {
		l.log.LogError("config", err)
	})
	if err == nil {
		l.watchers[repoPath] = w
	}

	return h.Get(), nil
}

func (l *Loop) closeWatchers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.watchers {
		_ = w.Close()
	}
}
