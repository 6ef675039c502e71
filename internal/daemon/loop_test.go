package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bashhack/git-pulsar/internal/config"
	"github.com/bashhack/git-pulsar/internal/core"
	"github.com/bashhack/git-pulsar/internal/gitplumbing"
	"github.com/bashhack/git-pulsar/internal/gitplumbing/gitplumbingtest"
	"github.com/bashhack/git-pulsar/internal/registry"
	"github.com/bashhack/git-pulsar/internal/systemprobe"
)

// noopMaintain stands in for a Loop's real Core-backed maintenance sweep in
// tests that aren't exercising maintenance itself, so tick() and
// runRepoCycle() never shell out to git on a fake repo path.
func noopMaintain(context.Context) (core.PruneResult, error) {
	return core.PruneResult{}, nil
}

// fakeLogger is a minimal Logger double that records calls instead of
// writing to slog, so tests can assert on what the loop chose to log
// without parsing log output.
type fakeLogger struct {
	infos  []string
	errs   []string
}

func (f *fakeLogger) Info(format string, args ...interface{})          { f.infos = append(f.infos, format) }
func (f *fakeLogger) Warning(format string, args ...interface{})       {}
func (f *fakeLogger) Error(format string, args ...interface{})         {}
func (f *fakeLogger) InfoToUser(format string, args ...interface{})    {}
func (f *fakeLogger) WarningToUser(format string, args ...interface{}) {}
func (f *fakeLogger) Success(format string, args ...interface{})       {}
func (f *fakeLogger) StatusMessage(format string, args ...interface{}) {}
func (f *fakeLogger) LogError(component string, err error) {
	f.errs = append(f.errs, component+": "+err.Error())
}
func (f *fakeLogger) Close() error { return nil }

// fakeBattery is a systemprobe.Strategy double with a fixed reading.
type fakeBattery struct {
	percent int
	plugged bool
	load1   float64
	loadOK  bool
}

func (f *fakeBattery) Battery() (int, bool)         { return f.percent, f.plugged }
func (f *fakeBattery) Notify(title, message string) {}
func (f *fakeBattery) LoadAverage() (float64, bool) { return f.load1, f.loadOK }

func newTestLoop(t *testing.T, regPath string, probe *systemprobe.Probe, log *fakeLogger, exec *gitplumbingtest.FakeExecutor) *Loop {
	t.Helper()
	l := New(registry.New(regPath), probe, log)
	l.plumbing = func(repoPath string) *gitplumbing.Plumbing {
		return gitplumbing.NewWithExecutor(repoPath, exec)
	}
	l.repoExists = func(string) bool { return true }
	l.maintain = noopMaintain
	return l
}

func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatalf("creating .git dir: %v", err)
	}
	return dir
}

func TestTickSkipsPausedRepos(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), "registry.json")
	reg := registry.New(regPath)
	repo := newTestRepo(t)

	if err := reg.Register(registry.Entry{
		Path:             repo,
		MachineID:        "laptop--abc12345",
		BranchAtRegister: "main",
		Paused:           true,
	}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	log := &fakeLogger{}
	probe := systemprobe.NewWithStrategy(&fakeBattery{percent: 100, plugged: true})
	l := New(reg, probe, log)
	l.plumbing = func(string) *gitplumbing.Plumbing {
		t.Fatal("plumbing factory should not be called for a paused repo")
		return nil
	}
	l.repoExists = func(string) bool { return true }
	l.maintain = noopMaintain
	l.nowFunc = func() int64 { return 10_000 }

	l.tick(context.Background())

	entry, ok, err := reg.Get(repo)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v, %v", entry, ok, err)
	}
	if entry.LastSnapshotAt != 0 {
		t.Errorf("LastSnapshotAt = %d, want untouched (0) for a paused repo", entry.LastSnapshotAt)
	}
}

func TestRunRepoCycleSkipsJobsNotYetDue(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), "registry.json")
	reg := registry.New(regPath)
	repo := newTestRepo(t)

	const now = 10_000
	entry := registry.Entry{
		Path:             repo,
		MachineID:        "laptop--abc12345",
		BranchAtRegister: "main",
		LastSnapshotAt:   now,
		LastPushAt:       now,
		LastDriftCheckAt: now,
	}
	if err := reg.Register(entry); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	log := &fakeLogger{}
	probe := systemprobe.NewWithStrategy(&fakeBattery{percent: 100, plugged: true})
	l := New(reg, probe, log)
	l.plumbing = func(string) *gitplumbing.Plumbing {
		t.Fatal("plumbing factory should not be called when no cadence is due")
		return nil
	}
	l.repoExists = func(string) bool { return true }
	l.maintain = noopMaintain
	l.nowFunc = func() int64 { return now }

	l.runRepoCycle(context.Background(), entry)

	if len(log.errs) != 0 {
		t.Errorf("unexpected logged errors: %v", log.errs)
	}
}

func TestRunPushJobDefersOnLowBattery(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), "registry.json")
	reg := registry.New(regPath)
	repo := newTestRepo(t)

	entry := registry.Entry{Path: repo, MachineID: "laptop--abc12345", BranchAtRegister: "main"}
	if err := reg.Register(entry); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	log := &fakeLogger{}
	probe := systemprobe.NewWithStrategy(&fakeBattery{percent: 5, plugged: false})
	l := New(reg, probe, log)
	l.plumbing = func(string) *gitplumbing.Plumbing {
		t.Fatal("plumbing factory should not be called when the push is eco-deferred")
		return nil
	}
	l.repoExists = func(string) bool { return true }
	l.maintain = noopMaintain

	cfg := config.Default()
	l.runPushJob(context.Background(), entry, cfg, 500)

	if len(log.infos) == 0 {
		t.Fatal("expected a deferral message to be logged")
	}

	got, ok, err := reg.Get(repo)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v, %v", got, ok, err)
	}
	if got.LastPushAt != 0 {
		t.Errorf("LastPushAt = %d, want untouched when the push was deferred", got.LastPushAt)
	}
}

func TestRunPushJobPushesWhenOnACPower(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), "registry.json")
	reg := registry.New(regPath)
	repo := newTestRepo(t)

	entry := registry.Entry{Path: repo, MachineID: "laptop--abc12345", BranchAtRegister: "main"}
	if err := reg.Register(entry); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	fake := &gitplumbingtest.FakeExecutor{}
	fake.On("push", "")

	log := &fakeLogger{}
	probe := systemprobe.NewWithStrategy(&fakeBattery{percent: 5, plugged: true})
	l := newTestLoop(t, regPath, probe, log, fake)

	cfg := config.Default()
	l.runPushJob(context.Background(), entry, cfg, 500)

	if len(log.errs) != 0 {
		t.Fatalf("unexpected logged errors: %v", log.errs)
	}

	got, ok, err := reg.Get(repo)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v, %v", got, ok, err)
	}
	if got.LastPushAt != 500 {
		t.Errorf("LastPushAt = %d, want 500 after a successful push", got.LastPushAt)
	}
}

func TestRunSnapshotJobLogsErrorWithoutTouchingRegistryOnFailure(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), "registry.json")
	reg := registry.New(regPath)
	repo := newTestRepo(t)

	entry := registry.Entry{Path: repo, MachineID: "laptop--abc12345", BranchAtRegister: "main"}
	if err := reg.Register(entry); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	fake := &gitplumbingtest.FakeExecutor{}
	fake.On("ls-files", "")
	fake.On("add", "")
	fake.OnError("write-tree", errors.New("fatal: not a git repository"))

	log := &fakeLogger{}
	probe := systemprobe.NewWithStrategy(&fakeBattery{percent: 100, plugged: true})
	l := newTestLoop(t, regPath, probe, log, fake)

	cfg := config.Default()
	l.runSnapshotJob(context.Background(), entry, cfg, 500)

	if len(log.errs) == 0 {
		t.Fatal("expected the snapshot failure to be logged")
	}

	got, ok, err := reg.Get(repo)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v, %v", got, ok, err)
	}
	if got.LastSnapshotAt != 0 {
		t.Errorf("LastSnapshotAt = %d, want untouched after a failed snapshot", got.LastSnapshotAt)
	}
}

func TestRunSnapshotJobSkipsWithoutTouchingRegistryWhenUnderLoad(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), "registry.json")
	reg := registry.New(regPath)
	repo := newTestRepo(t)

	entry := registry.Entry{Path: repo, MachineID: "laptop--abc12345", BranchAtRegister: "main"}
	if err := reg.Register(entry); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	log := &fakeLogger{}
	probe := systemprobe.NewWithStrategy(&fakeBattery{percent: 100, plugged: true, load1: 1000, loadOK: true})
	l := newTestLoop(t, regPath, probe, log, &gitplumbingtest.FakeExecutor{})
	// No commands are stubbed on the fake executor; if the load gate did
	// not short-circuit before touching plumbing, this test would fail
	// with an unexpected-command error instead of the assertions below.

	cfg := config.Default()
	l.runSnapshotJob(context.Background(), entry, cfg, 500)

	if len(log.errs) == 0 {
		t.Fatal("expected the load-gated skip to be logged")
	}

	got, ok, err := reg.Get(repo)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v, %v", got, ok, err)
	}
	if got.LastSnapshotAt != 0 {
		t.Errorf("LastSnapshotAt = %d, want untouched when the snapshot was skipped for load", got.LastSnapshotAt)
	}
}

func TestRunDriftJobTouchesRegistryOnSuccess(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), "registry.json")
	reg := registry.New(regPath)
	repo := newTestRepo(t)

	entry := registry.Entry{Path: repo, MachineID: "laptop--abc12345", BranchAtRegister: "main"}
	if err := reg.Register(entry); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	fake := &gitplumbingtest.FakeExecutor{}
	fake.On("fetch", "")
	fake.On("for-each-ref", "")

	log := &fakeLogger{}
	probe := systemprobe.NewWithStrategy(&fakeBattery{percent: 100, plugged: true})
	l := newTestLoop(t, regPath, probe, log, fake)

	cfg := config.Default()
	l.runDriftJob(context.Background(), entry, cfg, 700)

	if len(log.errs) != 0 {
		t.Fatalf("unexpected logged errors: %v", log.errs)
	}

	got, ok, err := reg.Get(repo)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v, %v", got, ok, err)
	}
	if got.LastDriftCheckAt != 700 {
		t.Errorf("LastDriftCheckAt = %d, want 700 after a successful poll", got.LastDriftCheckAt)
	}
}

func TestTickRunsUpToMaxWorkersConcurrently(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), "registry.json")
	reg := registry.New(regPath)

	for i := 0; i < 8; i++ {
		repo := newTestRepo(t)
		if err := reg.Register(registry.Entry{
			Path:             repo,
			MachineID:        "laptop--abc12345",
			BranchAtRegister: "main",
		}); err != nil {
			t.Fatalf("Register() error: %v", err)
		}
	}

	fake := &gitplumbingtest.FakeExecutor{}
	fake.On("push", "")
	fake.On("fetch", "")
	fake.On("for-each-ref", "")
	fake.On("ls-files", "")
	fake.On("add", "")
	fake.OnError("write-tree", errors.New("fatal: not a git repository"))

	log := &fakeLogger{}
	probe := systemprobe.NewWithStrategy(&fakeBattery{percent: 100, plugged: true})
	l := newTestLoop(t, regPath, probe, log, fake)
	l.nowFunc = func() int64 { return 100_000 }

	done := make(chan struct{})
	go func() {
		l.tick(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tick() did not complete within the timeout")
	}
}

func TestConfigForCachesHolderAndWatcherPerRepo(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), "registry.json")
	repo := newTestRepo(t)

	log := &fakeLogger{}
	probe := systemprobe.NewWithStrategy(&fakeBattery{percent: 100, plugged: true})
	l := newTestLoop(t, regPath, probe, log, &gitplumbingtest.FakeExecutor{})

	cfg1, err := l.configFor(repo)
	if err != nil {
		t.Fatalf("configFor() error: %v", err)
	}
	if cfg1.Daemon.CommitInterval != config.Default().Daemon.CommitInterval {
		t.Errorf("CommitInterval = %v, want the default", cfg1.Daemon.CommitInterval)
	}

	if len(l.holders) != 1 {
		t.Fatalf("holders cached = %d, want 1", len(l.holders))
	}

	if _, err := l.configFor(repo); err != nil {
		t.Fatalf("second configFor() error: %v", err)
	}
	if len(l.holders) != 1 {
		t.Errorf("holders cached = %d, want 1 after a repeat call", len(l.holders))
	}

	l.closeWatchers()
}

func TestRunRepoCycleLoadsConfigErrorGracefully(t *testing.T) {
	log := &fakeLogger{}
	probe := systemprobe.NewWithStrategy(&fakeBattery{percent: 100, plugged: true})
	l := newTestLoop(t, filepath.Join(t.TempDir(), "registry.json"), probe, log, &gitplumbingtest.FakeExecutor{})

	// A repo path under a file (not a directory) makes the project-table
	// probe for pyproject.toml fail with something other than "not exist",
	// which should surface as a logged config error rather than a panic.
	notADir := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(notADir, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	entry := registry.Entry{Path: filepath.Join(notADir, "repo"), MachineID: "m", BranchAtRegister: "main"}
	l.runRepoCycle(context.Background(), entry)

	if len(log.errs) == 0 {
		t.Fatal("expected a logged config error for an unreadable repo path")
	}
}

func TestRunRepoCyclePrunesRepoWithMissingPath(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), "registry.json")
	reg := registry.New(regPath)
	repo := newTestRepo(t)

	entry := registry.Entry{Path: repo, MachineID: "laptop--abc12345", BranchAtRegister: "main"}
	if err := reg.Register(entry); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	log := &fakeLogger{}
	probe := systemprobe.NewWithStrategy(&fakeBattery{percent: 100, plugged: true})
	l := newTestLoop(t, regPath, probe, log, &gitplumbingtest.FakeExecutor{})
	l.repoExists = func(string) bool { return false }
	l.plumbing = func(string) *gitplumbing.Plumbing {
		t.Fatal("plumbing factory should not be called for a repo missing on disk")
		return nil
	}

	l.runRepoCycle(context.Background(), entry)

	if len(log.infos) == 0 {
		t.Fatal("expected a pruned-repository message to be logged")
	}

	if _, ok, err := reg.Get(repo); err != nil {
		t.Fatalf("Get() error: %v", err)
	} else if ok {
		t.Error("expected the missing repo to be removed from the registry")
	}
}

func TestTickRunsMaintenanceOnFirstTick(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), "registry.json")

	log := &fakeLogger{}
	probe := systemprobe.NewWithStrategy(&fakeBattery{percent: 100, plugged: true})
	l := newTestLoop(t, regPath, probe, log, &gitplumbingtest.FakeExecutor{})

	var called int
	l.maintain = func(context.Context) (core.PruneResult, error) {
		called++
		return core.PruneResult{RemovedRefs: []string{"refs/heads/wip/pulsar/x/main"}}, nil
	}
	l.nowFunc = func() int64 { return 1_000 }

	l.tick(context.Background())

	if called != 1 {
		t.Fatalf("maintain called %d times, want 1", called)
	}
	if l.lastMaintenanceAt != 1_000 {
		t.Errorf("lastMaintenanceAt = %d, want 1000", l.lastMaintenanceAt)
	}

	l.tick(context.Background())
	if called != 1 {
		t.Errorf("maintain called %d times on a second tick within the interval, want 1", called)
	}
}
