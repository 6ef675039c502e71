package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"512", 512},
		{"1KB", 1024},
		{"10MB", 10 * 1024 * 1024},
		{"2GB", 2 * 1024 * 1024 * 1024},
		{"1.5MB", int64(1.5 * 1024 * 1024)},
	}
	for _, tc := range cases {
		got, err := ParseSize(tc.in)
		if err != nil {
			t.Fatalf("ParseSize(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseSizeInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "10XB"} {
		if _, err := ParseSize(in); err == nil {
			t.Errorf("ParseSize(%q) expected error, got nil", in)
		}
	}
}

func TestParseTime(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30", 30 * time.Second},
		{"45s", 45 * time.Second},
		{"5m", 5 * time.Minute},
		{"1h", time.Hour},
		{"500ms", 500 * time.Millisecond},
	}
	for _, tc := range cases {
		got, err := ParseTime(tc.in)
		if err != nil {
			t.Fatalf("ParseTime(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseTime(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Core.RemoteName != "origin" {
		t.Errorf("unexpected default remote name: %q", cfg.Core.RemoteName)
	}
	if cfg.Daemon.CommitInterval != 600*time.Second {
		t.Errorf("unexpected default commit interval: %v", cfg.Daemon.CommitInterval)
	}
	if cfg.Daemon.PushInterval != 3600*time.Second {
		t.Errorf("unexpected default push interval: %v", cfg.Daemon.PushInterval)
	}
	if cfg.Daemon.EcoModePercent != 20 {
		t.Errorf("unexpected default eco mode percent: %d", cfg.Daemon.EcoModePercent)
	}
	if cfg.Daemon.DriftPollInterval != 900*time.Second {
		t.Errorf("unexpected default drift poll interval: %v", cfg.Daemon.DriftPollInterval)
	}
	if cfg.Limits.LargeFileThreshold != 104857600 {
		t.Errorf("unexpected default large file threshold: %d", cfg.Limits.LargeFileThreshold)
	}
}

func TestLoadAppliesGlobalThenRepoLayer(t *testing.T) {
	dir := t.TempDir()
	globalPath := filepath.Join(dir, "global.toml")
	repoPath := filepath.Join(dir, "pulsar.toml")

	writeFile(t, globalPath, `
[daemon]
commit_interval = "120s"

[files]
ignore = ["*.log"]
`)
	writeFile(t, repoPath, `
[daemon]
push_interval = "600s"

[files]
ignore = ["node_modules"]
`)

	cfg, err := Load(Sources{GlobalPath: globalPath, RepoPath: repoPath, ProjectPath: filepath.Join(dir, "missing.toml")})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Daemon.CommitInterval != 120*time.Second {
		t.Errorf("commit interval = %v, want 120s (from global layer)", cfg.Daemon.CommitInterval)
	}
	if cfg.Daemon.PushInterval != 600*time.Second {
		t.Errorf("push interval = %v, want 600s (from repo layer)", cfg.Daemon.PushInterval)
	}

	want := map[string]bool{"*.log": true, "node_modules": true}
	if len(cfg.Files.Ignore) != len(want) {
		t.Fatalf("ignore list = %v, want keys of %v", cfg.Files.Ignore, want)
	}
	for _, v := range cfg.Files.Ignore {
		if !want[v] {
			t.Errorf("unexpected ignore entry %q", v)
		}
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	dir := t.TempDir()
	repoPath := filepath.Join(dir, "pulsar.toml")
	writeFile(t, repoPath, `
[daemon]
commit_intervale = "120s"
`)

	_, err := Load(Sources{RepoPath: repoPath})
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
}

func TestLoadRejectsUnknownTable(t *testing.T) {
	dir := t.TempDir()
	repoPath := filepath.Join(dir, "pulsar.toml")
	writeFile(t, repoPath, `
[bogus]
value = 1
`)

	_, err := Load(Sources{RepoPath: repoPath})
	if err == nil {
		t.Fatal("expected error for unknown table, got nil")
	}
}

func TestLoadAppliesPreset(t *testing.T) {
	dir := t.TempDir()
	repoPath := filepath.Join(dir, "pulsar.toml")
	writeFile(t, repoPath, `
[daemon]
preset = "aggressive"
`)

	cfg, err := Load(Sources{RepoPath: repoPath})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Daemon.CommitInterval != 300*time.Second {
		t.Errorf("commit interval = %v, want 300s from aggressive preset", cfg.Daemon.CommitInterval)
	}
	if cfg.Daemon.PushInterval != 900*time.Second {
		t.Errorf("push interval = %v, want 900s from aggressive preset", cfg.Daemon.PushInterval)
	}
}

func TestLoadPresetExpandsBeforeExplicitOverrideInSameLayer(t *testing.T) {
	dir := t.TempDir()
	repoPath := filepath.Join(dir, "pulsar.toml")
	writeFile(t, repoPath, `
[daemon]
preset = "lazy"
commit_interval = "42s"
`)

	cfg, err := Load(Sources{RepoPath: repoPath})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Daemon.CommitInterval != 42*time.Second {
		t.Errorf("commit interval = %v, want 42s (explicit override of preset)", cfg.Daemon.CommitInterval)
	}
	if cfg.Daemon.PushInterval != 7200*time.Second {
		t.Errorf("push interval = %v, want 7200s from lazy preset", cfg.Daemon.PushInterval)
	}
}

func TestLoadRejectsUnknownPreset(t *testing.T) {
	dir := t.TempDir()
	repoPath := filepath.Join(dir, "pulsar.toml")
	writeFile(t, repoPath, `
[daemon]
preset = "ludicrous-speed"
`)

	if _, err := Load(Sources{RepoPath: repoPath}); err == nil {
		t.Fatal("expected error for unknown preset, got nil")
	}
}

func TestLoadMissingFilesUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(Sources{
		GlobalPath:  filepath.Join(dir, "a.toml"),
		RepoPath:    filepath.Join(dir, "b.toml"),
		ProjectPath: filepath.Join(dir, "c.toml"),
	})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	want := Default()
	if cfg.Core != want.Core || cfg.Daemon != want.Daemon || cfg.Limits != want.Limits {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoadProjectTable(t *testing.T) {
	dir := t.TempDir()
	projectPath := filepath.Join(dir, "pyproject.toml")
	writeFile(t, projectPath, `
[project]
name = "example"

[tool.git-pulsar.daemon]
eco_mode_percent = 35
`)

	cfg, err := Load(Sources{
		GlobalPath:  filepath.Join(dir, "missing-global.toml"),
		RepoPath:    filepath.Join(dir, "missing-repo.toml"),
		ProjectPath: projectPath,
	})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Daemon.EcoModePercent != 35 {
		t.Errorf("eco_mode_percent = %d, want 35 from [tool.git-pulsar] table", cfg.Daemon.EcoModePercent)
	}
}

func TestHolderReload(t *testing.T) {
	dir := t.TempDir()
	repoPath := filepath.Join(dir, "pulsar.toml")
	writeFile(t, repoPath, `
[daemon]
eco_mode_percent = 10
`)

	h, err := NewHolder(Sources{RepoPath: repoPath})
	if err != nil {
		t.Fatalf("NewHolder() error: %v", err)
	}
	if h.Get().Daemon.EcoModePercent != 10 {
		t.Fatal("expected eco_mode_percent 10 initially")
	}

	writeFile(t, repoPath, `
[daemon]
eco_mode_percent = 40
`)
	if err := h.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if h.Get().Daemon.EcoModePercent != 40 {
		t.Error("expected eco_mode_percent 40 after reload")
	}
}

func TestHolderReloadKeepsOldConfigOnError(t *testing.T) {
	dir := t.TempDir()
	repoPath := filepath.Join(dir, "pulsar.toml")
	writeFile(t, repoPath, `
[daemon]
eco_mode_percent = 10
`)

	h, err := NewHolder(Sources{RepoPath: repoPath})
	if err != nil {
		t.Fatalf("NewHolder() error: %v", err)
	}

	writeFile(t, repoPath, `
[daemon]
bogus_field = 1
`)
	if err := h.Reload(); err == nil {
		t.Fatal("expected Reload() to fail on unknown key")
	}
	if h.Get().Daemon.EcoModePercent != 10 {
		t.Error("expected previous config to be retained after failed reload")
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
