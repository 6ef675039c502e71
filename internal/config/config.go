package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/bashhack/git-pulsar/internal/errors"
)

// CoreConfig holds repo-wide settings that aren't cadence knobs.
type CoreConfig struct {
	RemoteName string `toml:"remote_name"`
}

// DaemonConfig controls the daemon's two independent cadences and its
// battery-aware push deferral.
type DaemonConfig struct {
	Preset            string        `toml:"preset"`
	CommitInterval    time.Duration `toml:"commit_interval"`
	PushInterval      time.Duration `toml:"push_interval"`
	EcoModePercent    int           `toml:"eco_mode_percent"`
	DriftPollInterval time.Duration `toml:"drift_poll_interval"`
}

// LimitsConfig bounds resource usage.
type LimitsConfig struct {
	LargeFileThreshold int64 `toml:"large_file_threshold"`
	// MaxLogSize is a supplemental key, grounded in the original
	// implementation's logging config; it is parsed and stored, but nothing
	// reads it and daemon.log is not rotated. It isn't part of the core
	// snapshot/push schema.
	MaxLogSize int64 `toml:"max_log_size"`
}

// FilesConfig controls which paths are excluded from shadow snapshots,
// beyond constants.DefaultIgnorePatterns.
type FilesConfig struct {
	Ignore []string `toml:"ignore"`
}

// Config is the fully merged, validated configuration for one repo.
type Config struct {
	Core   CoreConfig   `toml:"core"`
	Daemon DaemonConfig `toml:"daemon"`
	Limits LimitsConfig `toml:"limits"`
	Files  FilesConfig  `toml:"files"`
}

// Default returns the built-in baseline before any layer is merged in.
func Default() Config {
	return Config{
		Core: CoreConfig{
			RemoteName: "origin",
		},
		Daemon: DaemonConfig{
			CommitInterval:    600 * time.Second,
			PushInterval:      3600 * time.Second,
			EcoModePercent:    20,
			DriftPollInterval: 900 * time.Second,
		},
		Limits: LimitsConfig{
			LargeFileThreshold: 104857600,
			MaxLogSize:         5242880,
		},
		Files: FilesConfig{
			Ignore: nil,
		},
	}
}

// presetIntervals names the commit/push interval pair a daemon.preset value
// expands into. A layer that also sets commit_interval/push_interval
// explicitly wins over the preset, since presets are applied before the
// rest of that same layer's scalars are merged in.
type presetIntervals struct {
	Commit time.Duration
	Push   time.Duration
}

var presets = map[string]presetIntervals{
	"paranoid":   {Commit: 300 * time.Second, Push: 300 * time.Second},
	"aggressive": {Commit: 300 * time.Second, Push: 900 * time.Second},
	"balanced":   {Commit: 600 * time.Second, Push: 3600 * time.Second},
	"lazy":       {Commit: 1800 * time.Second, Push: 7200 * time.Second},
}

// applyPreset overwrites cfg.Daemon's intervals with the named preset's
// values, leaving everything else untouched. An unknown preset name is a
// config error.
func applyPreset(cfg *Config, name string) error {
	if name == "" {
		return nil
	}
	preset, ok := presets[name]
	if !ok {
		return errors.NewConfigError("daemon.preset", name, fmt.Errorf("unknown preset"))
	}
	cfg.Daemon.CommitInterval = preset.Commit
	cfg.Daemon.PushInterval = preset.Push
	return nil
}

// rawLayer is the loosely-typed decode target used to separate "known
// keys, decoded into Config" from "unknown keys, decoded into nothing" via
// toml.MetaData.Keys().
type rawLayer struct {
	Core   map[string]interface{} `toml:"core"`
	Daemon map[string]interface{} `toml:"daemon"`
	Limits map[string]interface{} `toml:"limits"`
	Files  map[string]interface{} `toml:"files"`
}

// knownKeys enumerates every key recognized under each table, used to
// reject typos instead of silently ignoring them.
var knownKeys = map[string]map[string]bool{
	"core":   {"remote_name": true},
	"daemon": {"preset": true, "commit_interval": true, "push_interval": true, "eco_mode_percent": true, "drift_poll_interval": true},
	"limits": {"large_file_threshold": true, "max_log_size": true},
	"files":  {"ignore": true},
}

// layer is one cascade source, decoded and validated but not yet merged.
type layer struct {
	source string
	raw    rawLayer
	ignore []string
}

func decodeLayer(source string, data []byte) (layer, error) {
	var raw rawLayer
	meta, err := toml.Decode(string(data), &raw)
	if err != nil {
		return layer{}, errors.Wrapf(err, "parsing %s", source)
	}

	for _, key := range meta.Keys() {
		if len(key) < 2 {
			if _, ok := knownKeys[key[0]]; ok {
				continue
			}
			return layer{}, errors.NewConfigError(strings.Join(key, "."), nil,
				fmt.Errorf("%w: unrecognized key %q in %s", errors.ErrUnknownConfigKey, strings.Join(key, "."), source))
		}
		table, field := key[0], key[1]
		allowed, ok := knownKeys[table]
		if !ok {
			return layer{}, errors.NewConfigError(strings.Join(key, "."), nil,
				fmt.Errorf("%w: unrecognized table %q in %s", errors.ErrUnknownConfigKey, table, source))
		}
		if !allowed[field] {
			return layer{}, errors.NewConfigError(strings.Join(key, "."), nil,
				fmt.Errorf("%w: unrecognized key %q in %s", errors.ErrUnknownConfigKey, strings.Join(key, "."), source))
		}
	}

	l := layer{source: source, raw: raw}
	if ignoreVal, ok := raw.Files["ignore"]; ok {
		items, convOK := ignoreVal.([]interface{})
		if !convOK {
			return layer{}, errors.NewConfigError("files.ignore", ignoreVal, fmt.Errorf("must be a list of strings"))
		}
		for _, item := range items {
			s, convOK := item.(string)
			if !convOK {
				return layer{}, errors.NewConfigError("files.ignore", item, fmt.Errorf("must be a string"))
			}
			l.ignore = append(l.ignore, s)
		}
	}
	return l, nil
}

// merge applies a decoded layer on top of cfg: a daemon.preset expands
// first so an explicit commit_interval/push_interval in the same layer can
// still override it, scalars overwrite, and files.ignore concatenates and
// dedupes.
func merge(cfg *Config, l layer) error {
	if v, ok := l.raw.Daemon["preset"]; ok {
		s, convOK := v.(string)
		if !convOK {
			return errors.NewConfigError("daemon.preset", v, fmt.Errorf("must be a string"))
		}
		if err := applyPreset(cfg, s); err != nil {
			return err
		}
		cfg.Daemon.Preset = s
	}

	if v, ok := l.raw.Core["remote_name"]; ok {
		s, convOK := v.(string)
		if !convOK {
			return errors.NewConfigError("core.remote_name", v, fmt.Errorf("must be a string"))
		}
		cfg.Core.RemoteName = s
	}

	if v, ok := l.raw.Daemon["commit_interval"]; ok {
		d, err := parseDurationField("daemon.commit_interval", v)
		if err != nil {
			return err
		}
		cfg.Daemon.CommitInterval = d
	}
	if v, ok := l.raw.Daemon["push_interval"]; ok {
		d, err := parseDurationField("daemon.push_interval", v)
		if err != nil {
			return err
		}
		cfg.Daemon.PushInterval = d
	}
	if v, ok := l.raw.Daemon["drift_poll_interval"]; ok {
		d, err := parseDurationField("daemon.drift_poll_interval", v)
		if err != nil {
			return err
		}
		cfg.Daemon.DriftPollInterval = d
	}
	if v, ok := l.raw.Daemon["eco_mode_percent"]; ok {
		n, err := parseIntField("daemon.eco_mode_percent", v)
		if err != nil {
			return err
		}
		cfg.Daemon.EcoModePercent = n
	}

	if v, ok := l.raw.Limits["large_file_threshold"]; ok {
		n, err := parseSizeField("limits.large_file_threshold", v)
		if err != nil {
			return err
		}
		cfg.Limits.LargeFileThreshold = n
	}
	if v, ok := l.raw.Limits["max_log_size"]; ok {
		n, err := parseSizeField("limits.max_log_size", v)
		if err != nil {
			return err
		}
		cfg.Limits.MaxLogSize = n
	}

	if len(l.ignore) > 0 {
		cfg.Files.Ignore = dedupeAppend(cfg.Files.Ignore, l.ignore)
	}

	return nil
}

func dedupeAppend(existing, additions []string) []string {
	seen := make(map[string]bool, len(existing))
	result := make([]string, 0, len(existing)+len(additions))
	for _, v := range existing {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	for _, v := range additions {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}

func parseDurationField(field string, v interface{}) (time.Duration, error) {
	switch t := v.(type) {
	case string:
		d, err := ParseTime(t)
		if err != nil {
			return 0, errors.NewConfigError(field, v, err)
		}
		return d, nil
	case int64:
		return time.Duration(t) * time.Second, nil
	default:
		return 0, errors.NewConfigError(field, v, fmt.Errorf("must be a duration string like \"30s\" or a number of seconds"))
	}
}

func parseIntField(field string, v interface{}) (int, error) {
	n, ok := v.(int64)
	if !ok {
		return 0, errors.NewConfigError(field, v, fmt.Errorf("must be an integer"))
	}
	return int(n), nil
}

func parseSizeField(field string, v interface{}) (int64, error) {
	switch t := v.(type) {
	case string:
		n, err := ParseSize(t)
		if err != nil {
			return 0, errors.NewConfigError(field, v, err)
		}
		return n, nil
	case int64:
		return t, nil
	default:
		return 0, errors.NewConfigError(field, v, fmt.Errorf("must be a size string like \"50MB\" or a byte count"))
	}
}

var sizeRe = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*([kmgt]?b)?\s*$`)

// ParseSize parses a human-readable size string ("512", "10KB", "50MB",
// "2GB") into a byte count. A bare number is interpreted as bytes.
func ParseSize(s string) (int64, error) {
	m := sizeRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	unit := strings.ToLower(m[2])
	multiplier := float64(1)
	switch unit {
	case "", "b":
		multiplier = 1
	case "kb":
		multiplier = 1024
	case "mb":
		multiplier = 1024 * 1024
	case "gb":
		multiplier = 1024 * 1024 * 1024
	case "tb":
		multiplier = 1024 * 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("invalid size unit in %q", s)
	}
	return int64(value * multiplier), nil
}

var timeRe = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*(ms|s|m|h)?\s*$`)

// ParseTime parses a human-readable duration string ("30", "45s", "5m",
// "1h") into a time.Duration. A bare number is interpreted as seconds.
func ParseTime(s string) (time.Duration, error) {
	m := timeRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	unit := strings.ToLower(m[2])
	switch unit {
	case "", "s":
		return time.Duration(value * float64(time.Second)), nil
	case "ms":
		return time.Duration(value * float64(time.Millisecond)), nil
	case "m":
		return time.Duration(value * float64(time.Minute)), nil
	case "h":
		return time.Duration(value * float64(time.Hour)), nil
	default:
		return 0, fmt.Errorf("invalid duration unit in %q", s)
	}
}

// Sources describes where each cascade layer should be read from.
type Sources struct {
	GlobalPath  string // ${XDG_CONFIG_HOME}/git-pulsar/config.toml
	RepoPath    string // <repo>/pulsar.toml
	ProjectPath string // <repo>/pyproject.toml, [tool.git-pulsar] table
}

// DefaultSources builds the standard cascade paths for a repo root.
func DefaultSources(repoRoot string) Sources {
	return Sources{
		GlobalPath:  filepath.Join(globalConfigDir(), "config.toml"),
		RepoPath:    filepath.Join(repoRoot, "pulsar.toml"),
		ProjectPath: filepath.Join(repoRoot, "pyproject.toml"),
	}
}

func globalConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "git-pulsar")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "git-pulsar")
	}
	return filepath.Join(home, ".config", "git-pulsar")
}

// Load runs the full cascade: defaults, then global, then repo-local
// pulsar.toml, then the [tool.git-pulsar] table of pyproject.toml. Missing
// files are skipped; malformed files or unknown keys are hard errors.
func Load(sources Sources) (Config, error) {
	cfg := Default()

	if err := mergeFileIfPresent(&cfg, sources.GlobalPath, false); err != nil {
		return Config{}, err
	}
	if err := mergeFileIfPresent(&cfg, sources.RepoPath, false); err != nil {
		return Config{}, err
	}
	if err := mergeFileIfPresent(&cfg, sources.ProjectPath, true); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func mergeFileIfPresent(cfg *Config, path string, projectTable bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "reading %s", path)
	}

	if projectTable {
		data = extractProjectTable(data)
		if data == nil {
			return nil
		}
	}

	l, err := decodeLayer(path, data)
	if err != nil {
		return err
	}
	return merge(cfg, l)
}

// extractProjectTable pulls the [tool.git-pulsar] table out of a
// pyproject.toml body and re-serializes it as a standalone document so it
// can be decoded with the same schema as a top-level pulsar.toml. Returns
// nil if the table is absent.
func extractProjectTable(data []byte) []byte {
	var doc struct {
		Tool struct {
			GitPulsar map[string]interface{} `toml:"git-pulsar"`
		} `toml:"tool"`
	}
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil
	}
	if doc.Tool.GitPulsar == nil {
		return nil
	}

	var buf strings.Builder
	enc := toml.NewEncoder(&buf)
	_ = enc.Encode(doc.Tool.GitPulsar)
	return []byte(buf.String())
}

// Holder guards a repo's live Config behind a mutex so the daemon's worker
// goroutines and the fsnotify-driven reload watcher can safely race.
type Holder struct {
	mu      sync.RWMutex
	cfg     Config
	sources Sources
}

// NewHolder loads the cascade once and wraps the result for safe
// concurrent access and later reloads.
func NewHolder(sources Sources) (*Holder, error) {
	cfg, err := Load(sources)
	if err != nil {
		return nil, err
	}
	return &Holder{cfg: cfg, sources: sources}, nil
}

// Get returns a snapshot of the current configuration.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Reload re-runs the cascade and, on success, swaps in the new result. On
// failure the previous configuration is kept and the error is returned so
// the caller can log it without losing drift coverage for the repo.
func (h *Holder) Reload() error {
	cfg, err := Load(h.sources)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
	return nil
}

// WatchedPaths returns the cascade file paths that exist and should be
// watched for mtime changes to trigger a Reload.
func (h *Holder) WatchedPaths() []string {
	var paths []string
	for _, p := range []string{h.sources.GlobalPath, h.sources.RepoPath, h.sources.ProjectPath} {
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	return paths
}
