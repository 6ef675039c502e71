package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bashhack/git-pulsar/internal/errors"
)

// Entry is one tracked repository's persisted metadata. Unique by Path,
// which is always stored as a canonical absolute path.
type Entry struct {
	Path              string `json:"path"`
	MachineID         string `json:"machine_id"`
	BranchAtRegister  string `json:"branch_at_register"`
	Paused            bool   `json:"paused"`
	LastSnapshotAt    int64  `json:"last_snapshot_at"`
	LastPushAt        int64  `json:"last_push_at"`
	LastDriftCheckAt  int64  `json:"last_drift_check_at"`
}

// document is the on-disk shape of registry.json.
type document struct {
	Repos []Entry `json:"repos"`
}

// Registry guards the on-disk document with a mutex so daemon workers
// calling in from multiple goroutines can't interleave a read-modify-write.
// Cross-process safety comes from the atomic rename, not this mutex — two
// separate processes (daemon and a CLI invocation) can still race, but the
// last writer's atomic rename always leaves a fully-formed file.
type Registry struct {
	mu   sync.Mutex
	path string
}

// New binds a Registry to its backing file path. The file need not exist
// yet; reads of a missing file behave as an empty registry.
func New(path string) *Registry {
	return &Registry{path: path}
}

// DefaultPath returns the standard registry.json location under
// XDG_STATE_HOME (or ~/.local/state if unset).
func DefaultPath() string {
	return filepath.Join(stateDir(), "registry.json")
}

// StateDir returns the XDG state directory git-pulsar's daemon and registry
// share (${XDG_STATE_HOME}/git-pulsar, or ~/.local/state/git-pulsar). It is
// exported so cmd/pulsard can place its log file alongside registry.json.
func StateDir() string {
	return stateDir()
}

func stateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "git-pulsar")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".local", "state", "git-pulsar")
	}
	return filepath.Join(home, ".local", "state", "git-pulsar")
}

func (r *Registry) load() (document, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return document{}, nil
		}
		return document{}, errors.Wrapf(err, "reading %s", r.path)
	}
	if len(data) == 0 {
		return document{}, nil
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, errors.Wrapf(err, "parsing %s", r.path)
	}
	return doc, nil
}

func (r *Registry) save(doc document) error {
	sort.Slice(doc.Repos, func(i, j int) bool { return doc.Repos[i].Path < doc.Repos[j].Path })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling registry")
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return errors.Wrapf(err, "renaming %s to %s", tmp, r.path)
	}
	return nil
}

// List returns every tracked repository, sorted by path.
func (r *Registry) List() ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	return doc.Repos, nil
}

// Get returns the entry for path, if tracked.
func (r *Registry) Get(path string) (Entry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range doc.Repos {
		if e.Path == path {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// Register adds a new entry, or returns an error if path is already
// tracked — callers map this to the CLI's "already registered" exit code.
func (r *Registry) Register(entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return err
	}
	for _, e := range doc.Repos {
		if e.Path == entry.Path {
			return errors.Errorf("repository %s is already registered", entry.Path)
		}
	}
	doc.Repos = append(doc.Repos, entry)
	return r.save(doc)
}

// Remove deletes the entry for path, if present. Removing an untracked
// path is not an error.
func (r *Registry) Remove(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return err
	}
	out := doc.Repos[:0]
	for _, e := range doc.Repos {
		if e.Path != path {
			out = append(out, e)
		}
	}
	doc.Repos = out
	return r.save(doc)
}

// Mutate applies fn to the entry for path under the registry's lock and
// persists the result. fn receives a pointer to the live copy; returning
// an error aborts the write, leaving the file unchanged.
func (r *Registry) Mutate(path string, fn func(*Entry) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return err
	}
	for i := range doc.Repos {
		if doc.Repos[i].Path != path {
			continue
		}
		if err := fn(&doc.Repos[i]); err != nil {
			return err
		}
		return r.save(doc)
	}
	return errors.Errorf("repository %s is not registered", path)
}

// SetPaused sets the paused flag for a tracked repository.
func (r *Registry) SetPaused(path string, paused bool) error {
	return r.Mutate(path, func(e *Entry) error {
		e.Paused = paused
		return nil
	})
}

// TouchSnapshot records a successful snapshot's timestamp.
func (r *Registry) TouchSnapshot(path string, at int64) error {
	return r.Mutate(path, func(e *Entry) error {
		e.LastSnapshotAt = at
		return nil
	})
}

// TouchPush records a successful push's timestamp.
func (r *Registry) TouchPush(path string, at int64) error {
	return r.Mutate(path, func(e *Entry) error {
		e.LastPushAt = at
		return nil
	})
}

// TouchDriftCheck records a drift poll's timestamp.
func (r *Registry) TouchDriftCheck(path string, at int64) error {
	return r.Mutate(path, func(e *Entry) error {
		e.LastDriftCheckAt = at
		return nil
	})
}

// ExistsFunc reports whether path exists and is a git repository; it is
// injected so Prune stays a pure, testable decision over a fake filesystem
// view rather than shelling out to git itself.
type ExistsFunc func(path string) bool

// Prune removes every entry whose path was proved absent or is no longer a
// git repository, per exists. It never removes an entry on any other
// basis — whitespace or encoding quirks in a path are not grounds for
// removal, only a definitive "this is not a repository anymore" answer.
func (r *Registry) Prune(exists ExistsFunc) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return nil, err
	}

	var removed []string
	kept := doc.Repos[:0]
	for _, e := range doc.Repos {
		if exists(e.Path) {
			kept = append(kept, e)
		} else {
			removed = append(removed, e.Path)
		}
	}
	doc.Repos = kept

	if len(removed) == 0 {
		return nil, nil
	}
	if err := r.save(doc); err != nil {
		return nil, err
	}
	return removed, nil
}
