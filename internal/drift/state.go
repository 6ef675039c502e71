package drift

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/bashhack/git-pulsar/internal/errors"
)

// State is the on-disk shape of <gitdir>/pulsar_drift_state: what the last
// poll saw, and whether the user has acknowledged it. Blocked/BlockedReason
// record ShadowEngine's large-file veto, which rides along in the same
// file since both are "things status should show without touching git".
type State struct {
	ObservedMachines   []string `json:"observed_machines"`
	LatestShadowSHASeen string  `json:"latest_shadow_sha_seen"`
	AtTime             int64    `json:"at_time"`
	Acknowledged       bool     `json:"acknowledged"`
	Blocked            bool     `json:"blocked"`
	BlockedReason       string  `json:"blocked_reason,omitempty"`
}

// Store reads and atomically rewrites one repo's drift state file.
type Store struct {
	path string
}

// NewStore binds a Store to <gitdir>/pulsar_drift_state.
func NewStore(gitDir string) *Store {
	return &Store{path: filepath.Join(gitDir, "pulsar_drift_state")}
}

// Read loads the current state. A missing file is not an error: it reads
// as the zero State, per the Zero-Latency invariant that status must never
// block on anything, including a repo that has never been polled.
func (s *Store) Read() (State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, errors.Wrapf(err, "reading %s", s.path)
	}
	if len(data) == 0 {
		return State{}, nil
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, errors.Wrapf(err, "parsing %s", s.path)
	}
	return st, nil
}

// Write atomically rewrites the drift state file, holding a short-lived
// advisory lock only for the write itself so concurrent writers (daemon
// poll vs. a CLI "sync" acknowledgement) serialize without blocking readers.
func (s *Store) Write(st State) error {
	lockPath := s.path + ".lock"
	fl := flock.New(lockPath)
	if err := fl.Lock(); err != nil {
		return errors.Wrap(err, "acquiring drift-state write lock")
	}
	defer func() { _ = fl.Unlock() }()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling drift state")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	return os.Rename(tmp, s.path)
}

// Mutate reads the current state, applies fn, and writes the result back
// under the write lock's protection.
func (s *Store) Mutate(fn func(*State)) error {
	st, err := s.Read()
	if err != nil {
		return err
	}
	fn(&st)
	return s.Write(st)
}

// Acknowledge marks the current drift as seen by the user, called when
// `sync` completes or `status` dismisses the banner.
func (s *Store) Acknowledge() error {
	return s.Mutate(func(st *State) { st.Acknowledged = true })
}

// MarkBlocked records ShadowEngine's large-file veto so status can surface
// it without a network call.
func (s *Store) MarkBlocked(reason string) error {
	return s.Mutate(func(st *State) {
		st.Blocked = true
		st.BlockedReason = reason
	})
}

// ClearBlocked is called once a snapshot succeeds after a prior veto.
func (s *Store) ClearBlocked() error {
	return s.Mutate(func(st *State) {
		st.Blocked = false
		st.BlockedReason = ""
	})
}
