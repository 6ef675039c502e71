package drift

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bashhack/git-pulsar/internal/constants"
	"github.com/bashhack/git-pulsar/internal/gitplumbing"
)

// Notifier is the subset of systemprobe.Probe that Detector needs; kept as
// an interface so tests can assert on notifications without touching the
// OS notification mechanism.
type Notifier interface {
	Notify(title, message string)
}

// Detector implements the roaming radar: one poll tick per repo that
// fetches the shadow namespace and compares observed cross-machine tips
// against what was last recorded.
type Detector struct {
	plumbing   *gitplumbing.Plumbing
	store      *Store
	notifier   Notifier
	remoteName string
	machineID  string
}

// New creates a Detector for one repo.
func New(plumbing *gitplumbing.Plumbing, store *Store, notifier Notifier, remoteName, machineID string) *Detector {
	return &Detector{plumbing: plumbing, store: store, notifier: notifier, remoteName: remoteName, machineID: machineID}
}

// Poll fetches the pulsar namespace, compares every other machine's tips
// against the last-seen record, and rewrites the drift cache (plus a
// notification) if anything newer was found and not yet acknowledged.
func (d *Detector) Poll(ctx context.Context) error {
	if err := d.plumbing.Fetch(ctx, d.remoteName, constants.FetchRefspec); err != nil {
		return err
	}

	refs, err := d.plumbing.ListRefs(ctx, "refs/heads/"+constants.BackupNamespace)
	if err != nil {
		return err
	}

	prev, err := d.store.Read()
	if err != nil {
		return err
	}

	var observed []string
	var newestSHA string
	var newestTime int64

	for _, ref := range refs {
		machineID := machineSegment(ref)
		if machineID == "" || machineID == d.machineID {
			continue
		}
		observed = append(observed, machineID)

		sha, ok, resolveErr := d.plumbing.ResolveRef(ctx, ref)
		if resolveErr != nil || !ok {
			continue
		}
		commitTime, timeErr := d.plumbing.CommitTime(ctx, sha)
		if timeErr != nil {
			continue
		}
		if commitTime > newestTime {
			newestTime = commitTime
			newestSHA = sha
		}
	}

	observed = dedupeSorted(observed)

	next := State{
		ObservedMachines:    observed,
		LatestShadowSHASeen: prev.LatestShadowSHASeen,
		AtTime:              prev.AtTime,
		Acknowledged:        prev.Acknowledged,
		Blocked:             prev.Blocked,
		BlockedReason:       prev.BlockedReason,
	}

	foundNewer := newestTime > prev.AtTime && newestSHA != "" && newestSHA != prev.LatestShadowSHASeen
	if foundNewer {
		next.LatestShadowSHASeen = newestSHA
		next.AtTime = newestTime
		next.Acknowledged = false
	}

	if err := d.store.Write(next); err != nil {
		return err
	}

	if foundNewer && !next.Acknowledged && d.notifier != nil {
		d.notifier.Notify(
			"git-pulsar: new changes detected",
			fmt.Sprintf("Another machine pushed changes. Run `pulsar sync` to catch up. (%s)", strings.Join(observed, ", ")),
		)
	}
	return nil
}

// machineSegment extracts the machine-id path component from a shadow ref
// of the form refs/heads/wip/pulsar/<machine-id>/<branch>.
func machineSegment(ref string) string {
	const prefix = "refs/heads/" + constants.BackupNamespace + "/"
	if !strings.HasPrefix(ref, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(ref, prefix)
	idx := strings.Index(rest, "/")
	if idx < 0 {
		return rest
	}
	return rest[:idx]
}

func dedupeSorted(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, v := range items {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
