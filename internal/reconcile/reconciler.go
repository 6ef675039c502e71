package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bashhack/git-pulsar/internal/constants"
	pulsarErrors "github.com/bashhack/git-pulsar/internal/errors"
	"github.com/bashhack/git-pulsar/internal/gitplumbing"
	"github.com/bashhack/git-pulsar/internal/shadow"
)

// Reconciler implements sync, restore, and finalize: the three foreground
// operations that fold shadow state back into the user's visible branch.
type Reconciler struct {
	plumbing   *gitplumbing.Plumbing
	interactor UserInteractor
	gitDir     string
	remoteName string
	machineID  string
}

// New creates a Reconciler for one repository.
func New(plumbing *gitplumbing.Plumbing, interactor UserInteractor, gitDir, remoteName, machineID string) *Reconciler {
	return &Reconciler{plumbing: plumbing, interactor: interactor, gitDir: gitDir, remoteName: remoteName, machineID: machineID}
}

// SyncResult describes the outcome of Sync.
type SyncResult struct {
	SourceMachineID string
	SHA             string
}

// Sync fetches the shadow namespace, finds the newest cross-machine
// shadow tip for branch, and (after confirmation) fast-forwards the
// working tree to its tree — never touching the user branch ref.
func (r *Reconciler) Sync(ctx context.Context, branch string) (SyncResult, error) {
	if err := r.plumbing.Fetch(ctx, r.remoteName, constants.FetchRefspec); err != nil {
		return SyncResult{}, err
	}

	tips, err := r.shadowTipsForBranch(ctx, branch)
	if err != nil {
		return SyncResult{}, err
	}
	if len(tips) == 0 {
		return SyncResult{}, pulsarErrors.ErrNoDrift
	}

	bestMachine, bestSHA, bestTime := "", "", int64(-1)
	for machineID, sha := range tips {
		t, timeErr := r.plumbing.CommitTime(ctx, sha)
		if timeErr != nil {
			continue
		}
		if t > bestTime {
			bestTime = t
			bestSHA = sha
			bestMachine = machineID
		}
	}
	if bestSHA == "" {
		return SyncResult{}, pulsarErrors.ErrNoDrift
	}

	status, err := r.plumbing.StatusPorcelain(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	if strings.TrimSpace(status) != "" {
		return SyncResult{}, pulsarErrors.ErrDirtyWorkingTree
	}

	if r.interactor != nil {
		ok := r.interactor.PromptYesNo(fmt.Sprintf("Fast-forward working tree to %s's latest snapshot?", bestMachine))
		if !ok {
			return SyncResult{}, pulsarErrors.ErrCanceled
		}
	}

	tree, err := r.plumbing.TreeOf(ctx, bestSHA)
	if err != nil {
		return SyncResult{}, err
	}
	if err := r.plumbing.ReadTreeUpdateWorkingTree(ctx, tree); err != nil {
		return SyncResult{}, err
	}

	return SyncResult{SourceMachineID: bestMachine, SHA: bestSHA}, nil
}

// RestoreResult describes the outcome of Restore.
type RestoreResult struct {
	Restored bool
	Canceled bool
}

// Restore negotiates overwriting path with its content at this machine's
// latest shadow tip. An absent or unmodified local copy is overwritten
// directly; a modified one enters the PROMPT/OVERWRITE/VIEW_DIFF/CANCEL
// negotiation.
func (r *Reconciler) Restore(ctx context.Context, path, branch string) (RestoreResult, error) {
	ref := shadow.RefName(r.machineID, branch)
	tip, exists, err := r.plumbing.ResolveRef(ctx, ref)
	if err != nil {
		return RestoreResult{}, err
	}
	if !exists {
		return RestoreResult{}, pulsarErrors.Errorf("no shadow snapshot exists yet for branch %q on this machine", branch)
	}

	shadowContent, err := r.plumbing.ReadBlob(ctx, tip, path)
	if err != nil {
		return RestoreResult{}, pulsarErrors.Errorf("path %q not found in latest snapshot: %w", path, err)
	}

	localContent, readErr := os.ReadFile(filepath.Join(filepath.Dir(r.gitDir), path))
	modified := readErr == nil && string(localContent) != shadowContent

	if !modified {
		if err := r.plumbing.CheckoutFile(ctx, tip, path); err != nil {
			return RestoreResult{}, err
		}
		return RestoreResult{Restored: true}, nil
	}

	if r.interactor == nil {
		return RestoreResult{}, pulsarErrors.ErrCanceled
	}

	for {
		choice := r.interactor.PromptChoice(fmt.Sprintf("%q has local changes not in the snapshot. Overwrite?", path))
		switch choice {
		case ChoiceOverwrite:
			if err := r.plumbing.CheckoutFile(ctx, tip, path); err != nil {
				return RestoreResult{}, err
			}
			return RestoreResult{Restored: true}, nil
		case ChoiceViewDiff:
			var diff strings.Builder
			if diffErr := r.plumbing.DiffPatch(ctx, tip, "", path, &diff); diffErr != nil {
				return RestoreResult{}, diffErr
			}
			r.interactor.ShowDiff(diff.String())
			continue
		case ChoiceCancel:
			return RestoreResult{Canceled: true}, pulsarErrors.ErrCanceled
		}
	}
}

// FinalizeResult describes the outcome of Finalize.
type FinalizeResult struct {
	Commit       string
	Machines     []string
	Conflicts    []ConflictReport
}

// Finalize performs the octopus squash: fetches, enumerates every
// machine's shadow tip for branch, builds the merged tree against their
// common merge base, and produces one commit on branch whose first parent
// is the prior branch tip and whose remaining parents are the shadow tips
// in lexicographic machine-id order.
func (r *Reconciler) Finalize(ctx context.Context, branch string) (FinalizeResult, error) {
	if err := r.plumbing.Fetch(ctx, r.remoteName, constants.FetchRefspec); err != nil {
		return FinalizeResult{}, err
	}

	tips, err := r.shadowTipsForBranch(ctx, branch)
	if err != nil {
		return FinalizeResult{}, err
	}
	if len(tips) == 0 {
		return FinalizeResult{}, pulsarErrors.ErrNoDrift
	}

	priorTip, priorExists, err := r.plumbing.ResolveRef(ctx, "refs/heads/"+branch)
	if err != nil {
		return FinalizeResult{}, err
	}

	allCommits := make([]string, 0, len(tips)+1)
	if priorExists {
		allCommits = append(allCommits, priorTip)
	}
	for _, sha := range tips {
		allCommits = append(allCommits, sha)
	}

	base, err := r.plumbing.MergeBase(ctx, allCommits...)
	if err != nil {
		return FinalizeResult{}, err
	}

	indexPath := filepath.Join(r.gitDir, "pulsar_finalize_index")
	defer func() { _ = os.Remove(indexPath) }()

	tree, conflicts, err := BuildOctopusTree(ctx, r.plumbing, indexPath, base, tips)
	if err != nil {
		return FinalizeResult{}, err
	}
	if len(conflicts) > 0 {
		return FinalizeResult{Conflicts: conflicts}, pulsarErrors.ErrReconcileConflict
	}

	machineIDs := sortedMachineIDs(tips)
	parents := make([]string, 0, len(machineIDs)+1)
	if priorExists {
		parents = append(parents, priorTip)
	}
	for _, m := range machineIDs {
		parents = append(parents, tips[m])
	}

	message := finalizeMessage(ctx, r.plumbing, base, tips, machineIDs)

	commit, err := r.plumbing.CommitTree(ctx, gitplumbing.CommitTreeOptions{
		Tree:    tree,
		Parents: parents,
		Message: message,
	})
	if err != nil {
		return FinalizeResult{}, err
	}

	oldForCAS := ""
	if priorExists {
		oldForCAS = priorTip
	} else {
		oldForCAS = shadow.ZeroOID
	}
	if err := r.plumbing.UpdateRef(ctx, "refs/heads/"+branch, commit, oldForCAS, message); err != nil {
		return FinalizeResult{}, err
	}

	refs := make([]string, 0, len(machineIDs))
	for _, m := range machineIDs {
		refs = append(refs, shadow.RefName(m, branch))
	}
	if err := markReconciled(r.gitDir, refs, commit); err != nil {
		return FinalizeResult{}, err
	}

	return FinalizeResult{Commit: commit, Machines: machineIDs}, nil
}

// shadowTipsForBranch resolves every machine's shadow ref for branch,
// keyed by machine id.
func (r *Reconciler) shadowTipsForBranch(ctx context.Context, branch string) (map[string]string, error) {
	refs, err := r.plumbing.ListRefs(ctx, "refs/heads/"+constants.BackupNamespace)
	if err != nil {
		return nil, err
	}

	tips := make(map[string]string)
	for _, ref := range refs {
		machineID, refBranch, ok := splitShadowRef(ref)
		if !ok || refBranch != branch {
			continue
		}
		sha, exists, resolveErr := r.plumbing.ResolveRef(ctx, ref)
		if resolveErr != nil || !exists {
			continue
		}
		tips[machineID] = sha
	}
	return tips, nil
}

func splitShadowRef(ref string) (machineID, branch string, ok bool) {
	prefix := "refs/heads/" + constants.BackupNamespace + "/"
	if !strings.HasPrefix(ref, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(ref, prefix)
	idx := strings.Index(rest, "/")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], shadow.DecodeBranch(rest[idx+1:]), true
}

func finalizeMessage(ctx context.Context, p *gitplumbing.Plumbing, base string, tips map[string]string, machineIDs []string) string {
	var b strings.Builder
	b.WriteString("pulsar: finalize (")
	b.WriteString(strings.Join(machineIDs, ", "))
	b.WriteString(")\n\n")
	for _, m := range machineIDs {
		changes, err := p.DiffNameStatus(ctx, base, tips[m])
		count := 0
		if err == nil {
			count = len(changes)
		}
		fmt.Fprintf(&b, "- %s: %d files\n", m, count)
	}
	return b.String()
}
