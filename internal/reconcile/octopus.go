package reconcile

import (
	"context"
	"sort"

	"github.com/bashhack/git-pulsar/internal/gitplumbing"
)

// ConflictReport names a path that two or more machines changed
// differently relative to the merge base, and the machines responsible.
type ConflictReport struct {
	Path     string
	Machines []string
}

type pathState struct {
	exists bool
	mode   string
	sha    string
}

func stateOf(entries map[string]gitplumbing.TreeEntry, path string) pathState {
	e, ok := entries[path]
	if !ok {
		return pathState{exists: false}
	}
	return pathState{exists: true, mode: e.Mode, sha: e.SHA}
}

// BuildOctopusTree seeds the isolated index at indexPath from base, then
// applies every machine tip's changes relative to base. A path changed by
// exactly one machine is applied directly; a path changed identically by
// several machines (same resulting mode+sha) is applied once; a path
// changed differently by two or more machines is reported as a conflict
// and excluded from the result. If any conflicts are found, the returned
// tree is empty and the caller must abort rather than write a partial
// result — finalize never produces a merge with silently dropped changes.
func BuildOctopusTree(ctx context.Context, p *gitplumbing.Plumbing, indexPath, base string, tips map[string]string) (string, []ConflictReport, error) {
	if err := p.ReadTreeInto(ctx, indexPath, base); err != nil {
		return "", nil, err
	}

	machineIDs := sortedMachineIDs(tips)

	tipEntries := make(map[string]map[string]gitplumbing.TreeEntry, len(machineIDs))
	contributors := make(map[string][]string)

	for _, m := range machineIDs {
		tip := tips[m]

		changes, err := p.DiffNameStatus(ctx, base, tip)
		if err != nil {
			return "", nil, err
		}
		for _, c := range changes {
			contributors[c.Path] = append(contributors[c.Path], m)
		}

		entries, err := p.LsTreeEntries(ctx, tip)
		if err != nil {
			return "", nil, err
		}
		entryMap := make(map[string]gitplumbing.TreeEntry, len(entries))
		for _, e := range entries {
			entryMap[e.Path] = e
		}
		tipEntries[m] = entryMap
	}

	var paths []string
	for path := range contributors {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var conflicts []ConflictReport
	for _, path := range paths {
		machines := contributors[path]
		base0 := stateOf(tipEntries[machines[0]], path)

		conflicting := false
		for _, m := range machines[1:] {
			if stateOf(tipEntries[m], path) != base0 {
				conflicting = true
				break
			}
		}
		if conflicting {
			conflicts = append(conflicts, ConflictReport{Path: path, Machines: append([]string{}, machines...)})
			continue
		}

		if len(conflicts) > 0 {
			// Once any conflict is found we stop mutating the index: the
			// operation will abort, so further writes would only be wasted
			// subprocess calls against an index nobody will keep.
			continue
		}

		if base0.exists {
			if err := p.UpdateIndexCacheinfo(ctx, indexPath, base0.mode, base0.sha, path); err != nil {
				return "", nil, err
			}
		} else {
			if err := p.RemoveFromIndex(ctx, indexPath, path); err != nil {
				return "", nil, err
			}
		}
	}

	if len(conflicts) > 0 {
		return "", conflicts, nil
	}

	tree, err := p.WriteTree(ctx, indexPath)
	if err != nil {
		return "", nil, err
	}
	return tree, nil, nil
}

func sortedMachineIDs(tips map[string]string) []string {
	ids := make([]string, 0, len(tips))
	for id := range tips {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
