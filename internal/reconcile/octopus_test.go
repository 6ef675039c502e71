package reconcile

import (
	"context"
	"testing"

	"github.com/bashhack/git-pulsar/internal/gitplumbing"
	"github.com/bashhack/git-pulsar/internal/gitplumbing/gitplumbingtest"
)

func TestBuildOctopusTreeNoConflicts(t *testing.T) {
	fake := &gitplumbingtest.FakeExecutor{}
	fake.On("read-tree base000", "")
	fake.On("diff --name-status base000 aaa111", "A\tfrom-a.txt\n")
	fake.On("diff --name-status base000 bbb222", "A\tfrom-b.txt\n")
	fake.On("ls-tree -r aaa111", "100644 blob aaaaaa1\tfrom-a.txt\n")
	fake.On("ls-tree -r bbb222", "100644 blob bbbbbb2\tfrom-b.txt\n")
	fake.On("update-index", "")
	fake.On("write-tree", "mergedtree00\n")

	p := gitplumbing.NewWithExecutor("/repo", fake)
	tree, conflicts, err := BuildOctopusTree(context.Background(), p, "/repo/.git/pulsar_finalize_index", "base000", map[string]string{
		"m1": "aaa111",
		"m2": "bbb222",
	})
	if err != nil {
		t.Fatalf("BuildOctopusTree() error: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %+v", conflicts)
	}
	if tree != "mergedtree00" {
		t.Errorf("tree = %q, want %q", tree, "mergedtree00")
	}
}

func TestBuildOctopusTreeConflict(t *testing.T) {
	fake := &gitplumbingtest.FakeExecutor{}
	fake.On("read-tree base000", "")
	fake.On("diff --name-status base000 aaa111", "M\tshared.txt\n")
	fake.On("diff --name-status base000 bbb222", "M\tshared.txt\n")
	fake.On("ls-tree -r aaa111", "100644 blob aaaaaa1\tshared.txt\n")
	fake.On("ls-tree -r bbb222", "100644 blob bbbbbb2\tshared.txt\n")

	p := gitplumbing.NewWithExecutor("/repo", fake)
	tree, conflicts, err := BuildOctopusTree(context.Background(), p, "/repo/.git/pulsar_finalize_index", "base000", map[string]string{
		"m1": "aaa111",
		"m2": "bbb222",
	})
	if err != nil {
		t.Fatalf("BuildOctopusTree() error: %v", err)
	}
	if tree != "" {
		t.Errorf("expected no tree on conflict, got %q", tree)
	}
	if len(conflicts) != 1 || conflicts[0].Path != "shared.txt" {
		t.Fatalf("conflicts = %+v, want one conflict on shared.txt", conflicts)
	}
	if len(conflicts[0].Machines) != 2 {
		t.Errorf("expected both machines named, got %+v", conflicts[0].Machines)
	}
}

func TestBuildOctopusTreeSameChangeAcrossMachinesIsNotAConflict(t *testing.T) {
	fake := &gitplumbingtest.FakeExecutor{}
	fake.On("read-tree base000", "")
	fake.On("diff --name-status base000 aaa111", "M\tshared.txt\n")
	fake.On("diff --name-status base000 bbb222", "M\tshared.txt\n")
	fake.On("ls-tree -r aaa111", "100644 blob 5a3e5a1\tshared.txt\n")
	fake.On("ls-tree -r bbb222", "100644 blob 5a3e5a1\tshared.txt\n")
	fake.On("update-index", "")
	fake.On("write-tree", "mergedtree01\n")

	p := gitplumbing.NewWithExecutor("/repo", fake)
	tree, conflicts, err := BuildOctopusTree(context.Background(), p, "/repo/.git/pulsar_finalize_index", "base000", map[string]string{
		"m1": "aaa111",
		"m2": "bbb222",
	})
	if err != nil {
		t.Fatalf("BuildOctopusTree() error: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("identical content should not conflict, got %+v", conflicts)
	}
	if tree != "mergedtree01" {
		t.Errorf("tree = %q, want %q", tree, "mergedtree01")
	}
}

func TestBuildOctopusTreeDeletion(t *testing.T) {
	fake := &gitplumbingtest.FakeExecutor{}
	fake.On("read-tree base000", "")
	fake.On("diff --name-status base000 aaa111", "D\tgone.txt\n")
	fake.On("ls-tree -r aaa111", "")
	fake.On("update-index --force-remove", "")
	fake.On("write-tree", "mergedtree02\n")

	p := gitplumbing.NewWithExecutor("/repo", fake)
	tree, conflicts, err := BuildOctopusTree(context.Background(), p, "/repo/.git/pulsar_finalize_index", "base000", map[string]string{
		"m1": "aaa111",
	})
	if err != nil {
		t.Fatalf("BuildOctopusTree() error: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %+v", conflicts)
	}
	if tree != "mergedtree02" {
		t.Errorf("tree = %q, want %q", tree, "mergedtree02")
	}
}

func TestSortedMachineIDs(t *testing.T) {
	ids := sortedMachineIDs(map[string]string{"zzz": "1", "aaa": "2", "mmm": "3"})
	want := []string{"aaa", "mmm", "zzz"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}
