package shadow

import (
	"strings"

	"github.com/bashhack/git-pulsar/internal/constants"
)

// EmptyTreeSHA is git's canonical hash for an empty tree; used as the
// comparison base when a repo has no prior shadow commit and no commits
// on its user branch yet (a brand-new repository).
const EmptyTreeSHA = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// ZeroOID is the all-zero placeholder update-ref uses to mean "this ref
// must not currently exist".
const ZeroOID = "0000000000000000000000000000000000000000"

// RefName builds the shadow ref for one (machine, branch) pair:
// refs/heads/wip/pulsar/<machine-id>/<branch>, with '/' in branch encoded
// as %2F so a branch like "feature/x" doesn't collide with the namespace
// structure.
func RefName(machineID, branch string) string {
	return "refs/heads/" + constants.BackupNamespace + "/" + machineID + "/" + EncodeBranch(branch)
}

// EncodeBranch escapes '/' in a branch name so it can occupy a single ref
// path segment without being mistaken for a namespace boundary.
func EncodeBranch(branch string) string {
	return strings.ReplaceAll(branch, "/", "%2F")
}

// DecodeBranch reverses EncodeBranch, recovering the original branch name
// from a ref path segment.
func DecodeBranch(encoded string) string {
	return strings.ReplaceAll(encoded, "%2F", "/")
}
