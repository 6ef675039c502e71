// Package gitplumbing is a narrow, side-effect-explicit wrapper over the git
// binary. Commits and ref moves go through plumbing (write-tree,
// commit-tree, update-ref); staging a snapshot runs `git add --all` and
// `git rm --cached` against an isolated index, and CheckoutFile runs
// `git checkout`. Every invocation receives an explicit working directory
// and environment map so that GIT_INDEX_FILE can be pointed at an isolated
// index without touching the caller's real one.
package gitplumbing

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bashhack/git-pulsar/internal/errors"
)

// networkRetryMaxElapsed bounds how long Fetch/Push retry a Transient
// failure before giving up and letting the caller's own cadence retry on
// the next cycle, per the "bounded elapsed time, not indefinite" policy.
const networkRetryMaxElapsed = 20 * time.Second

func newNetworkRetryBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = networkRetryMaxElapsed
	return bo
}

// Plumbing is the git wrapper every component that shells out to git routes
// through. It never runs `git commit`; `add` and `rm --cached` run only
// against an isolated index, and `checkout` only from CheckoutFile.
type Plumbing struct {
	repoPath string
	executor CommandExecutor
}

// New creates a Plumbing bound to a repository's working directory.
func New(repoPath string) *Plumbing {
	return &Plumbing{repoPath: repoPath, executor: NewExecExecutor()}
}

// NewWithExecutor allows tests to inject a fake CommandExecutor.
func NewWithExecutor(repoPath string, executor CommandExecutor) *Plumbing {
	return &Plumbing{repoPath: repoPath, executor: executor}
}

// command builds an *exec.Cmd rooted at the repo, with env merged over the
// current process environment so PATH and HOME etc. are preserved.
func (p *Plumbing) command(ctx context.Context, env map[string]string, args ...string) *exec.Cmd {
	fullArgs := append([]string{"-C", p.repoPath}, args...)
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	return cmd
}

func (p *Plumbing) run(ctx context.Context, env map[string]string, args ...string) error {
	return p.executor.Execute(p.command(ctx, env, args...))
}

func (p *Plumbing) runOutput(ctx context.Context, env map[string]string, args ...string) (string, error) {
	return p.executor.ExecuteWithOutput(p.command(ctx, env, args...))
}

// IsRepository reports whether path is inside a git working tree.
func IsRepository(path string) bool {
	cmd := exec.Command("git", "-C", path, "rev-parse", "--is-inside-work-tree")
	out, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "true"
}

// GitDir returns the absolute path to the repo's .git directory.
func (p *Plumbing) GitDir(ctx context.Context) (string, error) {
	out, err := p.runOutput(ctx, nil, "rev-parse", "--git-dir")
	if err != nil {
		return "", err
	}
	dir := strings.TrimSpace(out)
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(p.repoPath, dir)
	}
	return dir, nil
}

// ResolveRef resolves a ref to a sha, returning ("", false, nil) if absent.
func (p *Plumbing) ResolveRef(ctx context.Context, ref string) (string, bool, error) {
	out, err := p.runOutput(ctx, nil, "rev-parse", "--verify", "--quiet", ref)
	if err != nil {
		var gitErr *errors.GitError
		if errors.As(err, &gitErr) {
			return "", false, nil
		}
		return "", false, err
	}
	sha := strings.TrimSpace(out)
	if sha == "" {
		return "", false, nil
	}
	return sha, true, nil
}

// CurrentBranch returns the checked-out branch name, or "" if detached.
func (p *Plumbing) CurrentBranch(ctx context.Context) (string, error) {
	out, err := p.runOutput(ctx, nil, "symbolic-ref", "--short", "-q", "HEAD")
	if err != nil {
		return "", nil // detached HEAD, not an error for our purposes
	}
	return strings.TrimSpace(out), nil
}

// ListRefs lists ref names under the given prefix (e.g. refs/heads/wip/pulsar).
func (p *Plumbing) ListRefs(ctx context.Context, prefix string) ([]string, error) {
	out, err := p.runOutput(ctx, nil, "for-each-ref", "--format=%(refname)", prefix)
	if err != nil {
		return nil, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// CommitTime returns a ref's committer-date as a Unix timestamp.
func (p *Plumbing) CommitTime(ctx context.Context, ref string) (int64, error) {
	out, err := p.runOutput(ctx, nil, "log", "-1", "--format=%ct", ref)
	if err != nil {
		return 0, err
	}
	t, convErr := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if convErr != nil {
		return 0, errors.Wrap(convErr, "failed to parse commit time")
	}
	return t, nil
}

// TreeOf returns the tree sha a commit points at.
func (p *Plumbing) TreeOf(ctx context.Context, commit string) (string, error) {
	out, err := p.runOutput(ctx, nil, "rev-parse", "--verify", "--quiet", commit+"^{tree}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// AddAllToShadowIndex populates the isolated index (indexPath) with the
// entire working tree, honoring .gitignore and the supplied extra ignore
// patterns, then returns the resulting tree sha. It never touches HEAD or
// the caller's real index: indexPath must point at a pulsar-owned file.
func (p *Plumbing) AddAllToShadowIndex(ctx context.Context, indexPath string, extraIgnores []string) (string, error) {
	env := map[string]string{"GIT_INDEX_FILE": indexPath}

	if err := p.run(ctx, env, "add", "--all", "--", "."); err != nil {
		return "", err
	}

	for _, pattern := range extraIgnores {
		// Untrack anything matching an ignore pattern that find-all may have
		// picked up (e.g. a pattern not present in .gitignore).
		_ = p.run(ctx, env, "rm", "--cached", "--ignore-unmatch", "-r", "--", pattern)
	}

	return p.WriteTree(ctx, indexPath)
}

// WriteTree writes the isolated index's current contents as a tree object.
func (p *Plumbing) WriteTree(ctx context.Context, indexPath string) (string, error) {
	env := map[string]string{"GIT_INDEX_FILE": indexPath}
	out, err := p.runOutput(ctx, env, "write-tree")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CommitTreeOptions configures CommitTree.
type CommitTreeOptions struct {
	Tree    string
	Parents []string
	Message string
	Env     map[string]string
}

// CommitTree builds a commit object from a tree and explicit parents,
// without moving any ref.
func (p *Plumbing) CommitTree(ctx context.Context, opts CommitTreeOptions) (string, error) {
	args := []string{"commit-tree", opts.Tree}
	for _, parent := range opts.Parents {
		args = append(args, "-p", parent)
	}
	args = append(args, "-m", opts.Message)

	out, err := p.runOutput(ctx, opts.Env, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// UpdateRef performs a compare-and-swap ref update: it fails if ref's
// current value isn't oldSHA. Pass an empty oldSHA to require the ref be
// currently absent (git's zero-oid convention).
func (p *Plumbing) UpdateRef(ctx context.Context, ref, newSHA, oldSHA, message string) error {
	args := []string{"update-ref", "-m", message, ref, newSHA}
	if oldSHA != "" {
		args = append(args, oldSHA)
	} else {
		args = append(args, strings.Repeat("0", 40))
	}
	return p.run(ctx, nil, args...)
}

// DeleteRef removes ref unconditionally. Used by prune for stale and
// already-reconciled shadow refs, and by QuarantineRef once a corrupt ref
// has been renamed out of the live namespace.
func (p *Plumbing) DeleteRef(ctx context.Context, ref string) error {
	return p.run(ctx, nil, "update-ref", "-d", ref)
}

// QuarantineRef renames a corrupt ref out of the live namespace by
// appending ".broken" so it stops being considered by the daemon but is
// still inspectable for forensics. A ref that no longer exists is not an
// error: something else may have already cleaned it up.
func (p *Plumbing) QuarantineRef(ctx context.Context, ref string) error {
	sha, exists, err := p.ResolveRef(ctx, ref)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if err := p.UpdateRef(ctx, ref+".broken", sha, "", "quarantine: corrupt shadow ref"); err != nil {
		return err
	}
	return p.DeleteRef(ctx, ref)
}

// DiffStat is the parsed result of `git diff --shortstat`.
type DiffStat struct {
	FilesChanged int
	Insertions   int
	Deletions    int
}

var shortstatFileRe = regexp.MustCompile(`(\d+) files? changed`)
var shortstatInsRe = regexp.MustCompile(`(\d+) insertions?\(\+\)`)
var shortstatDelRe = regexp.MustCompile(`(\d+) deletions?\(-\)`)

// DiffShortstat parses `git diff --shortstat` between two trees, tolerant of
// omitted clauses (e.g. insertions with no deletions).
func (p *Plumbing) DiffShortstat(ctx context.Context, from, to string) (DiffStat, error) {
	out, err := p.runOutput(ctx, nil, "diff", "--shortstat", from, to)
	if err != nil {
		return DiffStat{}, err
	}
	return parseShortstat(out), nil
}

func parseShortstat(out string) DiffStat {
	var stat DiffStat
	if m := shortstatFileRe.FindStringSubmatch(out); m != nil {
		stat.FilesChanged, _ = strconv.Atoi(m[1])
	}
	if m := shortstatInsRe.FindStringSubmatch(out); m != nil {
		stat.Insertions, _ = strconv.Atoi(m[1])
	}
	if m := shortstatDelRe.FindStringSubmatch(out); m != nil {
		stat.Deletions, _ = strconv.Atoi(m[1])
	}
	return stat
}

// Fetch fetches the given refspec(s) from remoteName, retrying transient
// network failures with a bounded exponential backoff.
func (p *Plumbing) Fetch(ctx context.Context, remoteName string, refspecs ...string) error {
	args := append([]string{"fetch", remoteName}, refspecs...)
	return p.runWithNetworkRetry(ctx, args...)
}

// Push pushes the given refspec(s) to remoteName, retrying transient
// network failures with a bounded exponential backoff.
func (p *Plumbing) Push(ctx context.Context, remoteName string, refspecs ...string) error {
	args := append([]string{"push", remoteName}, refspecs...)
	return p.runWithNetworkRetry(ctx, args...)
}

// runWithNetworkRetry runs a git subprocess that talks to a remote,
// retrying while the failure looks transient (dropped connection, timeout,
// remote hung up) and stopping immediately on anything that looks like a
// permanent rejection (auth failure, non-fast-forward, unknown remote).
func (p *Plumbing) runWithNetworkRetry(ctx context.Context, args ...string) error {
	bo := backoff.WithContext(newNetworkRetryBackoff(), ctx)
	return backoff.Retry(func() error {
		_, err := p.runOutput(ctx, sshBatchModeEnv(), args...)
		if err == nil {
			return nil
		}
		if isRetryableNetworkError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

// isRetryableNetworkError reports whether a fetch/push failure looks like
// a transient network condition rather than a permanent rejection (bad
// credentials, non-fast-forward, unknown ref) that retrying won't fix.
func isRetryableNetworkError(err error) bool {
	var gitErr *errors.GitError
	if !errors.As(err, &gitErr) {
		return false
	}
	stderr := gitErr.Output
	if gitErr.Err != nil {
		stderr += "\n" + gitErr.Err.Error()
	}
	stderr = strings.ToLower(stderr)
	permanentMarkers := []string{
		"permission denied",
		"could not read username",
		"could not read password",
		"authentication failed",
		"non-fast-forward",
		"does not appear to be a git repository",
		"repository not found",
		"rejected",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(stderr, marker) {
			return false
		}
	}
	transientMarkers := []string{
		"could not resolve host",
		"connection timed out",
		"connection reset",
		"connection refused",
		"timed out",
		"early eof",
		"the remote end hung up unexpectedly",
		"unable to access",
		"network is unreachable",
		"temporary failure",
		"ssh_exchange_identification",
	}
	for _, marker := range transientMarkers {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	// Unrecognized failures default to retryable: a bounded number of
	// retries against an unknown condition is cheaper than silently
	// giving up on what might be a flaky remote.
	return true
}

// sshBatchModeEnv disables interactive host-key/credential prompts for
// unattended daemon fetches and pushes, matching the original
// implementation's non-interactive SSH posture.
func sshBatchModeEnv() map[string]string {
	return map[string]string{"GIT_SSH_COMMAND": "ssh -o BatchMode=yes", "GIT_TERMINAL_PROMPT": "0"}
}

// WorkingTreeBusy reports whether gitDir shows signs of an in-progress
// rebase, merge, cherry-pick, or bisect, or a (non-stale) index.lock.
func WorkingTreeBusy(gitDir string, busyMarkers []string, staleLockAge func(path string) bool) bool {
	for _, marker := range busyMarkers {
		p := filepath.Join(gitDir, marker)
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if marker == "index.lock" && staleLockAge != nil && staleLockAge(p) {
			continue
		}
		_ = info
		return true
	}
	return false
}

// CheckoutFile materializes path as it exists in commit into the working
// tree via `git checkout <commit> -- <path>`, which also stages that
// content for path in the real index. HEAD does not move.
func (p *Plumbing) CheckoutFile(ctx context.Context, commit, path string) error {
	return p.run(ctx, nil, "checkout", commit, "--", path)
}

// ReadBlob returns the contents of path as it exists at commit.
func (p *Plumbing) ReadBlob(ctx context.Context, commit, path string) (string, error) {
	return p.runOutput(ctx, nil, "show", commit+":"+path)
}

// ReadTreeUpdateWorkingTree fast-forwards the working tree to match tree,
// via a one-way `read-tree -m -u` merge, leaving the branch ref untouched.
// The real index is updated to tree as well. Used by Reconciler.Sync.
func (p *Plumbing) ReadTreeUpdateWorkingTree(ctx context.Context, tree string) error {
	return p.run(ctx, nil, "read-tree", "-m", "-u", tree)
}

// MergeBase returns the merge base of the given commit-ish list.
func (p *Plumbing) MergeBase(ctx context.Context, commits ...string) (string, error) {
	args := append([]string{"merge-base", "--octopus"}, commits...)
	out, err := p.runOutput(ctx, nil, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// LsTree lists the paths present in a tree (recursively, files only).
func (p *Plumbing) LsTree(ctx context.Context, tree string) ([]string, error) {
	out, err := p.runOutput(ctx, nil, "ls-tree", "-r", "--name-only", tree)
	if err != nil {
		return nil, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// StatusPorcelain returns `git status --porcelain` output for the real
// working tree/index — used only by read-only callers (Reconciler's dirty
// check), never by the snapshot path.
func (p *Plumbing) StatusPorcelain(ctx context.Context) (string, error) {
	return p.runOutput(ctx, nil, "status", "--porcelain")
}

// LsFiles enumerates candidate files for a snapshot: everything `git add
// --all --dry-run` would touch, without mutating any index. Used by
// ShadowEngine to check file sizes before committing to the real add.
func (p *Plumbing) LsFiles(ctx context.Context) ([]string, error) {
	out, err := p.runOutput(ctx, nil, "ls-files", "--cached", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// TreeEntry is one row of `ls-tree`: a path's mode, object type, and sha.
type TreeEntry struct {
	Mode string
	Type string
	SHA  string
	Path string
}

var lsTreeLineRe = regexp.MustCompile(`^(\d+)\s+(\S+)\s+([0-9a-f]+)\t(.+)$`)

// LsTreeEntries lists every blob in tree (recursively) with its mode and
// sha, used by the octopus merge to compare per-path content across
// multiple machine tips without materializing a working tree.
func (p *Plumbing) LsTreeEntries(ctx context.Context, tree string) ([]TreeEntry, error) {
	out, err := p.runOutput(ctx, nil, "ls-tree", "-r", tree)
	if err != nil {
		return nil, err
	}
	var entries []TreeEntry
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		m := lsTreeLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		entries = append(entries, TreeEntry{Mode: m[1], Type: m[2], SHA: m[3], Path: m[4]})
	}
	return entries, nil
}

// DiffNameStatus parses `git diff --name-status from to`, returning each
// changed path with its single-letter status (A/M/D/...).
type ChangedPath struct {
	Status string
	Path   string
}

func (p *Plumbing) DiffNameStatus(ctx context.Context, from, to string) ([]ChangedPath, error) {
	out, err := p.runOutput(ctx, nil, "diff", "--name-status", from, to)
	if err != nil {
		return nil, err
	}
	var changes []ChangedPath
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			continue
		}
		changes = append(changes, ChangedPath{Status: fields[0], Path: fields[1]})
	}
	return changes, nil
}

// DiffPatch writes the full `git diff from [to]` patch text to w, optionally
// scoped to a single path. An empty to diffs from against the working tree,
// which is how Restore shows a user their local edits against a shadow
// snapshot before it overwrites them. Unlike DiffShortstat/DiffNameStatus,
// which parse summary data, this streams the human-readable patch itself.
func (p *Plumbing) DiffPatch(ctx context.Context, from, to, path string, w io.Writer) error {
	args := []string{"diff", from}
	if to != "" {
		args = append(args, to)
	}
	if path != "" {
		args = append(args, "--", path)
	}
	out, err := p.runOutput(ctx, nil, args...)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, out)
	return err
}

// ReadTreeInto populates the isolated index at indexPath with tree's
// contents, without touching the working tree or HEAD. Used as the
// starting point for building a merged tree during finalize.
func (p *Plumbing) ReadTreeInto(ctx context.Context, indexPath, tree string) error {
	env := map[string]string{"GIT_INDEX_FILE": indexPath}
	return p.run(ctx, env, "read-tree", tree)
}

// UpdateIndexCacheinfo stages a single blob at path in the isolated index,
// without reading anything from the working tree — the mode/sha/path
// triple is exactly what `ls-tree` reports for that path in the tip being
// merged in.
func (p *Plumbing) UpdateIndexCacheinfo(ctx context.Context, indexPath, mode, blobSHA, path string) error {
	env := map[string]string{"GIT_INDEX_FILE": indexPath}
	arg := fmt.Sprintf("%s,%s,%s", mode, blobSHA, path)
	return p.run(ctx, env, "update-index", "--add", "--cacheinfo", arg)
}

// RemoveFromIndex removes path from the isolated index, used when a tip
// deleted a path relative to the merge base.
func (p *Plumbing) RemoveFromIndex(ctx context.Context, indexPath, path string) error {
	env := map[string]string{"GIT_INDEX_FILE": indexPath}
	return p.run(ctx, env, "update-index", "--force-remove", "--", path)
}
