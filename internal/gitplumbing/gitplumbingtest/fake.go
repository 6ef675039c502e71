// Package gitplumbingtest provides a scriptable fake of
// gitplumbing.CommandExecutor for tests in other packages that need a
// Plumbing without a real git repository.
package gitplumbingtest

import (
	"os/exec"
	"strings"

	"github.com/bashhack/git-pulsar/internal/errors"
)

// FakeExecutor intercepts commands by matching a substring against the
// joined argv, letting tests script git's responses. Rules are checked in
// the order they were added; the first match wins. An unmatched command
// returns empty output and no error.
type FakeExecutor struct {
	rules []fakeRule
	Calls [][]string
}

type fakeRule struct {
	match  string
	output string
	err    error
}

// On registers a rule: any command whose argv contains match returns output.
func (f *FakeExecutor) On(match, output string) *FakeExecutor {
	f.rules = append(f.rules, fakeRule{match: match, output: output})
	return f
}

// OnError registers a rule that fails any command whose argv contains match.
func (f *FakeExecutor) OnError(match string, err error) *FakeExecutor {
	f.rules = append(f.rules, fakeRule{match: match, err: err})
	return f
}

func (f *FakeExecutor) find(cmd *exec.Cmd) (fakeRule, bool) {
	joined := strings.Join(cmd.Args, " ")
	f.Calls = append(f.Calls, append([]string{}, cmd.Args...))
	for _, r := range f.rules {
		if strings.Contains(joined, r.match) {
			return r, true
		}
	}
	return fakeRule{}, false
}

// Execute implements gitplumbing.CommandExecutor.
func (f *FakeExecutor) Execute(cmd *exec.Cmd) error {
	r, ok := f.find(cmd)
	if !ok {
		return nil
	}
	if r.err != nil {
		return errors.NewGitError("git", cmd.Args, r.err, "")
	}
	return nil
}

// ExecuteWithOutput implements gitplumbing.CommandExecutor.
func (f *FakeExecutor) ExecuteWithOutput(cmd *exec.Cmd) (string, error) {
	r, ok := f.find(cmd)
	if !ok {
		return "", nil
	}
	if r.err != nil {
		return "", errors.NewGitError("git", cmd.Args, r.err, "")
	}
	return r.output, nil
}
