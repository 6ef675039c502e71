package reconcile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bashhack/git-pulsar/internal/logger"
)

// Choice is a negotiation response from the Negotiation state machine's
// PROMPT state: overwrite the working tree, show the diff and prompt again,
// or cancel the restore.
type Choice int

const (
	// ChoiceOverwrite accepts the proposed restore.
	ChoiceOverwrite Choice = iota
	// ChoiceViewDiff shows the pending diff and returns to PROMPT.
	ChoiceViewDiff
	// ChoiceCancel aborts the restore with ErrCanceled.
	ChoiceCancel
)

// UserInteractor defines an interface for interacting with the user during
// a restore negotiation or a simple confirmation prompt.
type UserInteractor interface {
	// PromptYesNo asks the user a yes/no question and returns their response
	PromptYesNo(question string) bool

	// PromptChoice presents the overwrite/view-diff/cancel menu used by the
	// restore Negotiation state machine.
	PromptChoice(question string) Choice

	// ShowDiff renders a patch to the user, in response to ChoiceViewDiff.
	ShowDiff(diff string)
}

// DefaultInteractor is the standard implementation of UserInteractor
// that reads from stdin and writes to stdout
type DefaultInteractor struct {
	Reader io.Reader
	Writer io.Writer
	Logger logger.Logger
}

// NewDefaultInteractor creates a new DefaultInteractor
func NewDefaultInteractor(logger logger.Logger) *DefaultInteractor {
	return &DefaultInteractor{
		Reader: os.Stdin,
		Writer: os.Stdout,
		Logger: logger,
	}
}

// PromptYesNo asks the user a yes/no question and returns their response
func (i *DefaultInteractor) PromptYesNo(question string) bool {
	i.Logger.StatusMessage("%s (y/n): ", question)

	reader := bufio.NewReader(i.Reader)
	answer, err := reader.ReadString('\n')
	if err != nil {
		// On error, default to 'no'
		return false
	}

	answer = strings.TrimSpace(answer)
	return strings.HasPrefix(strings.ToLower(answer), "y")
}

// PromptChoice presents an overwrite/view-diff/cancel menu on the configured
// Writer and reads a single-letter response: o, v, or anything else for c.
func (i *DefaultInteractor) PromptChoice(question string) Choice {
	i.Logger.StatusMessage("%s [o]verwrite / [v]iew diff / [c]ancel: ", question)

	reader := bufio.NewReader(i.Reader)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return ChoiceCancel
	}

	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "o", "overwrite":
		return ChoiceOverwrite
	case "v", "view", "diff":
		return ChoiceViewDiff
	default:
		return ChoiceCancel
	}
}

// ShowDiff writes diff to the configured Writer verbatim.
func (i *DefaultInteractor) ShowDiff(diff string) {
	if strings.TrimSpace(diff) == "" {
		i.Logger.StatusMessage("(no differences)\n")
		return
	}
	fmt.Fprint(i.Writer, diff)
}

// NonInteractiveInteractor always returns the safe default without
// prompting: no to yes/no questions, cancel to the restore menu. Used by
// the daemon, which never has a terminal to prompt on.
type NonInteractiveInteractor struct{}

// NewNonInteractiveInteractor creates a new NonInteractiveInteractor
func NewNonInteractiveInteractor() *NonInteractiveInteractor {
	return &NonInteractiveInteractor{}
}

// PromptYesNo always returns false without prompting
func (i *NonInteractiveInteractor) PromptYesNo(question string) bool {
	return false
}

// PromptChoice always cancels without prompting.
func (i *NonInteractiveInteractor) PromptChoice(question string) Choice {
	return ChoiceCancel
}

// ShowDiff is a no-op: a non-interactive session has nowhere to display it.
func (i *NonInteractiveInteractor) ShowDiff(diff string) {}
