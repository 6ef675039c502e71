package reconcile

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/bashhack/git-pulsar/internal/errors"
)

// reconciledFileName holds the set of shadow refs finalize has already
// folded into the user branch, keyed by ref name, so prune can collect
// them without re-deriving reconciliation from scratch.
const reconciledFileName = "pulsar_reconciled"

type reconciledDocument struct {
	// UpTo maps a shadow ref to the merged commit sha it was folded into.
	UpTo map[string]string `json:"up_to"`
}

// markReconciled records that refs were folded into mergedCommit.
func markReconciled(gitDir string, refs []string, mergedCommit string) error {
	path := filepath.Join(gitDir, reconciledFileName)

	doc, err := readReconciled(gitDir)
	if err != nil {
		return err
	}
	if doc.UpTo == nil {
		doc.UpTo = map[string]string{}
	}
	for _, ref := range refs {
		doc.UpTo[ref] = mergedCommit
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling reconciled marker")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	return os.Rename(tmp, path)
}

// readReconciled returns the current reconciled-marker document, or an
// empty one if the file doesn't exist yet.
func readReconciled(gitDir string) (reconciledDocument, error) {
	path := filepath.Join(gitDir, reconciledFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return reconciledDocument{}, nil
		}
		return reconciledDocument{}, errors.Wrapf(err, "reading %s", path)
	}
	var doc reconciledDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return reconciledDocument{}, errors.Wrapf(err, "parsing %s", path)
	}
	return doc, nil
}

// IsReconciled reports whether ref has been folded into a finalize commit.
func IsReconciled(gitDir, ref string) (bool, error) {
	doc, err := readReconciled(gitDir)
	if err != nil {
		return false, err
	}
	_, ok := doc.UpTo[ref]
	return ok, nil
}
