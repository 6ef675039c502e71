// Package constants centralizes the fixed values that define git-pulsar's
// on-disk and ref-namespace contract: the shadow ref namespace, the state
// file names inside a repo's gitdir, the XDG-relative file names for the
// registry and config cascade, and the busy/ignore pattern lists.
package constants