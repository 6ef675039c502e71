// Package registry persists the set of repositories git-pulsar tracks, as
// a single JSON file at ${XDG_STATE_HOME}/git-pulsar/registry.json. Every
// mutation follows the same discipline: read, compute the new value, write
// to a ".tmp" sibling, then rename over the target — so a reader never
// observes a partially-written file.
package registry
