// Package config implements git-pulsar's layered configuration cascade.
//
// Values are merged, in increasing priority, from: built-in defaults, the
// global file (${XDG_CONFIG_HOME}/git-pulsar/config.toml), the repo-local
// file (pulsar.toml at the repo root), and finally the repo's
// [tool.git-pulsar] table in pyproject.toml if present. Scalars from a
// later layer override earlier ones outright; the files.ignore list is
// concatenated across every layer that sets it and deduplicated.
//
// Unlike the original Python implementation, an unrecognized key at any
// layer is a hard error rather than a warning — a typo'd key silently
// falling back to its default is exactly the kind of surprise this tool
// exists to prevent.
package config
