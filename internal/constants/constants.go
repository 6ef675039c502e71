package constants

// AppName is used for the config directory name, log file names, and the
// XDG state/config subdirectory: ${XDG_STATE_HOME}/git-pulsar, etc.
const AppName = "git-pulsar"

// BackupNamespace is the ref-path segment under which every shadow branch
// lives: refs/heads/wip/pulsar/<machine-id>/<branch>.
const BackupNamespace = "wip/pulsar"

// IndexFileName is the isolated index file git-pulsar builds shadow trees
// against; GIT_INDEX_FILE is always pointed here for writes, never at the
// user's real .git/index.
const IndexFileName = "pulsar_index"

// DriftStateFileName is the per-repo, atomically-rewritten drift cache.
const DriftStateFileName = "pulsar_drift_state"

// LockFileName is the per-repo advisory lock file (zero-length).
const LockFileName = "pulsar.lock"

// RegistryFileName is the single cross-repo JSON registry file.
const RegistryFileName = "registry.json"

// DaemonLogFileName is the daemon's structured log file, relative to the
// XDG state directory.
const DaemonLogFileName = "daemon.log"

// CachedMachineIDFileName caches the resolved machine id so repeated process
// starts don't re-run the OS probes in §3's resolution order.
const CachedMachineIDFileName = "machine_id"

// GlobalConfigFileName is the global config layer, relative to the XDG
// config directory.
const GlobalConfigFileName = "config.toml"

// RepoConfigFileName is the repo-local config layer.
const RepoConfigFileName = "pulsar.toml"

// ProjectMetadataFileName is the repo-local project-metadata file whose
// [tool.git-pulsar] table is the final cascade layer.
const ProjectMetadataFileName = "pyproject.toml"

// ProjectMetadataSection is the dotted table path read from
// ProjectMetadataFileName.
const ProjectMetadataSection = "tool.git-pulsar"

// DefaultIgnorePatterns are extra gitignore-style patterns always excluded
// from shadow snapshots, regardless of the cascaded files.ignore list —
// primarily git-pulsar's own transient state files so a cycle never shadows
// itself.
var DefaultIgnorePatterns = []string{
	"pulsar_index",
	"pulsar_drift_state",
	"pulsar.lock",
}

// BusyMarkers are paths under .git whose presence marks the working tree
// busy; a snapshot cycle must skip rather than race an in-progress rebase,
// merge, or cherry-pick. The first four come directly from the spec; the
// rest are additive markers the original Python implementation also checks.
var BusyMarkers = []string{
	"rebase-merge",
	"rebase-apply",
	"MERGE_HEAD",
	"index.lock",
	"REBASE_HEAD",
	"CHERRY_PICK_HEAD",
	"BISECT_LOG",
}

// PushRefspecTemplate is the refspec used when pushing a machine's shadow
// namespace; %s is the machine id. Force-push is scoped to the machine's own
// segment and never crosses machine boundaries.
const PushRefspecTemplate = "+refs/heads/" + BackupNamespace + "/%s/*:refs/heads/" + BackupNamespace + "/%s/*"

// FetchRefspec mirrors the entire pulsar namespace on fetch so DriftDetector
// can see every machine's tips, not just the local one.
const FetchRefspec = "refs/heads/" + BackupNamespace + "/*:refs/heads/" + BackupNamespace + "/*"
