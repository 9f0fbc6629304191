// Package constants centralizes default values, environment variable names
// and other process-wide settings shared across Cage's components.
package constants

import "time"

// EnvVar is the name of a recognized environment variable (spec.md §6).
type EnvVar string

// String returns the environment variable name.
func (e EnvVar) String() string { return string(e) }

const (
	// EnvRepoPath is the absolute path of the git working tree Cage manages.
	EnvRepoPath EnvVar = "REPO_PATH"
	// EnvPodToken is the bearer token the MCP gateway requires on every request.
	EnvPodToken EnvVar = "POD_TOKEN"
	// EnvLockDefaultTTLSeconds overrides DefaultLockTTL.
	EnvLockDefaultTTLSeconds EnvVar = "LOCK_DEFAULT_TTL_S"
	// EnvRunMaxConcurrent overrides DefaultRunMaxConcurrent.
	EnvRunMaxConcurrent EnvVar = "RUN_MAX_CONCURRENT"
	// EnvRunDefaultTimeoutSeconds overrides DefaultRunTimeout.
	EnvRunDefaultTimeoutSeconds EnvVar = "RUN_DEFAULT_TIMEOUT_S"
	// EnvRetryMax overrides DefaultRetryMax.
	EnvRetryMax EnvVar = "RETRY_MAX"
	// EnvRetryBaseMS overrides DefaultRetryBase.
	EnvRetryBaseMS EnvVar = "RETRY_BASE_MS"
	// EnvRetryCapMS overrides DefaultRetryCap.
	EnvRetryCapMS EnvVar = "RETRY_CAP_MS"
)

// Default values per spec.md §4.2, §4.7 and §6.
const (
	// DefaultLockTTL is the lock lease duration when a caller does not specify one.
	DefaultLockTTL = 300 * time.Second
	// LockReleaseGracePeriod is how long a released lock id stays recognized
	// (idempotent release) before the Lock Manager forgets it entirely.
	LockReleaseGracePeriod = 30 * time.Second
	// DefaultRunMaxConcurrent caps how many crew runs execute at once; excess
	// crew_run requests remain queued.
	DefaultRunMaxConcurrent = 16
	// DefaultRunTimeout is the wall-clock budget for a single crew run.
	DefaultRunTimeout = 1200 * time.Second
	// DefaultRetryMax is the implementer phase's retry budget on lock/preimage failures.
	DefaultRetryMax = 3
	// DefaultRetryBase is the base backoff delay for implementer retries.
	DefaultRetryBase = 200 * time.Millisecond
	// DefaultRetryCap bounds exponential backoff growth for implementer retries.
	DefaultRetryCap = 2 * time.Second
	// RecentlyCompletedWindow is how long a "done" task stays in the status
	// index's recently_completed bucket.
	RecentlyCompletedWindow = 30 * 24 * time.Hour
)

// Directory and file names under the repository's .cage control directory.
const (
	ControlDir     = ".cage"
	TasksDir       = "tasks"
	RunsDir        = "runs"
	StatusIndexFile = "_status.json"
	RunStatusFile   = "status.json"
	RunPlanFile     = "plan.json"
	RunLogsFile     = "logs.jsonl"
	RunArtefactsDir = "artefacts"
	CrewConfigFile  = "crew.yaml"
)

// CLICommandPrefix is the prefix used in user-facing help text to refer to the CLI binary.
const CLICommandPrefix = "cage"
