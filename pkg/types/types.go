package types

import (
	"time"
)

// Platform identifies the build target.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// ValidPlatform reports whether p is a supported build platform.
func ValidPlatform(p Platform) bool {
	return p == PlatformIOS || p == PlatformAndroid
}

// BuildStatus represents the lifecycle state of a build
type BuildStatus string

const (
	BuildPending   BuildStatus = "pending"
	BuildAssigned  BuildStatus = "assigned"
	BuildBuilding  BuildStatus = "building"
	BuildCompleted BuildStatus = "completed"
	BuildFailed    BuildStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s BuildStatus) IsTerminal() bool {
	return s == BuildCompleted || s == BuildFailed
}

// IsActive reports whether a worker currently holds the build.
func (s BuildStatus) IsActive() bool {
	return s == BuildAssigned || s == BuildBuilding
}

// WorkerStatus represents the availability of a worker
type WorkerStatus string

const (
	WorkerIdle     WorkerStatus = "idle"
	WorkerBuilding WorkerStatus = "building"
	WorkerOffline  WorkerStatus = "offline"
)

// LogLevel classifies a build log entry
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// ValidLogLevel reports whether l is an accepted log level.
func ValidLogLevel(l LogLevel) bool {
	return l == LogInfo || l == LogWarn || l == LogError
}

// Build is a single submitted unit of work: a source archive, optional
// signing material, and a target platform. The catalog is the only writer.
type Build struct {
	ID       string      `json:"id"`
	Platform Platform    `json:"platform"`
	Status   BuildStatus `json:"status"`

	// Sequence is assigned at creation and orders the pending queue.
	// A requeued build keeps its original sequence so it re-enters the
	// queue at its submission position.
	Sequence uint64 `json:"sequence"`

	WorkerID string `json:"worker_id,omitempty"`

	SubmittedAt     time.Time  `json:"submitted_at"`
	AssignedAt      *time.Time `json:"assigned_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`

	// SourceRef and CertsRef are opaque object store handles, immutable
	// after creation. CertsRef is empty when no signing material was
	// uploaded. ResultRef is set iff Status is completed.
	SourceRef string `json:"source_ref"`
	CertsRef  string `json:"certs_ref,omitempty"`
	ResultRef string `json:"result_ref,omitempty"`

	// ErrorMessage is set iff Status is failed.
	ErrorMessage string `json:"error_message,omitempty"`

	// SealedAccessToken is the AES-GCM ciphertext of the owner token.
	// The plaintext is returned exactly once, at submission.
	SealedAccessToken string `json:"sealed_access_token,omitempty"`
}

// Clone returns a deep copy. BoltDB values are only valid inside their
// transaction, so the catalog hands out copies.
func (b *Build) Clone() *Build {
	if b == nil {
		return nil
	}
	clone := *b
	clone.AssignedAt = cloneTime(b.AssignedAt)
	clone.StartedAt = cloneTime(b.StartedAt)
	clone.LastHeartbeatAt = cloneTime(b.LastHeartbeatAt)
	clone.CompletedAt = cloneTime(b.CompletedAt)
	return &clone
}

// HeartbeatReference returns the instant the liveness monitor measures
// heartbeat age against: the last heartbeat, or the assignment time if
// the worker has not reported yet.
func (b *Build) HeartbeatReference() time.Time {
	if b.LastHeartbeatAt != nil {
		return *b.LastHeartbeatAt
	}
	if b.AssignedAt != nil {
		return *b.AssignedAt
	}
	return b.SubmittedAt
}

// Worker is an external process that claims builds, executes them in an
// isolated environment, and returns results. Workers authenticate with a
// short-lived rotating access token.
type Worker struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
	Status       WorkerStatus      `json:"status"`

	BuildsCompleted int `json:"builds_completed"`
	BuildsFailed    int `json:"builds_failed"`

	LastSeenAt time.Time  `json:"last_seen_at"`
	LastPollAt *time.Time `json:"last_poll_at,omitempty"`

	// SealedAccessToken holds the AES-GCM ciphertext of the current
	// rotating token; the plaintext travels only in responses.
	SealedAccessToken    string    `json:"sealed_access_token,omitempty"`
	AccessTokenExpiresAt time.Time `json:"access_token_expires_at"`

	// ActiveBuildID is the back-edge of the build→worker reference, kept
	// as a lookup key rather than a pointer. Non-empty iff the worker
	// holds a build in {assigned, building}.
	ActiveBuildID string `json:"active_build_id,omitempty"`
}

// Clone returns a deep copy of the worker.
func (w *Worker) Clone() *Worker {
	if w == nil {
		return nil
	}
	clone := *w
	if w.Capabilities != nil {
		clone.Capabilities = make(map[string]string, len(w.Capabilities))
		for k, v := range w.Capabilities {
			clone.Capabilities[k] = v
		}
	}
	clone.LastPollAt = cloneTime(w.LastPollAt)
	return &clone
}

// TokenValid reports whether the worker token is unexpired at now.
func (w *Worker) TokenValid(now time.Time) bool {
	return w.AccessTokenExpiresAt.After(now)
}

// BuildLogEntry is an append-only log line attached to a build. Entries
// are produced by workers and by the controller itself; there is no
// update or delete.
type BuildLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// CpuSnapshot is a best-effort telemetry sample attached to a build.
// CPUPercent is 0-1000 (multi-core). Out-of-range samples are dropped
// on ingress rather than rejected.
type CpuSnapshot struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
}

// ValidCpuSnapshot reports whether the sample is in range.
func ValidCpuSnapshot(s CpuSnapshot) bool {
	return s.CPUPercent >= 0 && s.CPUPercent <= 1000 && s.MemoryMB >= 0
}

// BuildFilter selects builds in List operations. The zero value matches
// every build.
type BuildFilter struct {
	Statuses []BuildStatus
	WorkerID string
}

// Matches reports whether b satisfies the filter.
func (f BuildFilter) Matches(b *Build) bool {
	if f.WorkerID != "" && b.WorkerID != f.WorkerID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if b.Status == s {
			return true
		}
	}
	return false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}
