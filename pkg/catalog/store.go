package catalog

import (
	"time"

	"github.com/foundrymesh/foundry/pkg/journal"
	"github.com/foundrymesh/foundry/pkg/types"
)

// Store is the transactional catalog of builds, workers, logs, and
// telemetry. It is the single owner of persistent state: every other
// component reads through it or holds copies it produced. All
// lifecycle transitions happen inside one write transaction together
// with their journal entry, so a crash commits a transition with its
// audit record or neither.
type Store interface {
	// Builds. The submit path names artifacts after the build ID, so the
	// caller mints the ID (NewBuildID) before storing anything.
	CreateBuild(id string, platform types.Platform, sourceRef, certsRef string) (*types.Build, string, error)
	RetryBuild(originalID string) (*types.Build, string, error)
	GetBuild(id string) (*types.Build, error)
	ListBuilds(filter types.BuildFilter) ([]*types.Build, error)
	ListPendingOrdered() ([]*types.Build, error)
	ListActiveBuilds() ([]*types.Build, error)
	CountBuilds() (map[types.BuildStatus]int, error)

	// Lifecycle transitions
	ClaimNextPending(workerID string, now time.Time) (*types.Build, error)
	RecordHeartbeat(id, workerID string, now time.Time) (*types.Build, error)
	CompleteBuild(id, workerID, resultRef string) (*types.Build, error)
	FailBuild(id, workerID, reason string) (*types.Build, error)
	CancelBuild(id string) (*types.Build, error)
	RequeueBuild(id, reason string) (*types.Build, error)
	ResetOrphanedAssignments(reason string) ([]*types.Build, error)

	// Logs and telemetry
	AppendLogs(id string, entries []types.BuildLogEntry) error
	GetLogs(id string) ([]types.BuildLogEntry, error)
	AppendSnapshots(id string, samples []types.CpuSnapshot) (int, error)
	GetSnapshots(id string) ([]types.CpuSnapshot, error)

	// Workers
	RegisterWorker(id, name string, capabilities map[string]string) (*types.Worker, string, bool, error)
	GetWorker(id string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	RotateWorkerToken(id string, now time.Time) (*types.Worker, string, error)
	MarkWorkerOffline(id string) error
	TouchWorkerPoll(id string, now time.Time) error

	// Journal
	JournalEntries(fromSeq uint64, limit int) ([]*journal.Entry, error)
	VerifyJournal() (*journal.Report, error)

	Close() error
}
