package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/foundrymesh/foundry/pkg/auth"
	"github.com/foundrymesh/foundry/pkg/events"
	"github.com/foundrymesh/foundry/pkg/journal"
	"github.com/foundrymesh/foundry/pkg/log"
	"github.com/foundrymesh/foundry/pkg/types"
)

// Bucket names. Exported so offline tools can open the database file
// and inspect the same buckets the controller writes.
var (
	BucketBuilds    = []byte("builds")
	BucketWorkers   = []byte("workers")
	BucketPending   = []byte("pending")
	BucketLogs      = []byte("logs")
	BucketTelemetry = []byte("telemetry")
)

// User-facing state messages. The heartbeat contract distinguishes a
// cancelled build from one that finished on its own, so workers know
// whether to tear down or just stop reporting.
const (
	MsgCancelledByUser = "Build cancelled by user"
	MsgCancelled       = "Build cancelled"
	MsgAlreadyFinished = "Build already finished"
)

const defaultTokenTTL = 90 * time.Second

// Options configures a BoltStore.
type Options struct {
	// Path is the BoltDB database file. Parent directory must exist.
	Path string
	// Sealer encrypts access tokens before they are persisted.
	Sealer *auth.Sealer
	// Broker receives lifecycle events after each transaction commits.
	// May be nil.
	Broker *events.Broker
	// TokenTTL is the worker access token lifetime.
	TokenTTL time.Duration
}

// BoltStore implements Store on a single BoltDB file. BoltDB admits one
// writer at a time, which is exactly the serialization the claim path
// needs: two workers polling concurrently execute their claim
// transactions one after the other and cannot assign the same build.
type BoltStore struct {
	db       *bolt.DB
	sealer   *auth.Sealer
	broker   *events.Broker
	tokenTTL time.Duration
	logger   zerolog.Logger

	// now is swapped in tests for operations that do not take an
	// explicit timestamp.
	now func() time.Time
}

// NewBoltStore opens (or creates) the database file and ensures all
// buckets exist.
func NewBoltStore(opts Options) (*BoltStore, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if opts.Sealer == nil {
		return nil, fmt.Errorf("sealer is required")
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = defaultTokenTTL
	}

	db, err := bolt.Open(opts.Path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			BucketBuilds,
			BucketWorkers,
			BucketPending,
			BucketLogs,
			BucketTelemetry,
			journal.BucketName,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{
		db:       db,
		sealer:   opts.Sealer,
		broker:   opts.Broker,
		tokenTTL: opts.TokenTTL,
		logger:   log.WithComponent("catalog"),
		now:      time.Now,
	}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// NewBuildID mints a build identifier. Exposed so the submit path can
// name stored artifacts after the build before creating its record.
func NewBuildID() string {
	return cuid2.Generate()
}

// CreateBuild persists a new pending build and enqueues it. It returns
// the build and the plaintext owner token; the token is never
// recoverable again, only verifiable.
func (s *BoltStore) CreateBuild(id string, platform types.Platform, sourceRef, certsRef string) (*types.Build, string, error) {
	if id == "" {
		return nil, "", types.NewValidation("build id required", "")
	}
	if !types.ValidPlatform(platform) {
		return nil, "", types.NewValidation("invalid platform", fmt.Sprintf("platform must be ios or android, got %q", platform))
	}
	if sourceRef == "" {
		return nil, "", types.NewValidation("source archive required", "")
	}

	token, err := auth.GenerateToken()
	if err != nil {
		return nil, "", types.NewInternal(err.Error())
	}
	sealed, err := s.sealer.Seal(token)
	if err != nil {
		return nil, "", types.NewInternal(err.Error())
	}

	var build *types.Build
	var evs []*events.Event
	err = s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getBuild(tx, id); err == nil {
			return types.NewStateConflict(fmt.Sprintf("build %s already exists", id))
		} else if !types.IsKind(err, types.KindNotFound) {
			return err
		}

		seq, err := tx.Bucket(BucketBuilds).NextSequence()
		if err != nil {
			return types.NewInternal(fmt.Sprintf("failed to allocate sequence: %v", err))
		}

		now := s.now().UTC()
		build = &types.Build{
			ID:                id,
			Platform:          platform,
			Status:            types.BuildPending,
			Sequence:          seq,
			SubmittedAt:       now,
			SourceRef:         sourceRef,
			CertsRef:          certsRef,
			SealedAccessToken: sealed,
		}
		if err := putBuild(tx, build); err != nil {
			return err
		}
		if err := tx.Bucket(BucketPending).Put(seqKey(seq), []byte(build.ID)); err != nil {
			return types.NewInternal(fmt.Sprintf("failed to enqueue build: %v", err))
		}
		if err := appendBuildLogTx(tx, build.ID, types.BuildLogEntry{Timestamp: now, Level: types.LogInfo, Message: "Build submitted"}); err != nil {
			return err
		}
		if _, err := journal.Append(tx, string(events.EventBuildSubmitted), build.ID, "", "Build submitted"); err != nil {
			return err
		}
		evs = append(evs, events.New(events.EventBuildSubmitted, build.ID, "", "Build submitted"))
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	s.publish(evs)
	s.logger.Info().
		Str("build_id", build.ID).
		Str("platform", string(platform)).
		Uint64("sequence", build.Sequence).
		Msg("build submitted")
	return build, token, nil
}

// RetryBuild creates a fresh pending build that reuses the source and
// certs archives of an earlier build. The new build gets its own ID,
// sequence, and owner token.
func (s *BoltStore) RetryBuild(originalID string) (*types.Build, string, error) {
	token, err := auth.GenerateToken()
	if err != nil {
		return nil, "", types.NewInternal(err.Error())
	}
	sealed, err := s.sealer.Seal(token)
	if err != nil {
		return nil, "", types.NewInternal(err.Error())
	}

	var build *types.Build
	var evs []*events.Event
	err = s.db.Update(func(tx *bolt.Tx) error {
		original, err := getBuild(tx, originalID)
		if err != nil {
			return err
		}

		seq, err := tx.Bucket(BucketBuilds).NextSequence()
		if err != nil {
			return types.NewInternal(fmt.Sprintf("failed to allocate sequence: %v", err))
		}

		now := s.now().UTC()
		build = &types.Build{
			ID:                NewBuildID(),
			Platform:          original.Platform,
			Status:            types.BuildPending,
			Sequence:          seq,
			SubmittedAt:       now,
			SourceRef:         original.SourceRef,
			CertsRef:          original.CertsRef,
			SealedAccessToken: sealed,
		}
		if err := putBuild(tx, build); err != nil {
			return err
		}
		if err := tx.Bucket(BucketPending).Put(seqKey(seq), []byte(build.ID)); err != nil {
			return types.NewInternal(fmt.Sprintf("failed to enqueue build: %v", err))
		}
		msg := fmt.Sprintf("Build resubmitted from build %s", originalID)
		if err := appendBuildLogTx(tx, build.ID, types.BuildLogEntry{Timestamp: now, Level: types.LogInfo, Message: msg}); err != nil {
			return err
		}
		if _, err := journal.Append(tx, string(events.EventBuildSubmitted), build.ID, "", msg); err != nil {
			return err
		}
		evs = append(evs, events.New(events.EventBuildSubmitted, build.ID, "", msg))
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	s.publish(evs)
	s.logger.Info().
		Str("build_id", build.ID).
		Str("original_build_id", originalID).
		Msg("build resubmitted")
	return build, token, nil
}

// GetBuild returns the build with the given ID.
func (s *BoltStore) GetBuild(id string) (*types.Build, error) {
	var build *types.Build
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		build, err = getBuild(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return build, nil
}

// ListBuilds returns builds matching the filter, ordered by submission
// sequence.
func (s *BoltStore) ListBuilds(filter types.BuildFilter) ([]*types.Build, error) {
	builds := []*types.Build{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(BucketBuilds).ForEach(func(k, v []byte) error {
			var b types.Build
			if err := json.Unmarshal(v, &b); err != nil {
				return types.NewInternal(fmt.Sprintf("failed to decode build %s: %v", k, err))
			}
			if filter.Matches(&b) {
				builds = append(builds, &b)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(builds, func(i, j int) bool { return builds[i].Sequence < builds[j].Sequence })
	return builds, nil
}

// ListPendingOrdered returns pending builds in queue order.
func (s *BoltStore) ListPendingOrdered() ([]*types.Build, error) {
	builds := []*types.Build{}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(BucketPending).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			build, err := getBuild(tx, string(v))
			if err != nil || build.Status != types.BuildPending {
				continue
			}
			builds = append(builds, build)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return builds, nil
}

// ListActiveBuilds returns builds currently held by a worker.
func (s *BoltStore) ListActiveBuilds() ([]*types.Build, error) {
	return s.ListBuilds(types.BuildFilter{Statuses: []types.BuildStatus{types.BuildAssigned, types.BuildBuilding}})
}

// CountBuilds returns the number of builds per status.
func (s *BoltStore) CountBuilds() (map[types.BuildStatus]int, error) {
	counts := map[types.BuildStatus]int{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(BucketBuilds).ForEach(func(k, v []byte) error {
			var b types.Build
			if err := json.Unmarshal(v, &b); err != nil {
				return types.NewInternal(fmt.Sprintf("failed to decode build %s: %v", k, err))
			}
			counts[b.Status]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// ClaimNextPending hands the oldest pending build to the given worker
// and transitions it to assigned. A worker that still holds an active
// build gets that build back instead of a second one. Returns
// (nil, nil) when the queue is empty.
//
// The scan, the status change, the queue removal, and the journal
// entry share one write transaction, so a build is claimed by at most
// one worker no matter how many poll at once.
func (s *BoltStore) ClaimNextPending(workerID string, now time.Time) (*types.Build, error) {
	var claimed *types.Build
	var repoll bool
	var evs []*events.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		worker, err := getWorker(tx, workerID)
		if err != nil {
			return err
		}

		if worker.ActiveBuildID != "" {
			build, err := getBuild(tx, worker.ActiveBuildID)
			if err == nil && build.WorkerID == workerID && build.Status.IsActive() {
				claimed = build
				repoll = true
				return nil
			}
			// The build moved on without the worker noticing
			// (cancelled or requeued). Clear the stale back-edge
			// and let the worker claim fresh work.
			worker.ActiveBuildID = ""
			if worker.Status == types.WorkerBuilding {
				worker.Status = types.WorkerIdle
			}
		}

		ts := now.UTC()
		pending := tx.Bucket(BucketPending)
		c := pending.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			build, err := getBuild(tx, string(v))
			if err != nil || build.Status != types.BuildPending {
				// Stale index entry, drop it and keep scanning.
				if derr := c.Delete(); derr != nil {
					return types.NewInternal(fmt.Sprintf("failed to prune queue: %v", derr))
				}
				continue
			}

			build.Status = types.BuildAssigned
			build.WorkerID = workerID
			build.AssignedAt = &ts
			if err := putBuild(tx, build); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return types.NewInternal(fmt.Sprintf("failed to dequeue build: %v", err))
			}

			msg := fmt.Sprintf("Assigned to worker %s", worker.Name)
			if err := appendBuildLogTx(tx, build.ID, types.BuildLogEntry{Timestamp: ts, Level: types.LogInfo, Message: msg}); err != nil {
				return err
			}
			if _, err := journal.Append(tx, string(events.EventBuildAssigned), build.ID, workerID, msg); err != nil {
				return err
			}
			evs = append(evs, events.New(events.EventBuildAssigned, build.ID, workerID, msg))

			worker.Status = types.WorkerBuilding
			worker.ActiveBuildID = build.ID
			worker.LastSeenAt = ts
			claimed = build
			break
		}

		return putWorker(tx, worker)
	})
	if err != nil {
		return nil, err
	}

	s.publish(evs)
	if claimed != nil && !repoll {
		s.logger.Info().
			Str("build_id", claimed.ID).
			Str("worker_id", workerID).
			Msg("build assigned")
	}
	return claimed, nil
}

// RecordHeartbeat refreshes the liveness clock of an active build. The
// first heartbeat after assignment transitions the build to building.
// A heartbeat for a cancelled build returns a state conflict so the
// worker tears the job down.
func (s *BoltStore) RecordHeartbeat(id, workerID string, now time.Time) (*types.Build, error) {
	var build *types.Build
	var started bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		build, err = getBuild(tx, id)
		if err != nil {
			return err
		}
		if build.WorkerID != workerID {
			return types.NewForbidden("build is assigned to a different worker")
		}
		if build.Status.IsTerminal() {
			if build.ErrorMessage == MsgCancelledByUser {
				return types.NewStateConflict(MsgCancelled)
			}
			return types.NewStateConflict(MsgAlreadyFinished)
		}

		ts := now.UTC()
		if build.Status == types.BuildAssigned {
			build.Status = types.BuildBuilding
			build.StartedAt = &ts
			started = true
			if err := appendBuildLogTx(tx, build.ID, types.BuildLogEntry{Timestamp: ts, Level: types.LogInfo, Message: "Build started"}); err != nil {
				return err
			}
		}
		build.LastHeartbeatAt = &ts
		if err := putBuild(tx, build); err != nil {
			return err
		}

		worker, err := getWorker(tx, workerID)
		if err != nil {
			return err
		}
		worker.LastSeenAt = ts
		return putWorker(tx, worker)
	})
	if err != nil {
		return nil, err
	}

	if started {
		s.logger.Debug().
			Str("build_id", id).
			Str("worker_id", workerID).
			Msg("build started")
	}
	return build, nil
}

// CompleteBuild transitions an active build to completed and records
// the result archive reference.
func (s *BoltStore) CompleteBuild(id, workerID, resultRef string) (*types.Build, error) {
	if resultRef == "" {
		return nil, types.NewValidation("result archive required", "")
	}

	var build *types.Build
	var evs []*events.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		build, err = getBuild(tx, id)
		if err != nil {
			return err
		}
		if build.WorkerID != workerID {
			return types.NewForbidden("build is assigned to a different worker")
		}
		if build.Status.IsTerminal() {
			if build.ErrorMessage == MsgCancelledByUser {
				return types.NewStateConflict(MsgCancelled)
			}
			return types.NewStateConflict(MsgAlreadyFinished)
		}

		ts := s.now().UTC()
		build.Status = types.BuildCompleted
		build.ResultRef = resultRef
		build.CompletedAt = &ts
		if err := putBuild(tx, build); err != nil {
			return err
		}

		worker, err := getWorker(tx, workerID)
		if err == nil {
			worker.BuildsCompleted++
			worker.Status = types.WorkerIdle
			worker.ActiveBuildID = ""
			worker.LastSeenAt = ts
			if err := putWorker(tx, worker); err != nil {
				return err
			}
		}

		if err := appendBuildLogTx(tx, build.ID, types.BuildLogEntry{Timestamp: ts, Level: types.LogInfo, Message: "Build completed"}); err != nil {
			return err
		}
		if _, err := journal.Append(tx, string(events.EventBuildCompleted), build.ID, workerID, "Build completed"); err != nil {
			return err
		}
		evs = append(evs, events.New(events.EventBuildCompleted, build.ID, workerID, "Build completed"))
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(evs)
	s.logger.Info().
		Str("build_id", id).
		Str("worker_id", workerID).
		Msg("build completed")
	return build, nil
}

// FailBuild transitions an active build to failed with the worker's
// reason.
func (s *BoltStore) FailBuild(id, workerID, reason string) (*types.Build, error) {
	if reason == "" {
		reason = "unknown error"
	}

	var build *types.Build
	var evs []*events.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		build, err = getBuild(tx, id)
		if err != nil {
			return err
		}
		if build.WorkerID != workerID {
			return types.NewForbidden("build is assigned to a different worker")
		}
		if build.Status.IsTerminal() {
			if build.ErrorMessage == MsgCancelledByUser {
				return types.NewStateConflict(MsgCancelled)
			}
			return types.NewStateConflict(MsgAlreadyFinished)
		}

		ts := s.now().UTC()
		build.Status = types.BuildFailed
		build.ErrorMessage = reason
		build.CompletedAt = &ts
		if err := putBuild(tx, build); err != nil {
			return err
		}

		worker, err := getWorker(tx, workerID)
		if err == nil {
			worker.BuildsFailed++
			worker.Status = types.WorkerIdle
			worker.ActiveBuildID = ""
			worker.LastSeenAt = ts
			if err := putWorker(tx, worker); err != nil {
				return err
			}
		}

		msg := fmt.Sprintf("Build failed: %s", reason)
		if err := appendBuildLogTx(tx, build.ID, types.BuildLogEntry{Timestamp: ts, Level: types.LogError, Message: msg}); err != nil {
			return err
		}
		if _, err := journal.Append(tx, string(events.EventBuildFailed), build.ID, workerID, msg); err != nil {
			return err
		}
		evs = append(evs, events.New(events.EventBuildFailed, build.ID, workerID, msg))
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(evs)
	s.logger.Warn().
		Str("build_id", id).
		Str("worker_id", workerID).
		Str("reason", reason).
		Msg("build failed")
	return build, nil
}

// CancelBuild marks a build failed with a cancellation message. Pending
// builds leave the queue immediately; active builds stay untouched on
// the worker until its next heartbeat reports the conflict.
func (s *BoltStore) CancelBuild(id string) (*types.Build, error) {
	var build *types.Build
	var evs []*events.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		build, err = getBuild(tx, id)
		if err != nil {
			return err
		}
		if build.Status.IsTerminal() {
			return types.NewStateConflict(MsgAlreadyFinished)
		}

		ts := s.now().UTC()
		if build.Status == types.BuildPending {
			if err := tx.Bucket(BucketPending).Delete(seqKey(build.Sequence)); err != nil {
				return types.NewInternal(fmt.Sprintf("failed to dequeue build: %v", err))
			}
		}
		if build.WorkerID != "" {
			worker, err := getWorker(tx, build.WorkerID)
			if err == nil && worker.ActiveBuildID == build.ID {
				worker.ActiveBuildID = ""
				if worker.Status == types.WorkerBuilding {
					worker.Status = types.WorkerIdle
				}
				if err := putWorker(tx, worker); err != nil {
					return err
				}
			}
		}

		build.Status = types.BuildFailed
		build.ErrorMessage = MsgCancelledByUser
		build.CompletedAt = &ts
		if err := putBuild(tx, build); err != nil {
			return err
		}

		if err := appendBuildLogTx(tx, build.ID, types.BuildLogEntry{Timestamp: ts, Level: types.LogWarn, Message: MsgCancelledByUser}); err != nil {
			return err
		}
		if _, err := journal.Append(tx, string(events.EventBuildCancelled), build.ID, build.WorkerID, MsgCancelledByUser); err != nil {
			return err
		}
		evs = append(evs, events.New(events.EventBuildCancelled, build.ID, build.WorkerID, MsgCancelledByUser))
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(evs)
	s.logger.Info().
		Str("build_id", id).
		Msg("build cancelled")
	return build, nil
}

// RequeueBuild returns an active build to the pending queue, keeping
// its original sequence so it re-enters at its submission position.
// The worker that held it, if still registered, is marked offline.
func (s *BoltStore) RequeueBuild(id, reason string) (*types.Build, error) {
	if reason == "" {
		reason = "Build returned to queue"
	}

	var build *types.Build
	var evs []*events.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		build, err = getBuild(tx, id)
		if err != nil {
			return err
		}
		if !build.Status.IsActive() {
			return types.NewStateConflict("Build is not active")
		}
		evs, err = s.requeueTx(tx, build, reason)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(evs)
	s.logger.Warn().
		Str("build_id", id).
		Str("reason", reason).
		Msg("build requeued")
	return build, nil
}

// ResetOrphanedAssignments requeues every active build whose worker is
// no longer registered. It runs once at startup, before the transport
// accepts traffic, so the whole cleanup shares one transaction.
func (s *BoltStore) ResetOrphanedAssignments(reason string) ([]*types.Build, error) {
	if reason == "" {
		reason = "Assigned worker no longer registered; returned to queue"
	}

	var requeued []*types.Build
	var evs []*events.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		var active []*types.Build
		err := tx.Bucket(BucketBuilds).ForEach(func(k, v []byte) error {
			var b types.Build
			if err := json.Unmarshal(v, &b); err != nil {
				return types.NewInternal(fmt.Sprintf("failed to decode build %s: %v", k, err))
			}
			if b.Status.IsActive() {
				active = append(active, &b)
			}
			return nil
		})
		if err != nil {
			return err
		}

		workers := tx.Bucket(BucketWorkers)
		for _, build := range active {
			if build.WorkerID != "" && workers.Get([]byte(build.WorkerID)) != nil {
				continue
			}
			moreEvs, err := s.requeueTx(tx, build, reason)
			if err != nil {
				return err
			}
			evs = append(evs, moreEvs...)
			requeued = append(requeued, build)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(evs)
	for _, build := range requeued {
		s.logger.Warn().
			Str("build_id", build.ID).
			Str("reason", reason).
			Msg("orphaned build requeued")
	}
	return requeued, nil
}

// requeueTx moves an active build back to pending inside an open write
// transaction. The caller has already checked the status.
func (s *BoltStore) requeueTx(tx *bolt.Tx, build *types.Build, reason string) ([]*events.Event, error) {
	var evs []*events.Event
	ts := s.now().UTC()
	prevWorker := build.WorkerID

	build.Status = types.BuildPending
	build.WorkerID = ""
	build.AssignedAt = nil
	build.StartedAt = nil
	build.LastHeartbeatAt = nil
	if err := putBuild(tx, build); err != nil {
		return nil, err
	}
	if err := tx.Bucket(BucketPending).Put(seqKey(build.Sequence), []byte(build.ID)); err != nil {
		return nil, types.NewInternal(fmt.Sprintf("failed to enqueue build: %v", err))
	}

	if prevWorker != "" {
		worker, werr := getWorker(tx, prevWorker)
		if werr == nil {
			if worker.ActiveBuildID == build.ID {
				worker.ActiveBuildID = ""
			}
			if worker.Status != types.WorkerOffline {
				worker.Status = types.WorkerOffline
				msg := fmt.Sprintf("Worker offline: %s", worker.Name)
				if _, err := journal.Append(tx, string(events.EventWorkerOffline), "", prevWorker, msg); err != nil {
					return nil, err
				}
				evs = append(evs, events.New(events.EventWorkerOffline, "", prevWorker, msg))
			}
			if err := putWorker(tx, worker); err != nil {
				return nil, err
			}
		}
	}

	if err := appendBuildLogTx(tx, build.ID, types.BuildLogEntry{Timestamp: ts, Level: types.LogError, Message: reason}); err != nil {
		return nil, err
	}
	if _, err := journal.Append(tx, string(events.EventBuildTimeout), build.ID, prevWorker, reason); err != nil {
		return nil, err
	}
	evs = append(evs, events.New(events.EventBuildTimeout, build.ID, prevWorker, reason))
	return evs, nil
}

// AppendLogs appends log entries to a build. Entries without a
// timestamp are stamped on arrival.
func (s *BoltStore) AppendLogs(id string, entries []types.BuildLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if !types.ValidLogLevel(e.Level) {
			return types.NewValidation("invalid log level", fmt.Sprintf("level must be info, warn, or error, got %q", e.Level))
		}
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getBuild(tx, id); err != nil {
			return err
		}
		now := s.now().UTC()
		for _, e := range entries {
			if e.Timestamp.IsZero() {
				e.Timestamp = now
			}
			if err := appendBuildLogTx(tx, id, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetLogs returns all log entries of a build in append order.
func (s *BoltStore) GetLogs(id string) ([]types.BuildLogEntry, error) {
	entries := []types.BuildLogEntry{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := getBuild(tx, id); err != nil {
			return err
		}
		bucket := tx.Bucket(BucketLogs).Bucket([]byte(id))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var e types.BuildLogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return types.NewInternal(fmt.Sprintf("failed to decode log entry: %v", err))
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// AppendSnapshots stores telemetry samples for a build and returns how
// many were accepted. Out-of-range samples are dropped, not rejected;
// telemetry is best-effort and must never fail a build.
func (s *BoltStore) AppendSnapshots(id string, samples []types.CpuSnapshot) (int, error) {
	accepted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getBuild(tx, id); err != nil {
			return err
		}
		bucket, err := tx.Bucket(BucketTelemetry).CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return types.NewInternal(fmt.Sprintf("failed to create telemetry bucket: %v", err))
		}
		now := s.now().UTC()
		for _, sample := range samples {
			if !types.ValidCpuSnapshot(sample) {
				continue
			}
			if sample.Timestamp.IsZero() {
				sample.Timestamp = now
			}
			seq, err := bucket.NextSequence()
			if err != nil {
				return types.NewInternal(fmt.Sprintf("failed to allocate sequence: %v", err))
			}
			data, err := json.Marshal(sample)
			if err != nil {
				return types.NewInternal(fmt.Sprintf("failed to encode snapshot: %v", err))
			}
			if err := bucket.Put(seqKey(seq), data); err != nil {
				return types.NewInternal(fmt.Sprintf("failed to store snapshot: %v", err))
			}
			accepted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return accepted, nil
}

// GetSnapshots returns all telemetry samples of a build in append
// order.
func (s *BoltStore) GetSnapshots(id string) ([]types.CpuSnapshot, error) {
	samples := []types.CpuSnapshot{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := getBuild(tx, id); err != nil {
			return err
		}
		bucket := tx.Bucket(BucketTelemetry).Bucket([]byte(id))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var sample types.CpuSnapshot
			if err := json.Unmarshal(v, &sample); err != nil {
				return types.NewInternal(fmt.Sprintf("failed to decode snapshot: %v", err))
			}
			samples = append(samples, sample)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// JournalEntries returns journal entries with sequence greater than
// fromSeq, up to limit.
func (s *BoltStore) JournalEntries(fromSeq uint64, limit int) ([]*journal.Entry, error) {
	return journal.ListDB(s.db, fromSeq, limit)
}

// VerifyJournal re-derives the journal hash chain and reports the first
// break, if any.
func (s *BoltStore) VerifyJournal() (*journal.Report, error) {
	return journal.VerifyDB(s.db)
}

func (s *BoltStore) publish(evs []*events.Event) {
	if s.broker == nil {
		return
	}
	for _, ev := range evs {
		s.broker.Publish(ev)
	}
}

func getBuild(tx *bolt.Tx, id string) (*types.Build, error) {
	data := tx.Bucket(BucketBuilds).Get([]byte(id))
	if data == nil {
		return nil, types.NewNotFound("build %s not found", id)
	}
	var b types.Build
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, types.NewInternal(fmt.Sprintf("failed to decode build %s: %v", id, err))
	}
	return &b, nil
}

func putBuild(tx *bolt.Tx, b *types.Build) error {
	data, err := json.Marshal(b)
	if err != nil {
		return types.NewInternal(fmt.Sprintf("failed to encode build %s: %v", b.ID, err))
	}
	if err := tx.Bucket(BucketBuilds).Put([]byte(b.ID), data); err != nil {
		return types.NewInternal(fmt.Sprintf("failed to store build %s: %v", b.ID, err))
	}
	return nil
}

func getWorker(tx *bolt.Tx, id string) (*types.Worker, error) {
	data := tx.Bucket(BucketWorkers).Get([]byte(id))
	if data == nil {
		return nil, types.NewNotFound("worker %s not found", id)
	}
	var w types.Worker
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, types.NewInternal(fmt.Sprintf("failed to decode worker %s: %v", id, err))
	}
	return &w, nil
}

func putWorker(tx *bolt.Tx, w *types.Worker) error {
	data, err := json.Marshal(w)
	if err != nil {
		return types.NewInternal(fmt.Sprintf("failed to encode worker %s: %v", w.ID, err))
	}
	if err := tx.Bucket(BucketWorkers).Put([]byte(w.ID), data); err != nil {
		return types.NewInternal(fmt.Sprintf("failed to store worker %s: %v", w.ID, err))
	}
	return nil
}

func appendBuildLogTx(tx *bolt.Tx, buildID string, entry types.BuildLogEntry) error {
	bucket, err := tx.Bucket(BucketLogs).CreateBucketIfNotExists([]byte(buildID))
	if err != nil {
		return types.NewInternal(fmt.Sprintf("failed to create log bucket: %v", err))
	}
	seq, err := bucket.NextSequence()
	if err != nil {
		return types.NewInternal(fmt.Sprintf("failed to allocate sequence: %v", err))
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return types.NewInternal(fmt.Sprintf("failed to encode log entry: %v", err))
	}
	if err := bucket.Put(seqKey(seq), data); err != nil {
		return types.NewInternal(fmt.Sprintf("failed to store log entry: %v", err))
	}
	return nil
}

// seqKey formats a sequence number as a fixed-width key so BoltDB's
// byte order matches numeric order.
func seqKey(n uint64) []byte {
	return []byte(fmt.Sprintf("%020d", n))
}
