package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/foundrymesh/foundry/pkg/auth"
	"github.com/foundrymesh/foundry/pkg/events"
	"github.com/foundrymesh/foundry/pkg/journal"
	"github.com/foundrymesh/foundry/pkg/types"
)

// RegisterWorker creates a worker or refreshes an existing one.
// Registration is idempotent by ID: a worker that restarts with its
// stored ID keeps its name, capabilities (unless it sends new ones),
// and counters, and receives a fresh access token. Returns the worker,
// the plaintext token, and whether this was a re-registration.
func (s *BoltStore) RegisterWorker(id, name string, capabilities map[string]string) (*types.Worker, string, bool, error) {
	if id == "" && name == "" {
		return nil, "", false, types.NewValidation("worker name required", "")
	}

	token, err := auth.GenerateToken()
	if err != nil {
		return nil, "", false, types.NewInternal(err.Error())
	}
	sealed, err := s.sealer.Seal(token)
	if err != nil {
		return nil, "", false, types.NewInternal(err.Error())
	}
	if id == "" {
		id = uuid.New().String()
	}

	var worker *types.Worker
	var reregistered bool
	var evs []*events.Event
	err = s.db.Update(func(tx *bolt.Tx) error {
		now := s.now().UTC()
		existing, err := getWorker(tx, id)
		switch {
		case err == nil:
			reregistered = true
			worker = existing
			if name != "" {
				worker.Name = name
			}
			if len(capabilities) > 0 {
				worker.Capabilities = capabilities
			}
			if worker.Status == types.WorkerOffline {
				worker.Status = types.WorkerIdle
			}
		case types.IsKind(err, types.KindNotFound):
			if name == "" {
				return types.NewValidation("worker name required", "")
			}
			worker = &types.Worker{
				ID:           id,
				Name:         name,
				Capabilities: capabilities,
				Status:       types.WorkerIdle,
			}
		default:
			return err
		}

		worker.SealedAccessToken = sealed
		worker.AccessTokenExpiresAt = now.Add(s.tokenTTL)
		worker.LastSeenAt = now
		if err := putWorker(tx, worker); err != nil {
			return err
		}

		msg := fmt.Sprintf("Worker registered: %s", worker.Name)
		if reregistered {
			msg = fmt.Sprintf("Worker re-registered: %s", worker.Name)
		}
		if _, err := journal.Append(tx, string(events.EventWorkerRegistered), "", worker.ID, msg); err != nil {
			return err
		}
		evs = append(evs, events.New(events.EventWorkerRegistered, "", worker.ID, msg))
		return nil
	})
	if err != nil {
		return nil, "", false, err
	}

	s.publish(evs)
	s.logger.Info().
		Str("worker_id", worker.ID).
		Str("name", worker.Name).
		Bool("reregistered", reregistered).
		Msg("worker registered")
	return worker, token, reregistered, nil
}

// GetWorker returns the worker with the given ID.
func (s *BoltStore) GetWorker(id string) (*types.Worker, error) {
	var worker *types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		worker, err = getWorker(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return worker, nil
}

// ListWorkers returns all registered workers ordered by name.
func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	workers := []*types.Worker{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(BucketWorkers).ForEach(func(k, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return types.NewInternal(fmt.Sprintf("failed to decode worker %s: %v", k, err))
			}
			workers = append(workers, &w)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(workers, func(i, j int) bool {
		if workers[i].Name != workers[j].Name {
			return workers[i].Name < workers[j].Name
		}
		return workers[i].ID < workers[j].ID
	})
	return workers, nil
}

// RotateWorkerToken issues a fresh access token, invalidating the
// previous one. Every authenticated worker call rotates, so a captured
// token stays useful only until the worker's next request. A worker
// the liveness monitor gave up on comes back to idle here: presenting
// a valid token is proof of life.
func (s *BoltStore) RotateWorkerToken(id string, now time.Time) (*types.Worker, string, error) {
	token, err := auth.GenerateToken()
	if err != nil {
		return nil, "", types.NewInternal(err.Error())
	}
	sealed, err := s.sealer.Seal(token)
	if err != nil {
		return nil, "", types.NewInternal(err.Error())
	}

	var worker *types.Worker
	var revived bool
	err = s.db.Update(func(tx *bolt.Tx) error {
		var err error
		worker, err = getWorker(tx, id)
		if err != nil {
			return err
		}
		worker.SealedAccessToken = sealed
		worker.AccessTokenExpiresAt = now.UTC().Add(s.tokenTTL)
		worker.LastSeenAt = now.UTC()
		if worker.Status == types.WorkerOffline && worker.ActiveBuildID == "" {
			worker.Status = types.WorkerIdle
			revived = true
		}
		return putWorker(tx, worker)
	})
	if err != nil {
		return nil, "", err
	}

	if revived {
		s.logger.Debug().
			Str("worker_id", id).
			Msg("offline worker revived by authenticated call")
	}
	return worker, token, nil
}

// MarkWorkerOffline flags a worker the liveness monitor considers gone.
// Idempotent: marking an offline worker again is a no-op.
func (s *BoltStore) MarkWorkerOffline(id string) error {
	var worker *types.Worker
	var changed bool
	var evs []*events.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		worker, err = getWorker(tx, id)
		if err != nil {
			return err
		}
		if worker.Status == types.WorkerOffline {
			return nil
		}
		worker.Status = types.WorkerOffline
		changed = true
		if err := putWorker(tx, worker); err != nil {
			return err
		}
		msg := fmt.Sprintf("Worker offline: %s", worker.Name)
		if _, err := journal.Append(tx, string(events.EventWorkerOffline), "", worker.ID, msg); err != nil {
			return err
		}
		evs = append(evs, events.New(events.EventWorkerOffline, "", worker.ID, msg))
		return nil
	})
	if err != nil {
		return err
	}

	if changed {
		s.publish(evs)
		s.logger.Warn().
			Str("worker_id", id).
			Str("name", worker.Name).
			Msg("worker marked offline")
	}
	return nil
}

// TouchWorkerPoll records a poll and warns when the gap between polls
// grows past half the token TTL. A worker polling that slowly is one
// hiccup away from an expired token and a spurious offline transition.
func (s *BoltStore) TouchWorkerPoll(id string, now time.Time) error {
	var gap time.Duration
	err := s.db.Update(func(tx *bolt.Tx) error {
		worker, err := getWorker(tx, id)
		if err != nil {
			return err
		}
		if worker.LastPollAt != nil {
			gap = now.Sub(*worker.LastPollAt)
		}
		ts := now.UTC()
		worker.LastPollAt = &ts
		return putWorker(tx, worker)
	})
	if err != nil {
		return err
	}

	if gap > s.tokenTTL/2 {
		s.logger.Warn().
			Str("worker_id", id).
			Dur("poll_gap", gap).
			Dur("token_ttl", s.tokenTTL).
			Msg("worker poll gap exceeds half the token ttl")
	}
	return nil
}
