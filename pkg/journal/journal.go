package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// BucketName is the bolt bucket holding the journal
	BucketName = []byte("journal")
)

// Entry is one journal record. Entries form a hash chain: each entry
// carries the hash of its predecessor, so any edit, removal, or
// reordering of committed history breaks verification.
type Entry struct {
	Sequence  uint64    `json:"sequence"`
	Type      string    `json:"type"`
	BuildID   string    `json:"build_id,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// Report is the result of a chain verification.
type Report struct {
	Entries  int    `json:"entries"`
	Intact   bool   `json:"intact"`
	BrokenAt uint64 `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
	LastHash string `json:"last_hash,omitempty"`
}

// Append writes a journal entry inside an existing write transaction.
// The caller commits the transaction; the entry becomes durable
// exactly when the state change it records does. Sequence numbers come
// from the bucket's own counter inside the same transaction, so the
// chain is gapless.
func Append(tx *bolt.Tx, eventType, buildID, workerID, message string) (*Entry, error) {
	b := tx.Bucket(BucketName)
	if b == nil {
		return nil, fmt.Errorf("journal bucket missing")
	}

	prevHash := ""
	if _, v := b.Cursor().Last(); v != nil {
		var prev Entry
		if err := json.Unmarshal(v, &prev); err != nil {
			return nil, fmt.Errorf("failed to decode previous journal entry: %w", err)
		}
		prevHash = prev.Hash
	}

	seq, err := b.NextSequence()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate journal sequence: %w", err)
	}

	entry := &Entry{
		Sequence:  seq,
		Type:      eventType,
		BuildID:   buildID,
		WorkerID:  workerID,
		Timestamp: time.Now().UTC(),
		Message:   message,
		PrevHash:  prevHash,
	}
	entry.Hash = entry.computeHash()

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode journal entry: %w", err)
	}
	if err := b.Put(seqKey(seq), data); err != nil {
		return nil, fmt.Errorf("failed to write journal entry: %w", err)
	}

	return entry, nil
}

// List returns up to limit entries with sequence >= fromSeq, in
// sequence order. A limit of 0 means no limit.
func List(tx *bolt.Tx, fromSeq uint64, limit int) ([]*Entry, error) {
	b := tx.Bucket(BucketName)
	if b == nil {
		return nil, fmt.Errorf("journal bucket missing")
	}

	var entries []*Entry
	c := b.Cursor()
	for k, v := c.Seek(seqKey(fromSeq)); k != nil; k, v = c.Next() {
		var entry Entry
		if err := json.Unmarshal(v, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode journal entry: %w", err)
		}
		entries = append(entries, &entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

// Verify walks the whole chain and recomputes every link. It reports
// the first broken sequence, or an intact chain.
func Verify(tx *bolt.Tx) (*Report, error) {
	b := tx.Bucket(BucketName)
	if b == nil {
		return nil, fmt.Errorf("journal bucket missing")
	}

	report := &Report{Intact: true}
	prevHash := ""
	var prevSeq uint64

	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var entry Entry
		if err := json.Unmarshal(v, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode journal entry at key %q: %w", k, err)
		}

		report.Entries++

		switch {
		case entry.Sequence != prevSeq+1:
			return broken(report, entry.Sequence,
				fmt.Sprintf("sequence gap: expected %d, found %d", prevSeq+1, entry.Sequence)), nil
		case entry.PrevHash != prevHash:
			return broken(report, entry.Sequence, "previous hash does not match chain"), nil
		case entry.Hash != entry.computeHash():
			return broken(report, entry.Sequence, "entry hash does not match contents"), nil
		}

		prevHash = entry.Hash
		prevSeq = entry.Sequence
	}

	report.LastHash = prevHash
	return report, nil
}

// VerifyDB runs Verify in a read transaction.
func VerifyDB(db *bolt.DB) (*Report, error) {
	var report *Report
	err := db.View(func(tx *bolt.Tx) error {
		var err error
		report, err = Verify(tx)
		return err
	})
	return report, err
}

// ListDB runs List in a read transaction.
func ListDB(db *bolt.DB, fromSeq uint64, limit int) ([]*Entry, error) {
	var entries []*Entry
	err := db.View(func(tx *bolt.Tx) error {
		var err error
		entries, err = List(tx, fromSeq, limit)
		return err
	})
	return entries, err
}

func broken(report *Report, seq uint64, reason string) *Report {
	report.Intact = false
	report.BrokenAt = seq
	report.Reason = reason
	return report
}

// computeHash hashes the entry fields with the predecessor hash. The
// timestamp is rendered as RFC3339Nano in UTC, which survives a JSON
// round trip byte for byte.
func (e *Entry) computeHash() string {
	input := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s",
		e.Sequence,
		e.Type,
		e.BuildID,
		e.WorkerID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Message,
		e.PrevHash,
	)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

func seqKey(n uint64) []byte {
	return []byte(fmt.Sprintf("%020d", n))
}
