// Package journal implements the tamper-evident build event journal.
//
// Every build lifecycle transition appends one entry to an append-only
// log stored in the catalog database. Entries are hash-chained: each
// entry's hash covers its own fields plus the hash of its predecessor,
// so editing, deleting, or reordering committed history is detectable
// by re-walking the chain.
//
//	hash(n) = SHA-256(seq | type | build_id | worker_id | timestamp | message | hash(n-1))
//
// The first entry's predecessor hash is the empty string. Sequence
// numbers come from the bucket's NextSequence counter and are
// allocated inside the same write transaction as the state change the
// entry records, which makes the chain gapless: a crash either commits
// the transition with its journal entry or neither.
//
// # Appending
//
// Append operates on an open write transaction so the caller controls
// atomicity:
//
//	err := db.Update(func(tx *bolt.Tx) error {
//		// ... mutate build state ...
//		_, err := journal.Append(tx, "build:assigned", build.ID, worker.ID, msg)
//		return err
//	})
//
// # Verification
//
// Verify recomputes every link and reports the first broken sequence:
//
//	report, err := journal.VerifyDB(db)
//	if !report.Intact {
//		fmt.Printf("chain broken at %d: %s\n", report.BrokenAt, report.Reason)
//	}
//
// The foundry-audit command exposes verification for operators.
package journal
