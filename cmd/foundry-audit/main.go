package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/foundrymesh/foundry/pkg/catalog"
	"github.com/foundrymesh/foundry/pkg/journal"
	"github.com/foundrymesh/foundry/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	dbPath   = flag.String("db", "./data/foundry.db", "Catalog database file")
	tail     = flag.Int("tail", 0, "Print the last N journal entries after the checks")
	asJSON   = flag.Bool("json", false, "Emit the report as JSON")
	verbose  = flag.Bool("v", false, "List every finding instead of counts")
	openWait = flag.Duration("timeout", time.Second, "How long to wait for the database lock")
)

// auditReport is the machine-readable summary emitted with -json.
type auditReport struct {
	Database string          `json:"database"`
	Journal  *journal.Report `json:"journal"`
	Builds   map[string]int  `json:"builds"`
	Workers  int             `json:"workers"`
	Problems []string        `json:"problems,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}

func main() {
	flag.Parse()

	log.SetFlags(0)

	if _, err := os.Stat(*dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", *dbPath)
	}

	// Read-only open. A running controller holds the file lock, so this
	// fails after the timeout instead of hanging; audit a copy in that case.
	db, err := bolt.Open(*dbPath, 0600, &bolt.Options{ReadOnly: true, Timeout: *openWait})
	if err != nil {
		log.Fatalf("Failed to open database read-only: %v (is a controller running?)", err)
	}
	defer db.Close()

	report := &auditReport{Database: *dbPath, Builds: map[string]int{}}

	report.Journal, err = journal.VerifyDB(db)
	if err != nil {
		log.Fatalf("Journal verification failed: %v", err)
	}

	if err := auditCatalog(db, report); err != nil {
		log.Fatalf("Catalog audit failed: %v", err)
	}

	if *asJSON {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			log.Fatalf("Failed to encode report: %v", err)
		}
		fmt.Println(string(out))
	} else {
		printReport(report)
	}

	if *tail > 0 {
		if err := printTail(db, *tail); err != nil {
			log.Fatalf("Failed to read journal tail: %v", err)
		}
	}

	if !report.Journal.Intact || len(report.Problems) > 0 {
		os.Exit(1)
	}
}

// auditCatalog cross-checks the builds, workers, and pending buckets.
//
// Stale pending-index entries (index rows whose build has already left
// pending) are warnings: the dispatch path drops them lazily during
// claims. A pending build missing from the index is a problem: nothing
// would ever claim it.
func auditCatalog(db *bolt.DB, report *auditReport) error {
	return db.View(func(tx *bolt.Tx) error {
		buildsBucket := tx.Bucket(catalog.BucketBuilds)
		workersBucket := tx.Bucket(catalog.BucketWorkers)
		pendingBucket := tx.Bucket(catalog.BucketPending)
		if buildsBucket == nil || workersBucket == nil || pendingBucket == nil {
			return fmt.Errorf("catalog buckets missing (not a foundry database?)")
		}

		builds := map[string]*types.Build{}
		err := buildsBucket.ForEach(func(k, v []byte) error {
			var b types.Build
			if err := json.Unmarshal(v, &b); err != nil {
				report.problem("build %s: undecodable record: %v", k, err)
				return nil
			}
			builds[b.ID] = &b
			report.Builds[string(b.Status)]++
			return nil
		})
		if err != nil {
			return err
		}

		workers := map[string]*types.Worker{}
		err = workersBucket.ForEach(func(k, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				report.problem("worker %s: undecodable record: %v", k, err)
				return nil
			}
			workers[w.ID] = &w
			report.Workers++
			return nil
		})
		if err != nil {
			return err
		}

		// Pending index → builds.
		indexed := map[string]bool{}
		err = pendingBucket.ForEach(func(k, v []byte) error {
			id := string(v)
			build, ok := builds[id]
			switch {
			case !ok:
				report.problem("pending index %s: build %s does not exist", k, id)
			case build.Status != types.BuildPending:
				report.warning("pending index %s: stale entry, build %s is %s", k, id, build.Status)
			default:
				indexed[id] = true
			}
			return nil
		})
		if err != nil {
			return err
		}

		for id, build := range builds {
			switch build.Status {
			case types.BuildPending:
				if !indexed[id] {
					report.problem("build %s: pending but not in the pending index", id)
				}
			case types.BuildAssigned, types.BuildBuilding:
				worker, ok := workers[build.WorkerID]
				switch {
				case build.WorkerID == "":
					report.problem("build %s: %s without a worker", id, build.Status)
				case !ok:
					report.problem("build %s: held by unknown worker %s", id, build.WorkerID)
				case worker.ActiveBuildID != id:
					report.problem("build %s: worker %s active build is %q", id, build.WorkerID, worker.ActiveBuildID)
				}
			case types.BuildCompleted:
				if build.ResultRef == "" {
					report.problem("build %s: completed without a result artifact", id)
				}
			case types.BuildFailed:
				if build.ErrorMessage == "" {
					report.warning("build %s: failed without an error message", id)
				}
			}
		}

		for id, worker := range workers {
			if worker.ActiveBuildID == "" {
				continue
			}
			build, ok := builds[worker.ActiveBuildID]
			switch {
			case !ok:
				report.problem("worker %s: active build %s does not exist", id, worker.ActiveBuildID)
			case build.WorkerID != id:
				report.problem("worker %s: active build %s belongs to worker %q", id, worker.ActiveBuildID, build.WorkerID)
			case !build.Status.IsActive():
				report.problem("worker %s: active build %s is %s", id, worker.ActiveBuildID, build.Status)
			}
		}

		return nil
	})
}

func printReport(report *auditReport) {
	log.Printf("Database: %s", report.Database)
	log.Println()

	if report.Journal.Intact {
		log.Printf("✓ Journal intact: %d entries", report.Journal.Entries)
		if report.Journal.LastHash != "" {
			log.Printf("  Last hash: %s", report.Journal.LastHash)
		}
	} else {
		log.Printf("✗ Journal broken at sequence %d: %s", report.Journal.BrokenAt, report.Journal.Reason)
		log.Printf("  Entries scanned: %d", report.Journal.Entries)
	}
	log.Println()

	total := 0
	for _, n := range report.Builds {
		total += n
	}
	log.Printf("Builds: %d", total)
	for _, status := range []types.BuildStatus{
		types.BuildPending, types.BuildAssigned, types.BuildBuilding,
		types.BuildCompleted, types.BuildFailed,
	} {
		if n := report.Builds[string(status)]; n > 0 {
			log.Printf("  %-10s %d", status, n)
		}
	}
	log.Printf("Workers: %d", report.Workers)
	log.Println()

	printFindings("Problems", report.Problems, "✗")
	printFindings("Warnings", report.Warnings, "⚠")

	if len(report.Problems) == 0 && report.Journal.Intact {
		log.Println("✓ Catalog is consistent")
	}
}

func printFindings(label string, findings []string, glyph string) {
	if len(findings) == 0 {
		return
	}
	if *verbose {
		log.Printf("%s:", label)
		for _, f := range findings {
			log.Printf("  %s %s", glyph, f)
		}
	} else {
		log.Printf("%s %d %s (rerun with -v to list them)", glyph, len(findings), strings.ToLower(label))
	}
	log.Println()
}

func printTail(db *bolt.DB, n int) error {
	entries, err := journal.ListDB(db, 0, 0)
	if err != nil {
		return err
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}

	log.Printf("Last %d journal entries:", len(entries))
	for _, e := range entries {
		line := fmt.Sprintf("%6d  %s  %-18s", e.Sequence, e.Timestamp.Format(time.RFC3339), e.Type)
		if e.BuildID != "" {
			line += "  build=" + e.BuildID
		}
		if e.WorkerID != "" {
			line += "  worker=" + e.WorkerID
		}
		if e.Message != "" {
			line += "  " + e.Message
		}
		log.Println(line)
	}
	return nil
}

func (r *auditReport) problem(format string, args ...interface{}) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

func (r *auditReport) warning(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}
