// Command replay rebuilds (or tops up) the SQLite index from the record log.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"worldaudit.ai/internal/persistence/indexdb"
	persistlog "worldaudit.ai/internal/persistence/log"
	"worldaudit.ai/internal/recording"
)

func main() {
	var (
		dataDir = flag.String("data", "./data", "runtime data directory")
		worldID = flag.String("world", "", "world id")
		logDir  = flag.String("records", "", "records dir containing records-*.jsonl.zst (default: <data>/worlds/<world>/records)")
		dbPath  = flag.String("db", "", "sqlite index path (default: <data>/worlds/<world>/index/records.sqlite)")
		fromSeq = flag.Uint64("from_seq", 0, "replay from seq (inclusive; default: the first seq missing from the index)")
		toSeq   = flag.Uint64("to_seq", 0, "stop at seq (inclusive, optional)")
		batch   = flag.Int("batch", 2000, "entries per commit")
		dryRun  = flag.Bool("dry_run", false, "only check the log; do not write the index")
	)
	flag.Parse()

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	if *logDir == "" || *dbPath == "" {
		if *worldID == "" {
			fmt.Fprintln(os.Stderr, "missing -world (or both -records and -db)")
			os.Exit(2)
		}
	}
	if *logDir == "" {
		*logDir = persistlog.RecordsDir(worldDir)
	}
	if *dbPath == "" {
		*dbPath = filepath.Join(worldDir, "index", "records.sqlite")
	}
	if *batch <= 0 {
		*batch = 2000
	}

	var idx *indexdb.SQLiteIndex
	if !*dryRun {
		var err error
		idx, err = indexdb.OpenSQLite(*dbPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "open index:", err)
			os.Exit(1)
		}
		defer idx.Close()
	}

	res, err := replay(*logDir, idx, *fromSeq, *toSeq, *batch)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replay ok: scanned=%d written=%d first_seq=%d last_seq=%d dry_run=%v\n",
		res.scanned, res.written, res.firstSeq, res.lastSeq, *dryRun)
}

type replayResult struct {
	scanned  int
	written  int
	firstSeq uint64
	lastSeq  uint64
}

// replay streams the log in order and writes entries in [from, to] to idx. A nil idx only checks
// that sequence numbers strictly increase.
func replay(logDir string, idx *indexdb.SQLiteIndex, from, to uint64, batch int) (replayResult, error) {
	var res replayResult
	if from == 0 && idx != nil {
		resume, err := idx.ResumeSeq(context.Background())
		if err != nil {
			return res, fmt.Errorf("index resume seq: %w", err)
		}
		from = resume
	}

	var (
		prev    uint64
		pending int
		werr    error
	)
	err := persistlog.ReadDir(logDir, func(e recording.Entry) bool {
		res.scanned++
		if e.Seq <= prev {
			werr = fmt.Errorf("seq went backwards: %d after %d", e.Seq, prev)
			return false
		}
		prev = e.Seq
		if e.Seq < from {
			return true
		}
		if to != 0 && e.Seq > to {
			return false
		}
		if res.firstSeq == 0 {
			res.firstSeq = e.Seq
		}
		res.lastSeq = e.Seq
		if idx == nil {
			return true
		}
		if werr = idx.WriteEntry(e); werr != nil {
			return false
		}
		res.written++
		pending++
		if pending >= batch {
			if werr = idx.Flush(); werr != nil {
				return false
			}
			pending = 0
		}
		return true
	})
	if err != nil {
		return res, err
	}
	if werr != nil {
		return res, werr
	}
	if idx != nil {
		if err := idx.Flush(); err != nil {
			return res, err
		}
	}
	return res, nil
}
