package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"worldaudit.ai/internal/persistence/indexdb"
	persistlog "worldaudit.ai/internal/persistence/log"
	"worldaudit.ai/internal/recording"
)

type verifyReport struct {
	LogEntries     int      `json:"log_entries"`
	IndexEntries   int      `json:"index_entries"`
	LogLastSeq     uint64   `json:"log_last_seq"`
	IndexLastSeq   uint64   `json:"index_last_seq"`
	OutOfOrder     int      `json:"out_of_order"`
	MissingInIndex int      `json:"missing_in_index"`
	ExtraInIndex   int      `json:"extra_in_index"`
	Mismatched     int      `json:"mismatched"`
	Samples        []string `json:"samples,omitempty"`
}

func (r verifyReport) OK() bool {
	return r.OutOfOrder == 0 && r.MissingInIndex == 0 && r.ExtraInIndex == 0 && r.Mismatched == 0
}

func (r *verifyReport) sample(format string, args ...any) {
	if len(r.Samples) < 20 {
		r.Samples = append(r.Samples, fmt.Sprintf(format, args...))
	}
}

func verifyCmd(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id")
	_ = fs.Parse(args)

	if strings.TrimSpace(*worldID) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	worldDir := worldDirOf(*dataDir, *worldID)
	idx, err := indexdb.OpenSQLite(indexPath(worldDir))
	if err != nil {
		fmt.Fprintln(os.Stderr, "open index:", err)
		os.Exit(1)
	}
	defer idx.Close()

	rep, err := verify(context.Background(), persistlog.RecordsDir(worldDir), idx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "verify:", err)
		os.Exit(1)
	}
	printJSON(rep)
	if !rep.OK() {
		os.Exit(1)
	}
}

// verify checks that log sequence numbers strictly increase and that the index holds the same
// records under the same sequence numbers.
func verify(ctx context.Context, logDir string, idx *indexdb.SQLiteIndex) (verifyReport, error) {
	var rep verifyReport
	logIDs := map[uint64]string{}
	err := persistlog.ReadDir(logDir, func(e recording.Entry) bool {
		rep.LogEntries++
		if e.Seq <= rep.LogLastSeq {
			rep.OutOfOrder++
			rep.sample("log seq %d after %d", e.Seq, rep.LogLastSeq)
		} else {
			rep.LogLastSeq = e.Seq
		}
		logIDs[e.Seq] = e.Record.RecordID()
		return true
	})
	if err != nil && !os.IsNotExist(err) {
		return rep, err
	}

	const page = 5000
	seen := map[uint64]bool{}
	var after uint64
	for {
		batch, err := idx.Query(ctx, indexdb.Filter{AfterSeq: after, Limit: page})
		if err != nil {
			return rep, err
		}
		for _, e := range batch {
			rep.IndexEntries++
			rep.IndexLastSeq = e.Seq
			seen[e.Seq] = true
			id, ok := logIDs[e.Seq]
			switch {
			case !ok:
				rep.ExtraInIndex++
				rep.sample("index seq %d not in log", e.Seq)
			case id != e.Record.RecordID():
				rep.Mismatched++
				rep.sample("seq %d id log=%s index=%s", e.Seq, id, e.Record.RecordID())
			}
		}
		if len(batch) < page {
			break
		}
		after = batch[len(batch)-1].Seq
	}
	for seq := range logIDs {
		if !seen[seq] {
			rep.MissingInIndex++
			rep.sample("log seq %d not in index", seq)
		}
	}
	return rep, nil
}
