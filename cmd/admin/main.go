package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"worldaudit.ai/internal/persistence/indexdb"
	persistlog "worldaudit.ai/internal/persistence/log"
	"worldaudit.ai/internal/recording"
	"worldaudit.ai/internal/rollback"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "rollback":
			planCmd(rollback.Rollback, os.Args[2:])
			return
		case "restore":
			planCmd(rollback.Restore, os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "verify":
			verifyCmd(os.Args[2:])
			return
		case "remote-records":
			remoteCmd("records", os.Args[2:])
			return
		case "remote-plan":
			remoteCmd("plan", os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func worldDirOf(dataDir, worldID string) string {
	return filepath.Join(dataDir, "worlds", worldID)
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (optional; lists worlds when empty)")
	_ = fs.Parse(args)

	if *worldID == "" {
		entries, err := os.ReadDir(filepath.Join(*dataDir, "worlds"))
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
		for _, e := range entries {
			fmt.Println(e.Name())
		}
		return
	}

	segs, err := persistlog.ListSegments(persistlog.RecordsDir(worldDirOf(*dataDir, *worldID)))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, p := range segs {
		var n int
		var first, last uint64
		_, err := persistlog.ReadSegment(p, func(e recording.Entry) bool {
			if n == 0 {
				first = e.Seq
			}
			last = e.Seq
			n++
			return true
		})
		switch {
		case errors.Is(err, persistlog.ErrTruncatedSegment):
			fmt.Printf("%s records=%d seq=%d..%d truncated\n", filepath.Base(p), n, first, last)
		case err != nil:
			fmt.Printf("%s error=%v\n", filepath.Base(p), err)
		default:
			fmt.Printf("%s records=%d seq=%d..%d\n", filepath.Base(p), n, first, last)
		}
	}
}

// windowFlags registers the shared area/time selection flags.
func windowFlags(fs *flag.FlagSet) func() (rollback.Window, error) {
	aabb := fs.String("aabb", "", "AABB filter: x1,y1,z1:x2,y2,z2")
	since := fs.String("since", "", "changes since (RFC 3339 or unix ms, inclusive)")
	until := fs.String("until", "", "changes until (RFC 3339 or unix ms, inclusive)")
	return func() (rollback.Window, error) {
		var w rollback.Window
		if strings.TrimSpace(*aabb) != "" {
			box, err := rollback.ParseAABB(*aabb)
			if err != nil {
				return w, fmt.Errorf("bad -aabb: %w", err)
			}
			w.Box = &box
		}
		var err error
		if w.Since, err = rollback.ParseTime(*since); err != nil {
			return w, fmt.Errorf("bad -since: %w", err)
		}
		if w.Until, err = rollback.ParseTime(*until); err != nil {
			return w, fmt.Errorf("bad -until: %w", err)
		}
		return w, nil
	}
}

func planCmd(mode rollback.Mode, args []string) {
	fs := flag.NewFlagSet(mode.String(), flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id")
	from := fs.String("from", "log", "record source: log|index")
	final := fs.Bool("final", false, "print only the last write per position")
	window := windowFlags(fs)
	_ = fs.Parse(args)

	if strings.TrimSpace(*worldID) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	w, err := window()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if w.Box == nil {
		fmt.Fprintln(os.Stderr, "missing -aabb")
		os.Exit(2)
	}

	worldDir := worldDirOf(*dataDir, *worldID)
	var entries []recording.Entry
	switch *from {
	case "log":
		entries, err = rollback.FromLog(persistlog.RecordsDir(worldDir), w)
	case "index":
		var idx *indexdb.SQLiteIndex
		idx, err = indexdb.OpenSQLite(indexPath(worldDir))
		if err == nil {
			entries, err = rollback.FromIndex(context.Background(), idx, w)
			_ = idx.Close()
		}
	default:
		fmt.Fprintln(os.Stderr, "bad -from:", *from)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "read records:", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Fprintf(os.Stderr, "no matching records; nothing to %s\n", mode)
		return
	}

	plan, err := rollback.Build(mode, entries, w)
	if err != nil {
		fmt.Fprintln(os.Stderr, "plan:", err)
		os.Exit(1)
	}
	if *final {
		for _, row := range finalRows(plan) {
			printJSON(row)
		}
	} else {
		for _, wr := range plan.Writes {
			printJSON(wr)
		}
	}
	fmt.Fprintf(os.Stderr, "%s plan ok: world=%s from=%s entries=%d writes=%d positions=%d\n",
		mode, *worldID, *from, len(entries), len(plan.Writes), len(plan.Final()))
}

type finalRow struct {
	Pos   [3]int `json:"pos"`
	Block string `json:"block"`
}

// finalRows lists the end state of a plan ordered by x, then y, then z.
func finalRows(plan rollback.Plan) []finalRow {
	final := plan.Final()
	rows := make([]finalRow, 0, len(final))
	for pos, block := range final {
		rows = append(rows, finalRow{Pos: pos, Block: block})
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].Pos, rows[j].Pos
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	return rows
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}
