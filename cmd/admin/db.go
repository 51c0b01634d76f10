package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"worldaudit.ai/internal/persistence/indexdb"
	"worldaudit.ai/internal/records"
)

func indexPath(worldDir string) string {
	return filepath.Join(worldDir, "index", "records.sqlite")
}

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	actor := fs.String("actor", "", "actor id filter")
	types := fs.String("types", "", "comma separated event types (block-break,block-place)")
	after := fs.Uint64("after", 0, "only records with seq > after")
	limit := fs.Int("limit", 20, "result limit")
	desc := fs.Bool("desc", true, "newest first")
	window := windowFlags(fs)
	_ = fs.Parse(args)

	q := "records"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*worldID) == "" {
			fmt.Fprintln(os.Stderr, "missing -world or -db")
			os.Exit(2)
		}
		path = indexPath(worldDirOf(*dataDir, *worldID))
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}

	w, err := window()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	f := indexdb.Filter{
		Actor:    strings.TrimSpace(*actor),
		Since:    w.Since,
		Until:    w.Until,
		Box:      w.Box,
		AfterSeq: *after,
		Limit:    *limit,
		Desc:     *desc,
	}
	if strings.TrimSpace(*types) != "" {
		for _, t := range strings.Split(*types, ",") {
			et := records.EventType(strings.TrimSpace(t))
			if !et.Known() {
				fmt.Fprintln(os.Stderr, "unknown event type:", et)
				os.Exit(2)
			}
			f.Types = append(f.Types, et)
		}
	}

	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()
	ctx := context.Background()

	switch q {
	case "records":
		entries, err := idx.Query(ctx, f)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, e := range entries {
			env, err := records.Encode(e.Seq, e.Record)
			if err != nil {
				fmt.Fprintln(os.Stderr, "encode:", err)
				os.Exit(1)
			}
			printJSON(env)
		}

	case "describe":
		entries, err := idx.Query(ctx, f)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, e := range entries {
			fmt.Printf("#%d %s %s\n", e.Seq, e.Record.OccurredAt().UTC().Format("2006-01-02T15:04:05Z"), e.Record.Describe())
		}

	case "count":
		n, err := idx.Count(ctx, f)
		if err != nil {
			fmt.Fprintln(os.Stderr, "count:", err)
			os.Exit(1)
		}
		printJSON(map[string]any{"count": n})

	case "last":
		seq, err := idx.LastSeq(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "last seq:", err)
			os.Exit(1)
		}
		printJSON(map[string]any{"last_seq": seq})

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(records|describe|count|last)")
		os.Exit(2)
	}
}
