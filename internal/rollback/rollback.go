package rollback

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"worldaudit.ai/internal/persistence/indexdb"
	persistlog "worldaudit.ai/internal/persistence/log"
	"worldaudit.ai/internal/recording"
	"worldaudit.ai/internal/records"
)

// Air is written where a record has no block on the side being restored.
const Air = "air"

type Mode int

const (
	// Rollback undoes changes, newest first, writing the block that existed before each change.
	Rollback Mode = iota + 1
	// Restore re-applies changes, oldest first, writing the block each change produced.
	Restore
)

func (m Mode) String() string {
	switch m {
	case Rollback:
		return "rollback"
	case Restore:
		return "restore"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Window selects records by area and time. Zero fields do not filter. Times compare at
// millisecond precision, the resolution the index stores.
type Window struct {
	Box   *indexdb.AABB
	Since time.Time // inclusive
	Until time.Time // inclusive
}

func (w Window) Match(rec records.BlockEventRecord) bool {
	if w.Box != nil && !w.Box.Contains(rec.Pos) {
		return false
	}
	at := rec.Time.UnixMilli()
	if !w.Since.IsZero() && at < w.Since.UnixMilli() {
		return false
	}
	if !w.Until.IsZero() && at > w.Until.UnixMilli() {
		return false
	}
	return true
}

// Write is one block to set in the world.
type Write struct {
	Seq      uint64 `json:"seq"`
	RecordID string `json:"record_id"`
	Pos      [3]int `json:"pos"`
	Block    string `json:"block"`
}

// Plan is an ordered list of writes. Applying it is up to the caller.
type Plan struct {
	Mode    Mode
	Writes  []Write
	Skipped int
}

// Build orders the matching block records for mode and converts them to writes.
// Entries that are not block records or fall outside w are skipped.
func Build(mode Mode, entries []recording.Entry, w Window) (Plan, error) {
	if mode != Rollback && mode != Restore {
		return Plan{}, fmt.Errorf("unknown mode %d", int(mode))
	}
	type item struct {
		seq uint64
		rec records.BlockEventRecord
	}
	items := make([]item, 0, len(entries))
	plan := Plan{Mode: mode}
	for _, e := range entries {
		rec, ok := e.Record.(records.BlockEventRecord)
		if !ok || !w.Match(rec) {
			plan.Skipped++
			continue
		}
		items = append(items, item{seq: e.Seq, rec: rec})
	}

	// Time first, then sequence for records in the same instant.
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.rec.Time.Equal(b.rec.Time) {
			if mode == Rollback {
				return a.rec.Time.After(b.rec.Time)
			}
			return a.rec.Time.Before(b.rec.Time)
		}
		if mode == Rollback {
			return a.seq > b.seq
		}
		return a.seq < b.seq
	})

	plan.Writes = make([]Write, 0, len(items))
	for _, it := range items {
		block := it.rec.BlockType
		if mode == Restore {
			block = it.rec.NewType
		}
		if strings.TrimSpace(block) == "" {
			block = Air
		}
		plan.Writes = append(plan.Writes, Write{Seq: it.seq, RecordID: it.rec.ID, Pos: it.rec.Pos.ToArray(), Block: block})
	}
	return plan, nil
}

// Final collapses the plan to the last write per position.
func (p Plan) Final() map[[3]int]string {
	out := make(map[[3]int]string, len(p.Writes))
	for _, w := range p.Writes {
		out[w.Pos] = w.Block
	}
	return out
}

// FromLog scans every log segment in dir for records matching w.
func FromLog(dir string, w Window) ([]recording.Entry, error) {
	var out []recording.Entry
	err := persistlog.ReadDir(dir, func(e recording.Entry) bool {
		if rec, ok := e.Record.(records.BlockEventRecord); ok && w.Match(rec) {
			out = append(out, e)
		}
		return true
	})
	return out, err
}

type Querier interface {
	Query(ctx context.Context, f indexdb.Filter) ([]recording.Entry, error)
}

// FromIndex pages through the index for records matching w.
func FromIndex(ctx context.Context, q Querier, w Window) ([]recording.Entry, error) {
	const page = 5000
	var (
		out   []recording.Entry
		after uint64
	)
	for {
		batch, err := q.Query(ctx, indexdb.Filter{Box: w.Box, Since: w.Since, Until: w.Until, AfterSeq: after, Limit: page})
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < page {
			return out, nil
		}
		after = batch[len(batch)-1].Seq
	}
}

// ParseAABB parses "x1,y1,z1:x2,y2,z2" into a normalized box.
func ParseAABB(s string) (indexdb.AABB, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return indexdb.AABB{}, fmt.Errorf("expected x1,y1,z1:x2,y2,z2")
	}
	a, err := ParseVec3(parts[0])
	if err != nil {
		return indexdb.AABB{}, err
	}
	b, err := ParseVec3(parts[1])
	if err != nil {
		return indexdb.AABB{}, err
	}
	return indexdb.NewAABB(a, b), nil
}

func ParseVec3(s string) (records.Vec3i, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 {
		return records.Vec3i{}, fmt.Errorf("expected x,y,z")
	}
	var v [3]int
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return records.Vec3i{}, err
		}
		v[i] = n
	}
	return records.Vec3i{X: v[0], Y: v[1], Z: v[2]}, nil
}

// ParseTime accepts RFC 3339 or unix milliseconds. Empty means unbounded.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 or unix millis: %w", err)
	}
	return t, nil
}
