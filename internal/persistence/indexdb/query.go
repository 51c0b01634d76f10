package indexdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"worldaudit.ai/internal/recording"
	"worldaudit.ai/internal/records"
)

// AABB is an inclusive block box. Min and Max are normalized by NewAABB.
type AABB struct {
	Min records.Vec3i
	Max records.Vec3i
}

func NewAABB(a, b records.Vec3i) AABB {
	lo := records.Vec3i{X: min(a.X, b.X), Y: min(a.Y, b.Y), Z: min(a.Z, b.Z)}
	hi := records.Vec3i{X: max(a.X, b.X), Y: max(a.Y, b.Y), Z: max(a.Z, b.Z)}
	return AABB{Min: lo, Max: hi}
}

func (b AABB) Contains(p records.Vec3i) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// Filter selects indexed records. Zero fields do not filter.
type Filter struct {
	Actor    string
	Types    []records.EventType
	Since    time.Time // inclusive
	Until    time.Time // inclusive
	Box      *AABB
	AfterSeq uint64
	Limit    int
	Desc     bool
}

const maxQueryLimit = 10000

func (f Filter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Actor != "" {
		conds = append(conds, "actor = ?")
		args = append(args, f.Actor)
	}
	if len(f.Types) > 0 {
		ph := make([]string, 0, len(f.Types))
		for _, t := range f.Types {
			ph = append(ph, "?")
			args = append(args, string(t))
		}
		conds = append(conds, "type IN ("+strings.Join(ph, ",")+")")
	}
	if !f.Since.IsZero() {
		conds = append(conds, "at_ms >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "at_ms <= ?")
		args = append(args, f.Until.UnixMilli())
	}
	if f.Box != nil {
		conds = append(conds, "x BETWEEN ? AND ?", "y BETWEEN ? AND ?", "z BETWEEN ? AND ?")
		args = append(args, f.Box.Min.X, f.Box.Max.X, f.Box.Min.Y, f.Box.Max.Y, f.Box.Min.Z, f.Box.Max.Z)
	}
	if f.AfterSeq > 0 {
		conds = append(conds, "seq > ?")
		args = append(args, int64(f.AfterSeq))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Query returns committed records matching f, ordered by sequence.
func (s *SQLiteIndex) Query(ctx context.Context, f Filter) ([]recording.Entry, error) {
	where, args := f.where()
	order := "ASC"
	if f.Desc {
		order = "DESC"
	}
	limit := f.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	q := `SELECT seq, kind, raw_json FROM records` + where + ` ORDER BY seq ` + order + ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.rdb.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []recording.Entry
	for rows.Next() {
		var (
			seq  int64
			kind string
			raw  string
		)
		if err := rows.Scan(&seq, &kind, &raw); err != nil {
			return nil, err
		}
		rseq, rec, err := records.Unmarshal([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("seq %d: %w", seq, err)
		}
		if rseq != uint64(seq) {
			return nil, fmt.Errorf("seq %d: raw envelope has seq %d", seq, rseq)
		}
		out = append(out, recording.Entry{Seq: uint64(seq), Record: rec})
	}
	return out, rows.Err()
}

// Count returns the number of committed records matching f; Limit and Desc are ignored.
func (s *SQLiteIndex) Count(ctx context.Context, f Filter) (int, error) {
	where, args := f.where()
	var n int
	err := s.rdb.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`+where, args...).Scan(&n)
	return n, err
}

// ReadRecords pages forward from a sequence cursor.
func (s *SQLiteIndex) ReadRecords(ctx context.Context, afterSeq uint64, actor string, limit int) ([]recording.Entry, error) {
	return s.Query(ctx, Filter{Actor: actor, AfterSeq: afterSeq, Limit: limit})
}
