package log

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"worldaudit.ai/internal/recording"
	"worldaudit.ai/internal/records"
)

// ErrTruncatedSegment marks a segment whose writer stopped without closing it. Every entry
// before the cut is still readable.
var ErrTruncatedSegment = errors.New("truncated segment")

type segmentName struct {
	name string
	seg  string
	part int
}

func parseSegmentName(name string) (segmentName, bool) {
	if !strings.HasPrefix(name, "records-") || !strings.HasSuffix(name, ".jsonl.zst") {
		return segmentName{}, false
	}
	seg := strings.TrimSuffix(strings.TrimPrefix(name, "records-"), ".jsonl.zst")
	part := 0
	if i := strings.LastIndexByte(seg, '.'); i >= 0 {
		n, err := strconv.Atoi(seg[i+1:])
		if err != nil || n <= 0 {
			return segmentName{}, false
		}
		seg, part = seg[:i], n
	}
	return segmentName{name: name, seg: seg, part: part}, true
}

// ListSegments returns record segment paths in dir, oldest first.
func ListSegments(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	segs := make([]segmentName, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		if sn, ok := parseSegmentName(e.Name()); ok {
			segs = append(segs, sn)
		}
	}
	// Segment names embed a zero-padded UTC timestamp, so lexical order is chronological;
	// parts of one segment follow in writer-start order.
	sort.Slice(segs, func(i, j int) bool {
		if segs[i].seg != segs[j].seg {
			return segs[i].seg < segs[j].seg
		}
		return segs[i].part < segs[j].part
	})
	out := make([]string, 0, len(segs))
	for _, sn := range segs {
		out = append(out, filepath.Join(dir, sn.name))
	}
	return out, nil
}

// ReadSegment calls fn for every entry in one segment. Returning false from fn stops the scan.
// A segment cut short by a crash returns ErrTruncatedSegment after its complete entries; a
// partial last line is dropped.
func ReadSegment(path string, fn func(recording.Entry) bool) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return false, err
	}
	defer dec.Close()

	name := filepath.Base(path)
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	var bad error
	for sc.Scan() {
		if bad != nil {
			return false, bad
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		seq, rec, err := records.Unmarshal(line)
		if err != nil {
			// Only fatal if more data follows; the scanner hands over a cut-off tail as a last line.
			bad = fmt.Errorf("%s: %w", name, err)
			continue
		}
		if !fn(recording.Entry{Seq: seq, Record: rec}) {
			return false, nil
		}
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return true, fmt.Errorf("%s: %w", name, ErrTruncatedSegment)
		}
		return false, fmt.Errorf("%s: %w", name, err)
	}
	if bad != nil {
		return false, bad
	}
	return true, nil
}

// ReadDir streams every entry under dir in write order. Truncated segments are read up to the
// cut and the scan moves on to the next one.
func ReadDir(dir string, fn func(recording.Entry) bool) error {
	paths, err := ListSegments(dir)
	if err != nil {
		return err
	}
	for _, p := range paths {
		more, err := ReadSegment(p, fn)
		if err != nil && !errors.Is(err, ErrTruncatedSegment) {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// LastSeq returns the highest sequence number in the newest non-empty segment under dir, or 0 when
// there is none. A truncated segment counts up to its last complete entry.
func LastSeq(dir string) (uint64, error) {
	paths, err := ListSegments(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	for i := len(paths) - 1; i >= 0; i-- {
		var last uint64
		_, err := ReadSegment(paths[i], func(e recording.Entry) bool {
			last = max(last, e.Seq)
			return true
		})
		if err != nil && !errors.Is(err, ErrTruncatedSegment) {
			return last, err
		}
		if last > 0 {
			return last, nil
		}
	}
	return 0, nil
}
