package log

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"worldaudit.ai/internal/recording"
	"worldaudit.ai/internal/records"
)

const (
	HourLayout   = "2006-01-02-15"
	MinuteLayout = "2006-01-02-15-04"
)

// JSONLZstdWriter appends JSON lines to zstd-compressed segments rotated on a time layout.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	layout  string
	now     func() time.Time

	// OnRotate is called with the path of each segment after it is closed, including the last
	// one on Close.
	OnRotate func(path string)

	mu      sync.Mutex
	curSeg  string
	curPath string
	f       *os.File
	enc    *zstd.Encoder
	w      *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix, layout string) *JSONLZstdWriter {
	if layout == "" {
		layout = HourLayout
	}
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		layout:  layout,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.closeLocked()
	w.reportLocked()
	return err
}

// WriteLine appends one line. Data reaches the file on Flush, rotation or Close.
func (w *JSONLZstdWriter) WriteLine(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	seg := w.now().UTC().Format(w.layout)
	if seg != w.curSeg || w.w == nil {
		if err := w.rotateLocked(seg); err != nil {
			return err
		}
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

func (w *JSONLZstdWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return nil
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

// rotateLocked closes the current segment and starts a new file for seg. An existing file is
// never appended to: a writer that died without Close leaves an unterminated zstd frame, so
// each start gets its own part.
func (w *JSONLZstdWriter) rotateLocked(seg string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	w.reportLocked()
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	var (
		f    *os.File
		path string
		err  error
	)
	for part := 0; ; part++ {
		path = w.pathForSegment(seg, part)
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return err
		}
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curSeg = seg
	w.curPath = path
	return nil
}

func (w *JSONLZstdWriter) reportLocked() {
	prev := w.curPath
	w.curPath = ""
	if prev != "" && w.OnRotate != nil {
		w.OnRotate(prev)
	}
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

// pathForSegment names part 0 <prefix>-<seg>.jsonl.zst and later parts <prefix>-<seg>.<n>.jsonl.zst.
func (w *JSONLZstdWriter) pathForSegment(seg string, part int) string {
	if part == 0 {
		return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, seg))
	}
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.%d.jsonl.zst", w.prefix, seg, part))
}

// RecordLogger is the append-only source of truth for recorded events.
type RecordLogger struct{ w *JSONLZstdWriter }

func RecordsDir(worldDir string) string { return filepath.Join(worldDir, "records") }

func NewRecordLogger(worldDir, layout string) *RecordLogger {
	return &RecordLogger{w: NewJSONLZstdWriter(RecordsDir(worldDir), "records", layout)}
}

// OnRotate registers a callback for closed segments.
func (l *RecordLogger) OnRotate(fn func(path string)) { l.w.OnRotate = fn }

func (l *RecordLogger) WriteEntry(e recording.Entry) error {
	b, err := records.Marshal(e.Seq, e.Record)
	if err != nil {
		return err
	}
	return l.w.WriteLine(b)
}

func (l *RecordLogger) Flush() error { return l.w.Flush() }
func (l *RecordLogger) Close() error { return l.w.Close() }
