package r2s3

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	persistlog "worldaudit.ai/internal/persistence/log"
	"worldaudit.ai/internal/recording"
)

type MirrorConfig struct {
	// DataDir is the root object keys are made relative to.
	DataDir       string
	Prefix        string
	Workers       int
	QueueCapacity int
	EnqueueWait   time.Duration
	Logger        *log.Logger
}

type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	EnqueuedTotal       uint64
	QueueSaturatedTotal uint64
	DroppedTotal        uint64
	UploadSuccessTotal  uint64
	UploadFailTotal     uint64
	LastSuccessUnix     int64
	LastErrorUnix       int64
}

type uploader interface {
	PutFile(ctx context.Context, objectKey, localPath string, meta map[string]string) error
}

// Mirror copies closed record segments off the box. Enqueue is called from the record log's
// rotate hook, so it waits at most EnqueueWait before dropping; uploads run on Workers goroutines.
type Mirror struct {
	client  uploader
	cfg     MirrorConfig
	sleep   func(time.Duration)
	jobs    chan string
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool

	enqueuedTotal       atomic.Uint64
	queueSaturatedTotal atomic.Uint64
	droppedTotal        atomic.Uint64
	uploadSuccessTotal  atomic.Uint64
	uploadFailTotal     atomic.Uint64
	lastSuccessUnix     atomic.Int64
	lastErrorUnix       atomic.Int64
}

func NewMirror(client *Client, cfg MirrorConfig) *Mirror {
	return newMirror(client, cfg, time.Sleep)
}

func newMirror(client uploader, cfg MirrorConfig, sleep func(time.Duration)) *Mirror {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 2048
	}
	if cfg.EnqueueWait <= 0 {
		cfg.EnqueueWait = 25 * time.Millisecond
	}
	cfg.Prefix = strings.Trim(strings.ReplaceAll(cfg.Prefix, "\\", "/"), "/")
	m := &Mirror{
		client: client,
		cfg:    cfg,
		sleep:  sleep,
		jobs:   make(chan string, cfg.QueueCapacity),
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for localPath := range m.jobs {
				m.uploadOne(localPath)
			}
		}()
	}
	return m
}

func (m *Mirror) Enqueue(localPath string) {
	if m == nil {
		return
	}
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return
	}
	m.enqueuedTotal.Add(1)

	select {
	case m.jobs <- localPath:
		return
	default:
	}

	m.queueSaturatedTotal.Add(1)
	timer := time.NewTimer(m.cfg.EnqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- localPath:
	case <-timer.C:
		dropped := m.droppedTotal.Add(1)
		m.printf("r2 mirror drop local=%s reason=queue_saturated wait_ms=%d dropped_total=%d",
			localPath, m.cfg.EnqueueWait.Milliseconds(), dropped)
	}
}

// Close waits for queued uploads to finish.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		return
	}
	m.closed = true
	close(m.jobs)
	m.closeMu.Unlock()
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(m.jobs),
		QueueCapacity:       cap(m.jobs),
		EnqueuedTotal:       m.enqueuedTotal.Load(),
		QueueSaturatedTotal: m.queueSaturatedTotal.Load(),
		DroppedTotal:        m.droppedTotal.Load(),
		UploadSuccessTotal:  m.uploadSuccessTotal.Load(),
		UploadFailTotal:     m.uploadFailTotal.Load(),
		LastSuccessUnix:     m.lastSuccessUnix.Load(),
		LastErrorUnix:       m.lastErrorUnix.Load(),
	}
}

func (m *Mirror) uploadOne(localPath string) {
	key, err := m.objectKey(localPath)
	if err != nil {
		m.uploadFailTotal.Add(1)
		m.printf("r2 mirror skip local=%s err=%v", localPath, err)
		return
	}
	meta, err := segmentMeta(localPath)
	if err != nil {
		m.printf("r2 mirror segment scan local=%s err=%v", localPath, err)
	}

	if err := m.uploadWithRetry(key, localPath, meta); err != nil {
		m.uploadFailTotal.Add(1)
		m.lastErrorUnix.Store(time.Now().UTC().Unix())
		m.printf("r2 mirror upload failed key=%s local=%s err=%v", key, localPath, err)
		return
	}
	m.uploadSuccessTotal.Add(1)
	m.lastSuccessUnix.Store(time.Now().UTC().Unix())
	m.printf("r2 mirror uploaded key=%s records=%s seq=%s..%s", key, meta["records"], meta["first-seq"], meta["last-seq"])
}

func (m *Mirror) uploadWithRetry(key, localPath string, meta map[string]string) error {
	const maxAttempts = 4
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := m.client.PutFile(ctx, key, localPath, meta)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < maxAttempts {
			m.sleep(time.Duration(attempt*attempt) * 200 * time.Millisecond)
		}
	}
	return lastErr
}

// segmentMeta summarizes a segment's sequence range for the object metadata. A truncated
// segment is described up to its last complete entry.
func segmentMeta(localPath string) (map[string]string, error) {
	var n int
	var first, last uint64
	_, err := persistlog.ReadSegment(localPath, func(e recording.Entry) bool {
		if n == 0 {
			first = e.Seq
		}
		last = e.Seq
		n++
		return true
	})
	meta := map[string]string{
		"records":   strconv.Itoa(n),
		"first-seq": strconv.FormatUint(first, 10),
		"last-seq":  strconv.FormatUint(last, 10),
	}
	if errors.Is(err, persistlog.ErrTruncatedSegment) {
		meta["truncated"] = "true"
		err = nil
	}
	return meta, err
}

func (m *Mirror) objectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty local path")
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	absBase, err := filepath.Abs(m.cfg.DataDir)
	if err != nil {
		return "", err
	}
	absLocal, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absBase, absLocal)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is outside data dir %s", absLocal, absBase)
	}
	if m.cfg.Prefix != "" {
		return path.Join(m.cfg.Prefix, rel), nil
	}
	return rel, nil
}

func (m *Mirror) printf(format string, args ...any) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Printf(format, args...)
	}
}
