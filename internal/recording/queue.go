package recording

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"worldaudit.ai/internal/records"
)

var (
	ErrQueueFull   = errors.New("recording: queue full")
	ErrQueueClosed = errors.New("recording: queue closed")
)

// Entry is a record with its queue-assigned sequence number.
type Entry struct {
	Seq    uint64
	Record records.Record
}

// Sink persists entries. The queue calls a sink from a single goroutine, in sequence order.
type Sink interface {
	WriteEntry(e Entry) error
	Flush() error
}

type Config struct {
	Capacity      int
	EnqueueWait   time.Duration
	FlushEvery    int
	FlushInterval time.Duration
	StartSeq      uint64
	Logger        *log.Logger
}

type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	EnqueuedTotal       uint64
	QueueSaturatedTotal uint64
	DroppedTotal        uint64
	WrittenTotal        uint64
	SinkErrorTotal      uint64
	FlushTotal          uint64
	UnresolvedTotal     uint64
	LastSeq             uint64
}

// Queue is the recording queue: Submit never waits for persistence, and a single dispatcher
// writes entries to every sink in submission order.
type Queue struct {
	cfg   Config
	sinks []Sink

	mu     sync.RWMutex
	closed bool
	ch     chan records.Record
	wg     sync.WaitGroup
	once   sync.Once

	enqueuedTotal       atomic.Uint64
	queueSaturatedTotal atomic.Uint64
	droppedTotal        atomic.Uint64
	writtenTotal        atomic.Uint64
	sinkErrorTotal      atomic.Uint64
	flushTotal          atomic.Uint64
	unresolvedTotal     atomic.Uint64
	lastSeq             atomic.Uint64
}

func New(cfg Config, sinks ...Sink) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 65536
	}
	if cfg.EnqueueWait < 0 {
		cfg.EnqueueWait = 0
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 2000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	q := &Queue{
		cfg:   cfg,
		sinks: sinks,
		ch:    make(chan records.Record, cfg.Capacity),
	}
	q.lastSeq.Store(cfg.StartSeq)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.loop()
	}()
	return q
}

func (q *Queue) Submit(rec records.Record) error {
	if rec == nil {
		return fmt.Errorf("recording: nil record")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.enqueuedTotal.Add(1)

	select {
	case q.ch <- rec:
		return nil
	default:
	}

	q.queueSaturatedTotal.Add(1)
	if q.cfg.EnqueueWait > 0 {
		timer := time.NewTimer(q.cfg.EnqueueWait)
		defer timer.Stop()
		select {
		case q.ch <- rec:
			return nil
		case <-timer.C:
		}
	}
	dropped := q.droppedTotal.Add(1)
	q.printf("queue drop id=%s type=%s reason=queue_saturated wait_ms=%d dropped_total=%d",
		rec.RecordID(), rec.EventType(), q.cfg.EnqueueWait.Milliseconds(), dropped)
	return ErrQueueFull
}

// RecordUnresolved counts builder sessions that ended without a record.
func (q *Queue) RecordUnresolved(reason error) {
	q.unresolvedTotal.Add(1)
}

// Close stops accepting records, drains the backlog into the sinks, flushes them and closes
// the ones that implement io.Closer.
func (q *Queue) Close() error {
	var err error
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.ch)
		q.mu.Unlock()
		q.wg.Wait()

		for _, s := range q.sinks {
			c, ok := s.(io.Closer)
			if !ok {
				continue
			}
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

func (q *Queue) Stats() Stats {
	return Stats{
		QueueDepth:          len(q.ch),
		QueueCapacity:       cap(q.ch),
		EnqueuedTotal:       q.enqueuedTotal.Load(),
		QueueSaturatedTotal: q.queueSaturatedTotal.Load(),
		DroppedTotal:        q.droppedTotal.Load(),
		WrittenTotal:        q.writtenTotal.Load(),
		SinkErrorTotal:      q.sinkErrorTotal.Load(),
		FlushTotal:          q.flushTotal.Load(),
		UnresolvedTotal:     q.unresolvedTotal.Load(),
		LastSeq:             q.lastSeq.Load(),
	}
}

func (q *Queue) loop() {
	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	seq := q.cfg.StartSeq
	pending := 0
	flush := func() {
		if pending == 0 {
			return
		}
		for _, s := range q.sinks {
			if err := s.Flush(); err != nil {
				q.sinkErrorTotal.Add(1)
				q.printf("queue flush failed sink=%T err=%v", s, err)
			}
		}
		q.flushTotal.Add(1)
		pending = 0
	}

	for {
		select {
		case rec, ok := <-q.ch:
			if !ok {
				flush()
				return
			}
			seq++
			e := Entry{Seq: seq, Record: rec}
			for _, s := range q.sinks {
				if err := s.WriteEntry(e); err != nil {
					q.sinkErrorTotal.Add(1)
					q.printf("queue write failed sink=%T seq=%d id=%s err=%v", s, seq, rec.RecordID(), err)
				}
			}
			q.lastSeq.Store(seq)
			q.writtenTotal.Add(1)
			pending++
			if pending >= q.cfg.FlushEvery {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (q *Queue) printf(format string, args ...any) {
	if q.cfg.Logger != nil {
		q.cfg.Logger.Printf(format, args...)
	}
}
