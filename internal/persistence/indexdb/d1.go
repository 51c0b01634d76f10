package indexdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"worldaudit.ai/internal/recording"
	"worldaudit.ai/internal/records"
)

type D1Config struct {
	Endpoint      string
	Token         string
	WorldID       string
	BatchSize     int
	MaxPending    int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	Logger        *log.Logger
}

// D1Index ships entries to a remote HTTP ingest endpoint in batches from its own goroutine.
// WriteEntry only enqueues. A batch that fails to send is retained and retried on the next
// tick; past MaxPending the oldest entries are dropped, the record log still has them.
type D1Index struct {
	cfg        D1Config
	httpClient *http.Client
	sleep      func(time.Duration)

	ch      chan d1Event
	flushCh chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool

	// held by the sender loop, counted in Stats
	heldN atomic.Int64

	sentTotal         atomic.Uint64
	flushFailTotal    atomic.Uint64
	queueDroppedTotal atomic.Uint64
}

type D1Stats struct {
	Pending           int
	SentTotal         uint64
	FlushFailTotal    uint64
	QueueDroppedTotal uint64
}

type d1Event struct {
	Kind    string           `json:"kind"`
	WorldID string           `json:"world_id"`
	Payload records.Envelope `json:"payload"`
}

func OpenD1(cfg D1Config) (*D1Index, error) {
	return openD1(cfg, time.Sleep)
}

func openD1(cfg D1Config, sleep func(time.Duration)) (*D1Index, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.WorldID = strings.TrimSpace(cfg.WorldID)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty d1 ingest endpoint")
	}
	if cfg.WorldID == "" {
		return nil, fmt.Errorf("empty world id")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 32768
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	d := &D1Index{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		sleep:   sleep,
		ch:      make(chan d1Event, cfg.MaxPending),
		flushCh: make(chan struct{}, 1),
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()

	return d, nil
}

func (d *D1Index) WriteEntry(e recording.Entry) error {
	env, err := records.Encode(e.Seq, e.Record)
	if err != nil {
		return err
	}
	d.enqueue(d1Event{Kind: "record", WorldID: d.cfg.WorldID, Payload: env})
	return nil
}

// Flush asks the sender to ship what it holds without waiting for the result.
func (d *D1Index) Flush() error {
	select {
	case d.flushCh <- struct{}{}:
	default:
	}
	return nil
}

// Close stops the sender after one last attempt at the held entries.
func (d *D1Index) Close() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.ch)
		d.mu.Unlock()
		d.wg.Wait()
	})
	return nil
}

func (d *D1Index) Stats() D1Stats {
	return D1Stats{
		Pending:           len(d.ch) + int(d.heldN.Load()),
		SentTotal:         d.sentTotal.Load(),
		FlushFailTotal:    d.flushFailTotal.Load(),
		QueueDroppedTotal: d.queueDroppedTotal.Load(),
	}
}

func (d *D1Index) enqueue(ev d1Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for {
		select {
		case d.ch <- ev:
			return
		default:
		}
		select {
		case old := <-d.ch:
			d.dropped(old)
		default:
		}
	}
}

func (d *D1Index) dropped(ev d1Event) {
	n := d.queueDroppedTotal.Add(1)
	d.printf("d1 index backlog full; drop seq=%d dropped_total=%d", ev.Payload.Seq, n)
}

func (d *D1Index) loop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	var held []d1Event
	backoff := false
	hold := func(ev d1Event) {
		if len(held) >= d.cfg.MaxPending {
			d.dropped(held[0])
			held = held[1:]
		}
		held = append(held, ev)
		d.heldN.Store(int64(len(held)))
	}
	// flush sends held entries in BatchSize chunks and stops at the first failure.
	flush := func() {
		for len(held) > 0 {
			n := min(len(held), d.cfg.BatchSize)
			if err := d.sendBatch(held[:n]); err != nil {
				d.flushFailTotal.Add(1)
				d.printf("d1 index flush failed batch=%d pending=%d err=%v", n, len(held), err)
				backoff = true
				return
			}
			d.sentTotal.Add(uint64(n))
			held = append(held[:0], held[n:]...)
			d.heldN.Store(int64(len(held)))
		}
		backoff = false
	}

	for {
		select {
		case ev, ok := <-d.ch:
			if !ok {
				flush()
				return
			}
			hold(ev)
			if len(held) >= d.cfg.BatchSize && !backoff {
				flush()
			}
		case <-d.flushCh:
			flush()
		case <-ticker.C:
			flush()
		}
	}
}

func (d *D1Index) sendBatch(events []d1Event) error {
	if len(events) == 0 {
		return nil
	}

	body := struct {
		Events []d1Event `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequest(http.MethodPost, d.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if d.cfg.Token != "" {
			req.Header.Set("x-wa-index-token", d.cfg.Token)
		}

		resp, err := d.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		lastErr = err
		d.sleep(time.Duration(100*(1<<attempt)) * time.Millisecond)
	}
	return lastErr
}

func (d *D1Index) printf(format string, args ...any) {
	if d != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}
