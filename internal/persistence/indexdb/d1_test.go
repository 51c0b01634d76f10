package indexdb

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"worldaudit.ai/internal/recording"
	"worldaudit.ai/internal/records"
)

func testEntry(seq uint64, actor string, pos records.Vec3i, blockType string, at time.Time) recording.Entry {
	return recording.Entry{
		Seq: seq,
		Record: records.BlockEventRecord{
			ID:        fmt.Sprintf("rec-%s-%d", actor, seq),
			Type:      records.EventBlockBreak,
			Source:    records.NewEventSource(records.Player(actor)),
			Time:      at,
			Pos:       pos,
			BlockType: blockType,
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestD1Index_RetainsBatchOnFlushFailure(t *testing.T) {
	var mu sync.Mutex
	reqCount := 0
	var applied []d1Event

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		reqCount++
		thisReq := reqCount
		mu.Unlock()

		if thisReq <= 3 {
			http.Error(w, "temporary failure", http.StatusInternalServerError)
			return
		}
		if r.Header.Get("x-wa-index-token") != "secret" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}

		var body struct {
			Events []d1Event `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		mu.Lock()
		applied = append(applied, body.Events...)
		mu.Unlock()

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	idx, err := openD1(D1Config{
		Endpoint:      srv.URL,
		Token:         "secret",
		WorldID:       "world_1",
		BatchSize:     1,
		FlushInterval: 10 * time.Millisecond,
		HTTPTimeout:   2 * time.Second,
	}, func(time.Duration) {})
	if err != nil {
		t.Fatalf("OpenD1: %v", err)
	}
	defer idx.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := idx.WriteEntry(testEntry(1, "p1", records.Vec3i{X: 1}, "stone", at)); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	waitFor(t, "retried send", func() bool { return idx.Stats().SentTotal == 1 })

	mu.Lock()
	defer mu.Unlock()
	if len(applied) != 1 {
		t.Fatalf("applied=%d want=1", len(applied))
	}
	ev := applied[0]
	if ev.Kind != "record" || ev.WorldID != "world_1" || ev.Payload.Seq != 1 || ev.Payload.Kind != records.KindBlock {
		t.Fatalf("unexpected event: %+v", ev)
	}
	st := idx.Stats()
	if st.Pending != 0 || st.FlushFailTotal != 1 || st.QueueDroppedTotal != 0 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestD1Index_DropsOldestPastMaxPending(t *testing.T) {
	var up atomic.Bool
	var mu sync.Mutex
	var seqs []uint64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		var body struct {
			Events []d1Event `json:"events"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		for _, ev := range body.Events {
			seqs = append(seqs, ev.Payload.Seq)
		}
		mu.Unlock()
	}))
	defer srv.Close()

	idx, err := openD1(D1Config{
		Endpoint:      srv.URL,
		WorldID:       "w",
		BatchSize:     100,
		MaxPending:    2,
		FlushInterval: time.Hour,
	}, func(time.Duration) {})
	if err != nil {
		t.Fatalf("OpenD1: %v", err)
	}
	defer idx.Close()
	at := time.Now().UTC()
	for seq := uint64(1); seq <= 3; seq++ {
		if err := idx.WriteEntry(testEntry(seq, "p1", records.Vec3i{}, "stone", at)); err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
	}
	waitFor(t, "drop", func() bool {
		st := idx.Stats()
		return st.Pending == 2 && st.QueueDroppedTotal == 1
	})

	up.Store(true)
	_ = idx.Flush()
	waitFor(t, "send", func() bool { return idx.Stats().SentTotal == 2 })
	mu.Lock()
	defer mu.Unlock()
	if len(seqs) != 2 || seqs[0] != 2 || seqs[1] != 3 {
		t.Fatalf("sent seqs=%v want [2 3]", seqs)
	}
}

type logSink struct {
	mu      sync.Mutex
	entries []recording.Entry
}

func (s *logSink) WriteEntry(e recording.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *logSink) Flush() error { return nil }

func (s *logSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func TestD1Index_OutageDoesNotStallQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d1, err := OpenD1(D1Config{Endpoint: srv.URL, WorldID: "w", BatchSize: 1})
	if err != nil {
		t.Fatalf("OpenD1: %v", err)
	}
	logs := &logSink{}
	q := recording.New(recording.Config{
		Capacity:      8,
		EnqueueWait:   10 * time.Millisecond,
		FlushEvery:    1,
		FlushInterval: 10 * time.Millisecond,
	}, logs, d1)

	const n = 50
	for i := 0; i < n; i++ {
		b, err := records.NewBuilder(q).Actor(records.Player("p1"))
		if err != nil {
			t.Fatalf("Actor: %v", err)
		}
		b, err = b.BlockChange(records.BlockSnapshot{Pos: records.Vec3i{X: i}, Type: "stone"}, records.Removal)
		if err != nil {
			t.Fatalf("BlockChange: %v", err)
		}
		if _, err := b.Submit(); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	waitFor(t, "log sink", func() bool { return logs.len() == n })
	if st := q.Stats(); st.DroppedTotal != 0 || st.WrittenTotal != n {
		t.Fatalf("queue stats: %+v", st)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if st := d1.Stats(); st.SentTotal != 0 || st.FlushFailTotal == 0 {
		t.Fatalf("d1 stats: %+v", st)
	}
}

func TestOpenD1_Validates(t *testing.T) {
	if _, err := OpenD1(D1Config{WorldID: "w"}); err == nil {
		t.Fatalf("expected endpoint error")
	}
	if _, err := OpenD1(D1Config{Endpoint: "http://x"}); err == nil {
		t.Fatalf("expected world id error")
	}
}
