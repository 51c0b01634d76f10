package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"worldaudit.ai/internal/protocol"
	"worldaudit.ai/internal/recording"
	"worldaudit.ai/internal/records"
)

type memQueue struct {
	mu   sync.Mutex
	recs []records.Record
	err  error
}

func (q *memQueue) Submit(r records.Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.recs = append(q.recs, r)
	return nil
}

func (q *memQueue) snapshot() []records.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]records.Record(nil), q.recs...)
}

type fakeReader struct {
	entries []recording.Entry
}

func (f fakeReader) ReadRecords(_ context.Context, afterSeq uint64, actor string, limit int) ([]recording.Entry, error) {
	var out []recording.Entry
	for _, e := range f.entries {
		if e.Seq <= afterSeq {
			continue
		}
		if actor != "" && e.Record.Actor().ID() != actor {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func startServer(t *testing.T, q records.Queue, reader RecordReader, cfg Config) string {
	t.Helper()
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	srv := NewServer(q, reader, v, cfg, nil)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeMsg(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readMsg(t *testing.T, conn *websocket.Conn, v any) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	base, err := protocol.DecodeBase(b)
	if err != nil {
		t.Fatalf("decode base: %v", err)
	}
	if v != nil {
		if err := json.Unmarshal(b, v); err != nil {
			t.Fatalf("decode %s: %v", base.Type, err)
		}
	}
	return base.Type
}

func hello(t *testing.T, conn *websocket.Conn, token string) protocol.WelcomeMsg {
	t.Helper()
	msg := protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Producer: "test-server"}
	if token != "" {
		msg.Auth = &protocol.HelloAuth{Token: token}
	}
	writeMsg(t, conn, msg)
	var w protocol.WelcomeMsg
	if typ := readMsg(t, conn, &w); typ != protocol.TypeWelcome {
		t.Fatalf("expected WELCOME, got %s", typ)
	}
	return w
}

func recordMsg(ref, actor string, existing, replacement *protocol.Block) protocol.RecordMsg {
	return protocol.RecordMsg{
		Type:            protocol.TypeRecord,
		ProtocolVersion: protocol.Version,
		Ref:             ref,
		Actor:           protocol.Actor{ID: actor, Kind: "player"},
		Existing:        existing,
		Replacement:     replacement,
	}
}

func TestServer_RecordSubmittedInOrder(t *testing.T) {
	q := &memQueue{}
	url := startServer(t, q, nil, Config{WorldID: "overworld"})
	conn := dial(t, url)

	w := hello(t, conn, "")
	if w.SessionID == "" || w.WorldID != "overworld" {
		t.Fatalf("welcome: %+v", w)
	}

	for i, typ := range []string{"stone", "dirt", "oak_log"} {
		ref := "r" + typ
		writeMsg(t, conn, recordMsg(ref, "player-42", &protocol.Block{Pos: [3]int{10, 64, -3 + i}, Type: typ}, nil))
		var ack protocol.AckMsg
		if got := readMsg(t, conn, &ack); got != protocol.TypeAck {
			t.Fatalf("expected ACK, got %s", got)
		}
		if ack.Ref != ref || ack.Outcome != protocol.OutcomeSubmitted || ack.Code != "" {
			t.Fatalf("ack: %+v", ack)
		}
	}

	recs := q.snapshot()
	if len(recs) != 3 {
		t.Fatalf("records: got %d want 3", len(recs))
	}
	for i, want := range []string{"stone", "dirt", "oak_log"} {
		br, ok := recs[i].(records.BlockEventRecord)
		if !ok {
			t.Fatalf("record %d: %T", i, recs[i])
		}
		if br.Type != records.EventBlockBreak || br.BlockType != want || br.Source.ID() != "player-42" {
			t.Fatalf("record %d: %+v", i, br)
		}
		if br.Pos != (records.Vec3i{X: 10, Y: 64, Z: -3 + i}) {
			t.Fatalf("record %d pos: %v", i, br.Pos)
		}
	}
}

func TestServer_RecordOutcomes(t *testing.T) {
	q := &memQueue{}
	url := startServer(t, q, nil, Config{})
	conn := dial(t, url)
	hello(t, conn, "")

	// Blank actor id passes the schema but not the builder.
	writeMsg(t, conn, recordMsg("blank", "  ", &protocol.Block{Type: "stone"}, nil))
	var ack protocol.AckMsg
	readMsg(t, conn, &ack)
	if ack.Outcome != protocol.OutcomeRejected || ack.Code != protocol.ErrBadRequest {
		t.Fatalf("blank actor ack: %+v", ack)
	}

	// Absent block type.
	writeMsg(t, conn, recordMsg("air", "p1", &protocol.Block{Type: ""}, nil))
	ack = protocol.AckMsg{}
	readMsg(t, conn, &ack)
	if ack.Outcome != protocol.OutcomeRejected || ack.Code != protocol.ErrBadRequest {
		t.Fatalf("absent block ack: %+v", ack)
	}

	// Both slots set does not resolve.
	writeMsg(t, conn, recordMsg("both", "p1", &protocol.Block{Type: "stone"}, &protocol.Block{Type: "dirt"}))
	ack = protocol.AckMsg{}
	readMsg(t, conn, &ack)
	if ack.Outcome != protocol.OutcomeUnresolved || ack.Code != "" {
		t.Fatalf("both slots ack: %+v", ack)
	}

	// No change at all.
	writeMsg(t, conn, recordMsg("none", "p1", nil, nil))
	ack = protocol.AckMsg{}
	readMsg(t, conn, &ack)
	if ack.Outcome != protocol.OutcomeUnresolved {
		t.Fatalf("no change ack: %+v", ack)
	}

	if n := len(q.snapshot()); n != 0 {
		t.Fatalf("expected no submissions, got %d", n)
	}

	q.mu.Lock()
	q.err = recording.ErrQueueFull
	q.mu.Unlock()
	writeMsg(t, conn, recordMsg("full", "p1", &protocol.Block{Type: "stone"}, nil))
	ack = protocol.AckMsg{}
	readMsg(t, conn, &ack)
	if ack.Outcome != protocol.OutcomeDropped || ack.Code != protocol.ErrBusy {
		t.Fatalf("queue full ack: %+v", ack)
	}
}

func TestServer_SchemaErrorKeepsSession(t *testing.T) {
	url := startServer(t, &memQueue{}, nil, Config{})
	conn := dial(t, url)
	hello(t, conn, "")

	writeMsg(t, conn, map[string]any{
		"type":             protocol.TypeRecord,
		"protocol_version": protocol.Version,
		"ref":              "x",
		"actor":            map[string]any{"id": "p1"},
		"extra":            true,
	})
	var e protocol.ErrorMsg
	if typ := readMsg(t, conn, &e); typ != protocol.TypeError || e.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("expected schema error, got %s %+v", typ, e)
	}

	writeMsg(t, conn, recordMsg("ok", "p1", &protocol.Block{Type: "stone"}, nil))
	var ack protocol.AckMsg
	readMsg(t, conn, &ack)
	if ack.Outcome != protocol.OutcomeSubmitted {
		t.Fatalf("ack after error: %+v", ack)
	}
}

func TestServer_HandshakeRejects(t *testing.T) {
	url := startServer(t, &memQueue{}, nil, Config{Token: "s3cret"})

	conn := dial(t, url)
	writeMsg(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.9", Producer: "old"})
	var e protocol.ErrorMsg
	if typ := readMsg(t, conn, &e); typ != protocol.TypeError || e.Code != protocol.ErrProtoVersion {
		t.Fatalf("version: %s %+v", typ, e)
	}

	conn = dial(t, url)
	writeMsg(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Producer: "p"})
	e = protocol.ErrorMsg{}
	if typ := readMsg(t, conn, &e); typ != protocol.TypeError || e.Code != protocol.ErrUnauthorized {
		t.Fatalf("token: %s %+v", typ, e)
	}

	conn = dial(t, url)
	hello(t, conn, "s3cret")
}

func TestServer_RecordsReq(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var entries []recording.Entry
	for i := 1; i <= 5; i++ {
		actor := "alice"
		if i%2 == 0 {
			actor = "bob"
		}
		entries = append(entries, recording.Entry{
			Seq: uint64(i),
			Record: records.BlockEventRecord{
				ID:        "rec-" + actor,
				Type:      records.EventBlockBreak,
				Source:    records.NewEventSource(records.Player(actor)),
				Time:      at,
				Pos:       records.Vec3i{X: i},
				BlockType: "stone",
			},
		})
	}
	url := startServer(t, &memQueue{}, fakeReader{entries: entries}, Config{})
	conn := dial(t, url)
	hello(t, conn, "")

	writeMsg(t, conn, protocol.RecordsReqMsg{
		Type:            protocol.TypeRecordsReq,
		ProtocolVersion: protocol.Version,
		ReqID:           "q1",
		SinceCursor:     1,
		Limit:           10,
		Actor:           "alice",
	})
	var batch protocol.RecordsBatchMsg
	if typ := readMsg(t, conn, &batch); typ != protocol.TypeRecordsBatch {
		t.Fatalf("expected RECORDS_BATCH, got %s", typ)
	}
	if batch.ReqID != "q1" || len(batch.Records) != 2 || batch.NextCursor != 5 {
		t.Fatalf("batch: %+v", batch)
	}
	if batch.Records[0].Cursor != 3 || batch.Records[0].Kind != records.KindBlock {
		t.Fatalf("first item: %+v", batch.Records[0])
	}
	_, rec, err := records.Unmarshal(mustEnvelope(t, batch.Records[0]))
	if err != nil {
		t.Fatalf("decode item: %v", err)
	}
	if rec.Actor().ID() != "alice" {
		t.Fatalf("item actor: %s", rec.Actor().ID())
	}
}

func TestServer_RecordsReqWithoutIndex(t *testing.T) {
	url := startServer(t, &memQueue{}, nil, Config{})
	conn := dial(t, url)
	hello(t, conn, "")
	writeMsg(t, conn, protocol.RecordsReqMsg{Type: protocol.TypeRecordsReq, ProtocolVersion: protocol.Version, ReqID: "q"})
	var e protocol.ErrorMsg
	if typ := readMsg(t, conn, &e); typ != protocol.TypeError || e.Code != protocol.ErrUnavailable {
		t.Fatalf("expected E_UNAVAILABLE, got %s %+v", typ, e)
	}
}

func mustEnvelope(t *testing.T, it protocol.RecordsBatchItem) []byte {
	t.Helper()
	b, err := json.Marshal(records.Envelope{Seq: it.Cursor, Kind: it.Kind, Record: it.Record})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return b
}
