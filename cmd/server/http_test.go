package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"worldaudit.ai/internal/config"
	"worldaudit.ai/internal/persistence/indexdb"
	"worldaudit.ai/internal/protocol"
	"worldaudit.ai/internal/recording"
	"worldaudit.ai/internal/records"
)

func newTestMux(t *testing.T) (*http.ServeMux, *recording.Queue) {
	t.Helper()
	idx, err := indexdb.OpenSQLite(filepath.Join(t.TempDir(), "records.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	q := recording.New(recording.Config{Capacity: 64, FlushEvery: 1}, idx)
	t.Cleanup(func() { _ = q.Close() })

	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	cfg := config.Defaults()
	cfg.WorldID = "overworld"
	mux := buildMux(muxDeps{
		cfg:       cfg,
		queue:     q,
		index:     runtimeIndex{sqlite: idx},
		validator: v,
		builderOpts: []records.Option{
			records.WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }),
		},
		logger: log.New(io.Discard, "", 0),
	})

	for i, typ := range []string{"stone", "dirt", "tnt"} {
		b, err := records.NewBuilder(q).Actor(records.Player("griefer"))
		if err != nil {
			t.Fatalf("Actor: %v", err)
		}
		if b, err = b.BlockChange(records.BlockSnapshot{Pos: records.Vec3i{X: i, Y: 64}, Type: typ}, records.Removal); err != nil {
			t.Fatalf("BlockChange: %v", err)
		}
		if _, err := b.Submit(); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	deadline := time.Now().Add(3 * time.Second)
	for idx.Stats().CommitTotal < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("records not committed: %+v", idx.Stats())
		}
		time.Sleep(10 * time.Millisecond)
	}
	return mux, q
}

func serve(mux http.Handler, method, target, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestBuildMux_AdminRecordsLoopbackOnly(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := serve(mux, http.MethodGet, "/admin/v1/records", "8.8.8.8:1234")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-loopback, got %d", rec.Code)
	}

	rec = serve(mux, http.MethodGet, "/admin/v1/records?actor=griefer&aabb=0,0,0:1,100,0&desc=true", "127.0.0.1:1234")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		WorldID string             `json:"world_id"`
		Records []records.Envelope `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.WorldID != "overworld" || len(body.Records) != 2 || body.Records[0].Seq != 2 {
		t.Fatalf("unexpected body: %+v", body)
	}

	rec = serve(mux, http.MethodGet, "/admin/v1/records?aabb=1,2", "127.0.0.1:1234")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad aabb, got %d", rec.Code)
	}
}

func TestBuildMux_AdminPlan(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := serve(mux, http.MethodGet, "/admin/v1/plan?mode=rollback", "127.0.0.1:1")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without aabb, got %d", rec.Code)
	}
	rec = serve(mux, http.MethodGet, "/admin/v1/plan?mode=rollback&aabb=0,0,0:10,100,0", "127.0.0.1:1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Mode   string `json:"mode"`
		Writes []struct {
			Seq   uint64 `json:"seq"`
			Block string `json:"block"`
		} `json:"writes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Mode != "rollback" || len(body.Writes) != 3 || body.Writes[0].Seq != 3 || body.Writes[0].Block != "tnt" {
		t.Fatalf("unexpected plan: %+v", body)
	}
}

func TestBuildMux_HealthAndMetrics(t *testing.T) {
	mux, _ := newTestMux(t)

	if rec := serve(mux, http.MethodGet, "/healthz", "10.0.0.1:1"); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}
	rec := serve(mux, http.MethodGet, "/metrics", "10.0.0.1:1")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	out := rec.Body.String()
	for _, want := range []string{
		`worldaudit_last_seq{world="overworld"} 3`,
		`worldaudit_index_sqlite_events_total{event="inserted",world="overworld"} 3`,
		"worldaudit_records_unresolved_total",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics missing %q:\n%s", want, out)
		}
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:80": true,
		"[::1]:80":     true,
		"8.8.8.8:80":   false,
		"garbage":      false,
	} {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v want %v", addr, got, want)
		}
	}
}
