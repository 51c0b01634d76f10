package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "recorder.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	return p
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Index.Backend != BackendSQLite || cfg.Log.Rotate != RotateHour || cfg.Queue.Capacity != 65536 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Queue.FlushInterval() != 2*time.Second || cfg.Queue.EnqueueWait() != 5*time.Millisecond {
		t.Fatalf("durations: %v %v", cfg.Queue.FlushInterval(), cfg.Queue.EnqueueWait())
	}
}

func TestLoad_OverridesMergeOverDefaults(t *testing.T) {
	p := writeYAML(t, `
world_id: overworld
queue:
  capacity: 128
log:
  rotate: Minute
index:
  backend: OFF
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorldID != "overworld" || cfg.Queue.Capacity != 128 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Queue.FlushEvery != 2000 {
		t.Fatalf("unset field lost its default: flush_every=%d", cfg.Queue.FlushEvery)
	}
	if cfg.Log.Rotate != RotateMinute || cfg.Index.Backend != BackendNone {
		t.Fatalf("normalize: rotate=%q backend=%q", cfg.Log.Rotate, cfg.Index.Backend)
	}
}

func TestLoad_Invalid(t *testing.T) {
	if _, err := Load(writeYAML(t, "queue: [\n")); err == nil || !strings.Contains(err.Error(), "recorder.yaml") {
		t.Fatalf("malformed: error should name the file: %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !os.IsNotExist(err) {
		t.Fatalf("missing file: %v", err)
	}
}

func TestValidate_Invalid(t *testing.T) {
	cases := map[string]string{
		"capacity": "queue:\n  capacity: 0\n",
		"rotate":   "log:\n  rotate: daily\n",
		"backend":  "index:\n  backend: postgres\n",
		"d1":       "index:\n  backend: d1\n",
		"world":    "world_id: a/b\n",
		"mirror":   "mirror:\n  enabled: true\n  bucket: audit\n",
	}
	for name, body := range cases {
		cfg, err := Load(writeYAML(t, body))
		if err != nil {
			t.Fatalf("%s: load: %v", name, err)
		}
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoad_D1EndpointFromEnv(t *testing.T) {
	cfg, err := Load(writeYAML(t, "index:\n  backend: d1\n  d1:\n    batch_size: 64\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	env := map[string]string{"WA_INDEX_D1_INGEST_URL": "https://d1.example/ingest"}
	cfg.ApplyEnv(func(k string) string { return env[k] })
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Index.Backend != BackendD1 || cfg.Index.D1.Endpoint != "https://d1.example/ingest" || cfg.Index.D1.BatchSize != 64 {
		t.Fatalf("index: %+v", cfg.Index)
	}
}

func TestApplyEnv_Mirror(t *testing.T) {
	cfg, err := Load(writeYAML(t, "mirror:\n  bucket: audit\n  prefix: prod\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	env := map[string]string{
		"WA_R2_MIRROR":            "true",
		"WA_R2_ENDPOINT":          "acct.r2.cloudflarestorage.com",
		"WA_R2_ACCESS_KEY_ID":     "AK",
		"WA_R2_SECRET_ACCESS_KEY": "SK",
		"WA_R2_UPLOAD_WORKERS":    "4",
	}
	cfg.ApplyEnv(func(k string) string { return env[k] })
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	m := cfg.Mirror
	if !m.Enabled || m.Bucket != "audit" || m.Prefix != "prod" || m.AccessKeyID != "AK" || m.Workers != 4 {
		t.Fatalf("mirror: %+v", m)
	}
	if m.EnqueueWait() != 25*time.Millisecond {
		t.Fatalf("enqueue wait: %v", m.EnqueueWait())
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"WA_INDEX_BACKEND":       " D1 ",
		"WA_INDEX_D1_INGEST_URL": "https://d1.example/ingest",
		"WA_INDEX_D1_TOKEN":      "tok",
		"WA_INGEST_TOKEN":        "hello",
	}
	cfg := Defaults()
	cfg.ApplyEnv(func(k string) string { return env[k] })
	if cfg.Index.Backend != BackendD1 || cfg.Index.D1.Endpoint != "https://d1.example/ingest" || cfg.Index.D1.Token != "tok" {
		t.Fatalf("index env: %+v", cfg.Index)
	}
	if cfg.Ingest.Token != "hello" {
		t.Fatalf("ingest token: %q", cfg.Ingest.Token)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
