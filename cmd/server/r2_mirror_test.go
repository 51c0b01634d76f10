package main

import (
	"io"
	"log"
	"testing"

	"worldaudit.ai/internal/config"
	persistlog "worldaudit.ai/internal/persistence/log"
)

func TestBuildMirror(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	cfg := config.Defaults()
	m, err := buildMirror(cfg, logger)
	if err != nil || m != nil {
		t.Fatalf("disabled: m=%v err=%v", m, err)
	}
	if got := segmentLayout(cfg); got != persistlog.HourLayout {
		t.Fatalf("layout=%q want hour", got)
	}

	cfg.Mirror.Enabled = true
	cfg.Mirror.Endpoint = "acct.r2.cloudflarestorage.com"
	cfg.Mirror.Bucket = "audit"
	cfg.Mirror.AccessKeyID = "AK"
	cfg.Mirror.SecretAccessKey = "SK"
	m, err = buildMirror(cfg, logger)
	if err != nil || m == nil {
		t.Fatalf("enabled: m=%v err=%v", m, err)
	}
	defer m.Close()
	if st := m.Stats(); st.QueueCapacity != cfg.Mirror.QueueCapacity {
		t.Fatalf("queue capacity=%d want %d", st.QueueCapacity, cfg.Mirror.QueueCapacity)
	}
	if got := segmentLayout(cfg); got != persistlog.MinuteLayout {
		t.Fatalf("layout=%q want minute while mirroring", got)
	}

	cfg.Mirror.Bucket = ""
	if _, err := buildMirror(cfg, logger); err == nil {
		t.Fatalf("expected error without bucket")
	}
}
