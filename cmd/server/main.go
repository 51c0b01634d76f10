package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"worldaudit.ai/internal/config"
	persistlog "worldaudit.ai/internal/persistence/log"
	"worldaudit.ai/internal/protocol"
	"worldaudit.ai/internal/recording"
	"worldaudit.ai/internal/records"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to recorder.yaml (optional; defaults are used when empty)")
		addr       = flag.String("addr", "", "http listen address (overrides config listen)")
		worldID    = flag.String("world", "", "world id (overrides config world_id)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides config data_dir)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if v := strings.TrimSpace(*addr); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(*worldID); v != "" {
		cfg.WorldID = v
	}
	if v := strings.TrimSpace(*dataDir); v != "" {
		cfg.DataDir = v
	}
	cfg.ApplyEnv(os.Getenv)
	cfg.Admin.EnableHTTP = envBool("WA_ENABLE_ADMIN_HTTP", cfg.Admin.EnableHTTP)
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	worldDir := filepath.Join(cfg.DataDir, "worlds", cfg.WorldID)
	if err := os.MkdirAll(worldDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	idx, err := openRuntimeIndex(cfg, worldDir, log.New(os.Stdout, "[index] ", log.LstdFlags|log.Lmicroseconds))
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}

	// Continue numbering after whatever is already on disk.
	startSeq, err := persistlog.LastSeq(persistlog.RecordsDir(worldDir))
	if err != nil {
		logger.Printf("record log tail: %v (continuing from seq=%d)", err, startSeq)
	}
	if n, err := idx.lastSeq(context.Background()); err != nil {
		logger.Printf("index last seq: %v", err)
	} else if n > startSeq {
		startSeq = n
	}

	mirror, err := buildMirror(cfg, log.New(os.Stdout, "[mirror] ", log.LstdFlags|log.Lmicroseconds))
	if err != nil {
		logger.Fatalf("r2 mirror: %v", err)
	}

	recordLog := persistlog.NewRecordLogger(worldDir, segmentLayout(cfg))
	recordLog.OnRotate(func(path string) {
		logger.Printf("record segment closed path=%s", filepath.Base(path))
		mirror.Enqueue(path)
	})

	sinks := []recording.Sink{recordLog}
	if s := idx.sink(); s != nil {
		sinks = append(sinks, s)
	}
	q := recording.New(recording.Config{
		Capacity:      cfg.Queue.Capacity,
		EnqueueWait:   cfg.Queue.EnqueueWait(),
		FlushEvery:    cfg.Queue.FlushEvery,
		FlushInterval: cfg.Queue.FlushInterval(),
		StartSeq:      startSeq,
		Logger:        log.New(os.Stdout, "[recorder] ", log.LstdFlags|log.Lmicroseconds),
	}, sinks...)

	validator, err := protocol.NewValidator()
	if err != nil {
		logger.Fatalf("protocol schemas: %v", err)
	}

	mux := buildMux(muxDeps{
		cfg:       cfg,
		queue:     q,
		index:     idx,
		validator: validator,
		mirror:    mirror,
		builderOpts: []records.Option{
			records.WithLogger(log.New(os.Stdout, "[builder] ", log.LstdFlags|log.Lmicroseconds)),
		},
		logger: logger,
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signalContext()
	defer cancel()
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s world=%s index=%s mirror=%v start_seq=%d", cfg.Listen, cfg.WorldID, cfg.Index.Backend, cfg.Mirror.Enabled, startSeq)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
	}

	// Producers are gone; drain what they submitted. Closing the log hands its last segment
	// to the mirror, so the mirror goes last.
	if err := q.Close(); err != nil {
		logger.Printf("close queue: %v", err)
	}
	mirror.Close()
	s := q.Stats()
	logger.Printf("stopped last_seq=%d written=%d dropped=%d unresolved=%d", s.LastSeq, s.WrittenTotal, s.DroppedTotal, s.UnresolvedTotal)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
