package main

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"worldaudit.ai/internal/config"
	"worldaudit.ai/internal/metrics"
	"worldaudit.ai/internal/persistence/indexdb"
	"worldaudit.ai/internal/persistence/r2s3"
	"worldaudit.ai/internal/protocol"
	"worldaudit.ai/internal/recording"
	"worldaudit.ai/internal/records"
	"worldaudit.ai/internal/rollback"
	"worldaudit.ai/internal/transport/ws"
)

type muxDeps struct {
	cfg         config.Config
	queue       *recording.Queue
	index       runtimeIndex
	validator   *protocol.Validator
	mirror      *r2s3.Mirror
	builderOpts []records.Option
	logger      *log.Logger
}

func buildMux(d muxDeps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})

	src := metrics.Sources{Queue: d.queue.Stats}
	if d.index.sqlite != nil {
		src.SQLite = d.index.sqlite.Stats
	}
	if d.index.d1 != nil {
		src.D1 = d.index.d1.Stats
	}
	if d.mirror != nil {
		src.Mirror = d.mirror.Stats
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(d.cfg.WorldID, src))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	var reader ws.RecordReader
	if d.index.sqlite != nil {
		reader = d.index.sqlite
	}
	ingest := ws.NewServer(d.queue, reader, d.validator, ws.Config{
		WorldID:        d.cfg.WorldID,
		Token:          d.cfg.Ingest.Token,
		BuilderOptions: d.builderOpts,
	}, d.logger)
	mux.HandleFunc("/v1/ingest", ingest.Handler())

	if d.cfg.Admin.EnableHTTP {
		mux.HandleFunc("/admin/v1/records", adminOnly(func(rw http.ResponseWriter, r *http.Request) {
			if d.index.sqlite == nil {
				http.Error(rw, "record index disabled", http.StatusServiceUnavailable)
				return
			}
			f, err := filterFromQuery(r)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusBadRequest)
				return
			}
			entries, err := d.index.sqlite.Query(r.Context(), f)
			if err != nil {
				d.logger.Printf("admin records query: %v", err)
				http.Error(rw, "query failed", http.StatusInternalServerError)
				return
			}
			out := make([]records.Envelope, 0, len(entries))
			for _, e := range entries {
				env, err := records.Encode(e.Seq, e.Record)
				if err != nil {
					continue
				}
				out = append(out, env)
			}
			writeJSON(rw, http.StatusOK, map[string]any{"world_id": d.cfg.WorldID, "records": out})
		}))
		mux.HandleFunc("/admin/v1/plan", adminOnly(func(rw http.ResponseWriter, r *http.Request) {
			if d.index.sqlite == nil {
				http.Error(rw, "record index disabled", http.StatusServiceUnavailable)
				return
			}
			mode := rollback.Rollback
			switch r.URL.Query().Get("mode") {
			case "", "rollback":
			case "restore":
				mode = rollback.Restore
			default:
				http.Error(rw, "mode must be rollback or restore", http.StatusBadRequest)
				return
			}
			f, err := filterFromQuery(r)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusBadRequest)
				return
			}
			if f.Box == nil {
				http.Error(rw, "aabb is required", http.StatusBadRequest)
				return
			}
			w := rollback.Window{Box: f.Box, Since: f.Since, Until: f.Until}
			entries, err := rollback.FromIndex(r.Context(), d.index.sqlite, w)
			if err != nil {
				d.logger.Printf("admin plan query: %v", err)
				http.Error(rw, "query failed", http.StatusInternalServerError)
				return
			}
			plan, err := rollback.Build(mode, entries, w)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusBadRequest)
				return
			}
			writeJSON(rw, http.StatusOK, map[string]any{
				"world_id": d.cfg.WorldID,
				"mode":     plan.Mode.String(),
				"writes":   plan.Writes,
				"skipped":  plan.Skipped,
			})
		}))
	} else {
		d.logger.Printf("admin endpoints disabled (WA_ENABLE_ADMIN_HTTP=false)")
	}
	return mux
}

func filterFromQuery(r *http.Request) (indexdb.Filter, error) {
	q := r.URL.Query()
	f := indexdb.Filter{Actor: strings.TrimSpace(q.Get("actor"))}
	if v := strings.TrimSpace(q.Get("types")); v != "" {
		for _, t := range strings.Split(v, ",") {
			f.Types = append(f.Types, records.EventType(strings.TrimSpace(t)))
		}
	}
	var err error
	if f.Since, err = rollback.ParseTime(q.Get("since")); err != nil {
		return f, err
	}
	if f.Until, err = rollback.ParseTime(q.Get("until")); err != nil {
		return f, err
	}
	if v := strings.TrimSpace(q.Get("aabb")); v != "" {
		box, err := rollback.ParseAABB(v)
		if err != nil {
			return f, err
		}
		f.Box = &box
	}
	if v := strings.TrimSpace(q.Get("after")); v != "" {
		if f.AfterSeq, err = strconv.ParseUint(v, 10, 64); err != nil {
			return f, err
		}
	}
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			return f, err
		}
	}
	f.Desc, _ = strconv.ParseBool(q.Get("desc"))
	return f, nil
}

func adminOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
