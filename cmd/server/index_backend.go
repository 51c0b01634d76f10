package main

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"worldaudit.ai/internal/config"
	"worldaudit.ai/internal/persistence/indexdb"
	"worldaudit.ai/internal/recording"
)

// runtimeIndex is the optional read-model next to the record log. The log stays the source of
// truth; a failed index write never blocks recording.
type runtimeIndex struct {
	sqlite *indexdb.SQLiteIndex
	d1     *indexdb.D1Index
}

func (r runtimeIndex) sink() recording.Sink {
	switch {
	case r.sqlite != nil:
		return r.sqlite
	case r.d1 != nil:
		return r.d1
	default:
		return nil
	}
}

func (r runtimeIndex) lastSeq(ctx context.Context) (uint64, error) {
	if r.sqlite == nil {
		return 0, nil
	}
	return r.sqlite.LastSeq(ctx)
}

func indexPath(worldDir string) string {
	return filepath.Join(worldDir, "index", "records.sqlite")
}

func openRuntimeIndex(cfg config.Config, worldDir string, logger *log.Logger) (runtimeIndex, error) {
	switch cfg.Index.Backend {
	case config.BackendNone:
		return runtimeIndex{}, nil
	case config.BackendSQLite:
		idx, err := indexdb.OpenSQLite(indexPath(worldDir))
		if err != nil {
			return runtimeIndex{}, err
		}
		return runtimeIndex{sqlite: idx}, nil
	case config.BackendD1:
		idx, err := indexdb.OpenD1(indexdb.D1Config{
			Endpoint:   cfg.Index.D1.Endpoint,
			Token:      cfg.Index.D1.Token,
			WorldID:    cfg.WorldID,
			BatchSize:  cfg.Index.D1.BatchSize,
			MaxPending: cfg.Index.D1.MaxPending,
			Logger:     logger,
		})
		if err != nil {
			return runtimeIndex{}, err
		}
		return runtimeIndex{d1: idx}, nil
	default:
		return runtimeIndex{}, fmt.Errorf("unsupported index backend: %s", cfg.Index.Backend)
	}
}
