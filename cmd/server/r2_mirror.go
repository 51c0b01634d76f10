package main

import (
	"log"

	"worldaudit.ai/internal/config"
	persistlog "worldaudit.ai/internal/persistence/log"
	"worldaudit.ai/internal/persistence/r2s3"
)

// buildMirror returns nil when mirroring is off.
func buildMirror(cfg config.Config, logger *log.Logger) (*r2s3.Mirror, error) {
	if !cfg.Mirror.Enabled {
		return nil, nil
	}
	m := cfg.Mirror
	client, err := r2s3.New(m.Endpoint, m.Bucket, m.AccessKeyID, m.SecretAccessKey)
	if err != nil {
		return nil, err
	}
	return r2s3.NewMirror(client, r2s3.MirrorConfig{
		DataDir:       cfg.DataDir,
		Prefix:        m.Prefix,
		Workers:       m.Workers,
		QueueCapacity: m.QueueCapacity,
		EnqueueWait:   m.EnqueueWait(),
		Logger:        logger,
	}), nil
}

// segmentLayout picks the record log rotation. Mirroring uses minute segments so a lost box
// loses at most about a minute of records off-site.
func segmentLayout(cfg config.Config) string {
	if cfg.Log.Rotate == config.RotateMinute || cfg.Mirror.Enabled {
		return persistlog.MinuteLayout
	}
	return persistlog.HourLayout
}
