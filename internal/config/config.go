package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Index backends.
const (
	BackendSQLite = "sqlite"
	BackendD1     = "d1"
	BackendNone   = "none"
)

// Log rotation granularities.
const (
	RotateHour   = "hour"
	RotateMinute = "minute"
)

type Config struct {
	Listen  string `yaml:"listen"`
	WorldID string `yaml:"world_id"`
	DataDir string `yaml:"data_dir"`

	Ingest IngestConfig `yaml:"ingest"`
	Queue  QueueConfig  `yaml:"queue"`
	Log    LogConfig    `yaml:"log"`
	Index  IndexConfig  `yaml:"index"`
	Mirror MirrorConfig `yaml:"mirror"`
	Admin  AdminConfig  `yaml:"admin"`
}

type IngestConfig struct {
	// Token is required in HELLO when set. Usually injected via WA_INGEST_TOKEN.
	Token string `yaml:"token"`
}

type QueueConfig struct {
	Capacity        int `yaml:"capacity"`
	EnqueueWaitMS   int `yaml:"enqueue_wait_ms"`
	FlushEvery      int `yaml:"flush_every"`
	FlushIntervalMS int `yaml:"flush_interval_ms"`
}

type LogConfig struct {
	Rotate string `yaml:"rotate"`
}

type IndexConfig struct {
	Backend string   `yaml:"backend"`
	D1      D1Config `yaml:"d1"`
}

type D1Config struct {
	Endpoint   string `yaml:"endpoint"`
	Token      string `yaml:"-"`
	BatchSize  int    `yaml:"batch_size"`
	MaxPending int    `yaml:"max_pending"`
}

// MirrorConfig uploads closed record segments to an S3-compatible bucket (Cloudflare R2).
// Credentials only come from the environment.
type MirrorConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"-"`
	SecretAccessKey string `yaml:"-"`
	Workers         int    `yaml:"workers"`
	QueueCapacity   int    `yaml:"queue_capacity"`
	EnqueueWaitMS   int    `yaml:"enqueue_wait_ms"`
}

type AdminConfig struct {
	EnableHTTP bool `yaml:"enable_http"`
}

func Defaults() Config {
	return Config{
		Listen:  ":8080",
		WorldID: "world_1",
		DataDir: "./data",
		Queue: QueueConfig{
			Capacity:        65536,
			EnqueueWaitMS:   5,
			FlushEvery:      2000,
			FlushIntervalMS: 2000,
		},
		Log:   LogConfig{Rotate: RotateHour},
		Index:  IndexConfig{Backend: BackendSQLite, D1: D1Config{BatchSize: 128, MaxPending: 32768}},
		Mirror: MirrorConfig{Workers: 2, QueueCapacity: 2048, EnqueueWaitMS: 25},
		Admin:  AdminConfig{EnableHTTP: true},
	}
}

// Load reads path over Defaults. An empty path returns the defaults. The result is normalized
// but not validated: flags and env may still fill in required fields, so call Validate last.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("recorder.yaml: %w", err)
		}
	}
	cfg.Normalize()
	return cfg, nil
}

// ApplyEnv overrides backend selection and secrets from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv("WA_INDEX_BACKEND")); v != "" {
		c.Index.Backend = v
	}
	if v := strings.TrimSpace(getenv("WA_INDEX_D1_INGEST_URL")); v != "" {
		c.Index.D1.Endpoint = v
	}
	if v := strings.TrimSpace(getenv("WA_INDEX_D1_TOKEN")); v != "" {
		c.Index.D1.Token = v
	}
	if v := strings.TrimSpace(getenv("WA_INGEST_TOKEN")); v != "" {
		c.Ingest.Token = v
	}
	if v := strings.TrimSpace(getenv("WA_R2_MIRROR")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Mirror.Enabled = b
		}
	}
	for key, dst := range map[string]*string{
		"WA_R2_ENDPOINT":          &c.Mirror.Endpoint,
		"WA_R2_BUCKET":            &c.Mirror.Bucket,
		"WA_R2_PREFIX":            &c.Mirror.Prefix,
		"WA_R2_ACCESS_KEY_ID":     &c.Mirror.AccessKeyID,
		"WA_R2_SECRET_ACCESS_KEY": &c.Mirror.SecretAccessKey,
	} {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	if n, err := strconv.Atoi(strings.TrimSpace(getenv("WA_R2_UPLOAD_WORKERS"))); err == nil && n > 0 {
		c.Mirror.Workers = n
	}
	c.Normalize()
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.WorldID = strings.TrimSpace(c.WorldID)
	c.Log.Rotate = strings.ToLower(strings.TrimSpace(c.Log.Rotate))
	if c.Log.Rotate == "" {
		c.Log.Rotate = RotateHour
	}
	b := strings.ToLower(strings.TrimSpace(c.Index.Backend))
	switch b {
	case "", "sqlite":
		b = BackendSQLite
	case "off", "disabled", "none":
		b = BackendNone
	}
	c.Index.Backend = b
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen must not be empty")
	}
	if c.WorldID == "" {
		return fmt.Errorf("world_id must not be empty")
	}
	if strings.ContainsAny(c.WorldID, `/\`) {
		return fmt.Errorf("world_id %q must not contain path separators", c.WorldID)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be > 0")
	}
	if c.Queue.EnqueueWaitMS < 0 {
		return fmt.Errorf("queue.enqueue_wait_ms must be >= 0")
	}
	if c.Queue.FlushEvery <= 0 {
		return fmt.Errorf("queue.flush_every must be > 0")
	}
	if c.Queue.FlushIntervalMS <= 0 {
		return fmt.Errorf("queue.flush_interval_ms must be > 0")
	}
	switch c.Log.Rotate {
	case RotateHour, RotateMinute:
	default:
		return fmt.Errorf("log.rotate must be %q or %q, got %q", RotateHour, RotateMinute, c.Log.Rotate)
	}
	switch c.Index.Backend {
	case BackendSQLite, BackendNone:
	case BackendD1:
		if strings.TrimSpace(c.Index.D1.Endpoint) == "" {
			return fmt.Errorf("index.backend=d1 but index.d1.endpoint is empty")
		}
		if c.Index.D1.BatchSize < 0 || c.Index.D1.MaxPending < 0 {
			return fmt.Errorf("index.d1 batch_size/max_pending must be >= 0")
		}
	default:
		return fmt.Errorf("unsupported index.backend: %s", c.Index.Backend)
	}
	if c.Mirror.Enabled {
		m := c.Mirror
		if strings.TrimSpace(m.Endpoint) == "" || strings.TrimSpace(m.Bucket) == "" ||
			strings.TrimSpace(m.AccessKeyID) == "" || strings.TrimSpace(m.SecretAccessKey) == "" {
			return fmt.Errorf("mirror enabled but endpoint/bucket/WA_R2_ACCESS_KEY_ID/WA_R2_SECRET_ACCESS_KEY are not fully set")
		}
		if m.Workers < 0 || m.QueueCapacity < 0 || m.EnqueueWaitMS < 0 {
			return fmt.Errorf("mirror workers/queue_capacity/enqueue_wait_ms must be >= 0")
		}
	}
	return nil
}

func (m MirrorConfig) EnqueueWait() time.Duration {
	return time.Duration(m.EnqueueWaitMS) * time.Millisecond
}

func (q QueueConfig) EnqueueWait() time.Duration {
	return time.Duration(q.EnqueueWaitMS) * time.Millisecond
}

func (q QueueConfig) FlushInterval() time.Duration {
	return time.Duration(q.FlushIntervalMS) * time.Millisecond
}
