package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_LocalConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "..", "configs", "local.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 24*time.Hour, cfg.TaskTTL)
	assert.Equal(t, BackendNATS, cfg.Backends.Queue)
	assert.Equal(t, "boothscan.tasks", cfg.NATS.Queue.Subject)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, 300*time.Second, cfg.Defaults.Timeout)
	assert.True(t, cfg.Defaults.DetectRegions)
	assert.InDelta(t, 0.6, cfg.Scoring.OCR, 1e-9)
	assert.Equal(t, "scan.results", cfg.Kafka.Topic)
	assert.Equal(t, 5, cfg.MinIO.Retry.MaxRetries)
	assert.Equal(t, 30, cfg.MinIO.ExpireDays)
	assert.Equal(t, 20, cfg.Redis.PoolSize)
}

func TestParse_LayersOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
addr: ":9999"
backends:
  tasks: memory
  queue: memory
  durable: memory
  blobs: local
defaults:
  max_retries: 5
`))
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 5, cfg.Defaults.MaxRetries)
	assert.True(t, cfg.Defaults.DetectRegions)
	assert.Equal(t, 0.8, cfg.Defaults.MinConfidence)
	assert.Equal(t, BackendMemory, cfg.Backends.Cache)
	assert.Equal(t, 4, cfg.Workers)
}

func TestParse_ZeroMinConfidenceDisablesReview(t *testing.T) {
	cfg, err := Parse([]byte(`
backends:
  tasks: memory
  queue: memory
  durable: memory
  blobs: local
defaults:
  min_confidence: 0
`))
	require.NoError(t, err)

	assert.Zero(t, cfg.Defaults.MinConfidence)
	assert.True(t, cfg.Defaults.DetectRegions)
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown queue": "backends: {queue: kafka, durable: memory, blobs: local}",
		"bad ttl":       "task_ttl: -1s\nbackends: {queue: memory, durable: memory, blobs: local}",
		"grpc no addr":  "ocr: {engine: grpc, grpc_addr: ''}\nbackends: {queue: memory, durable: memory, blobs: local}",
		"retry window":  "retry: {base_delay: 1m, max_delay: 1s}\nbackends: {queue: memory, durable: memory, blobs: local}",
		"minio missing": "minio: {endpoint: ''}",
		"not yaml":      "addr: [",
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestMustLoad_UsesEnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":7070"
backends: {tasks: memory, queue: memory, durable: memory, blobs: local}
`), 0o644))
	t.Setenv(EnvPath, path)

	cfg := MustLoad()
	assert.Equal(t, ":7070", cfg.Addr)
}
