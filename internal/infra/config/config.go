package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/you-humble/boothscan/internal/domain"
	"github.com/you-humble/boothscan/internal/infra/queue"
	"github.com/you-humble/boothscan/internal/infra/store/blob/replicator"
	kafkacli "github.com/you-humble/boothscan/internal/libs/kafka"
	mio "github.com/you-humble/boothscan/internal/libs/minio"
	natsq "github.com/you-humble/boothscan/internal/libs/nats"
	rediscli "github.com/you-humble/boothscan/internal/libs/redis"
	"github.com/you-humble/boothscan/internal/pipeline/analyze"
	"github.com/you-humble/boothscan/internal/pipeline/detect"
	"github.com/you-humble/boothscan/internal/pipeline/preprocess"
	"github.com/you-humble/boothscan/internal/pipeline/score"

	"gopkg.in/yaml.v3"
)

const (
	EnvPath     = "BOOTHSCAN_CONFIG"
	DefaultPath = "./configs/local.yaml"
)

type Config struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`

	BaseDir    string `yaml:"base_dir"`
	OverlayDir string `yaml:"overlay_dir"`

	Workers          int   `yaml:"workers"`
	MaxUploadBytesMb int64 `yaml:"max_upload_mb"`

	TaskTTL             time.Duration `yaml:"task_ttl"`
	TaskCleanupInterval time.Duration `yaml:"task_cleanup_interval"`

	Backends Backends `yaml:"backends"`
	Queue    Queue    `yaml:"queue"`
	Retry    Retry    `yaml:"retry"`

	Defaults   domain.Settings   `yaml:"defaults"`
	Preprocess preprocess.Config `yaml:"preprocess"`
	Detection  detect.Config     `yaml:"detection"`
	Analysis   analyze.Config    `yaml:"analysis"`
	Scoring    score.Weights     `yaml:"scoring"`

	Cache  Cache             `yaml:"cache"`
	Blob   replicator.Config `yaml:"blob_replication"`
	OCR    OCR               `yaml:"ocr"`
	Review Review            `yaml:"review"`

	Redis rediscli.Config `yaml:"redis"`
	MinIO mio.Config      `yaml:"minio"`
	NATS  NATS            `yaml:"nats"`
	Kafka Kafka           `yaml:"kafka"`
}

// Backends selects the implementation of each store. "memory" keeps
// everything in process, which is only meant for a single instance.
type Backends struct {
	Tasks   string `yaml:"tasks"`
	Queue   string `yaml:"queue"`
	Cache   string `yaml:"cache"`
	Durable string `yaml:"durable"`
	Blobs   string `yaml:"blobs"`
}

type Queue struct {
	Capacity int `yaml:"capacity"`
}

type Retry struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	StaleGrace time.Duration `yaml:"stale_grace"`
}

type Cache struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

type OCR struct {
	Engine         string `yaml:"engine"`
	GRPCAddr       string `yaml:"grpc_addr"`
	ListenAddr     string `yaml:"listen_addr"`
	TessdataPrefix string `yaml:"tessdata_prefix"`
	MaxParallel    int    `yaml:"max_parallel"`
	Padding        int    `yaml:"padding"`
}

type Review struct {
	Overlay        bool `yaml:"overlay"`
	IncludeRegions bool `yaml:"include_regions"`
}

type NATS struct {
	natsq.Config `yaml:",inline"`
	Queue        queue.NATSConfig `yaml:"queue"`
	Replicas     int              `yaml:"replicas"`
}

type Kafka struct {
	Enabled         bool `yaml:"enabled"`
	kafkacli.Config `yaml:",inline"`
	Retry           KafkaRetry `yaml:"retry"`
}

type KafkaRetry struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	Backoff  float64       `yaml:"backoff"`
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
	BackendMinIO  = "minio"
	BackendLocal  = "local"
	BackendAsync  = "async"

	EngineTesseract = "tesseract"
	EngineGRPC      = "grpc"
)

// Default is the configuration every file is layered on.
func Default() Config {
	return Config{
		Addr:                ":8080",
		ShutdownTimeout:     10 * time.Second,
		LogLevel:            "info",
		BaseDir:             "./data/scans",
		OverlayDir:          "./data/overlays",
		Workers:             4,
		MaxUploadBytesMb:    50,
		TaskTTL:             24 * time.Hour,
		TaskCleanupInterval: 10 * time.Minute,
		Backends: Backends{
			Tasks:   BackendRedis,
			Queue:   BackendNATS,
			Cache:   BackendMemory,
			Durable: BackendMinIO,
			Blobs:   BackendAsync,
		},
		Queue: Queue{Capacity: 1024},
		Retry: Retry{
			BaseDelay:  2 * time.Second,
			MaxDelay:   time.Minute,
			StaleGrace: time.Minute,
		},
		Defaults:   domain.DefaultSettings(),
		Preprocess: preprocess.DefaultConfig(),
		Detection:  detect.DefaultConfig(),
		Analysis:   analyze.DefaultConfig(),
		Scoring:    score.DefaultWeights(),
		Cache:      Cache{Size: 1000, TTL: time.Hour},
		Blob: replicator.Config{
			QueueSize:  256,
			Workers:    4,
			MaxRetries: 3,
			RetryDelay: time.Second,
		},
		OCR: OCR{
			Engine:      EngineTesseract,
			ListenAddr:  ":9090",
			MaxParallel: 4,
			Padding:     4,
		},
		Review: Review{Overlay: true},
		NATS: NATS{
			Config: natsq.Config{
				URL:           "nats://localhost:4222",
				Name:          "boothscan",
				MaxReconnects: 10,
				ReconnectWait: 2 * time.Second,
			},
			Queue: queue.NATSConfig{
				Stream:       "BOOTHSCAN",
				Subject:      "boothscan.tasks",
				ConsumerName: "boothscan-workers",
			},
			Replicas: 1,
		},
		Kafka: Kafka{
			Config: kafkacli.Config{Topic: "scan.results"},
			Retry:  KafkaRetry{Attempts: 3, Delay: 200 * time.Millisecond, Backoff: 2},
		},
	}
}

// MustLoad reads the file named by BOOTHSCAN_CONFIG, or the local config.
func MustLoad() *Config {
	path := os.Getenv(EnvPath)
	if path == "" {
		path = DefaultPath
	}

	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read file %q: %w", path, err)
	}
	return Parse(data)
}

// Parse layers data over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot unmarshal yaml: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.Defaults = cfg.Defaults.Normalize(domain.DefaultSettings())

	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Addr != "", "addr is empty")
	check(c.BaseDir != "", "base_dir is empty")
	check(c.TaskTTL > 0, "task_ttl must be positive, got %s", c.TaskTTL)
	check(c.Workers > 0, "workers must be positive, got %d", c.Workers)
	check(c.Retry.BaseDelay > 0, "retry.base_delay must be positive, got %s", c.Retry.BaseDelay)
	check(c.Retry.MaxDelay >= c.Retry.BaseDelay, "retry.max_delay %s is below base_delay %s",
		c.Retry.MaxDelay, c.Retry.BaseDelay)

	check(oneOf(c.Backends.Tasks, BackendRedis, BackendMemory), "backends.tasks: unknown %q", c.Backends.Tasks)
	check(oneOf(c.Backends.Queue, BackendNATS, BackendMemory), "backends.queue: unknown %q", c.Backends.Queue)
	check(oneOf(c.Backends.Cache, BackendRedis, BackendMemory), "backends.cache: unknown %q", c.Backends.Cache)
	check(oneOf(c.Backends.Durable, BackendMinIO, BackendMemory), "backends.durable: unknown %q", c.Backends.Durable)
	check(oneOf(c.Backends.Blobs, BackendLocal, BackendAsync), "backends.blobs: unknown %q", c.Backends.Blobs)
	check(oneOf(c.OCR.Engine, EngineTesseract, EngineGRPC), "ocr.engine: unknown %q", c.OCR.Engine)

	if c.Backends.Queue == BackendNATS {
		check(c.NATS.URL != "", "nats.url is empty")
		check(c.NATS.Queue.Subject != "", "nats.queue.subject is empty")
	}
	if c.Backends.Durable == BackendMinIO || c.Backends.Blobs == BackendAsync {
		check(c.MinIO.Endpoint != "", "minio.endpoint is empty")
		check(c.MinIO.Bucket != "", "minio.bucket is empty")
	}
	if c.OCR.Engine == EngineGRPC {
		check(c.OCR.GRPCAddr != "", "ocr.grpc_addr is empty")
	}
	if c.Kafka.Enabled {
		check(len(c.Kafka.Brokers) > 0, "kafka.brokers is empty")
		check(c.Kafka.Topic != "", "kafka.topic is empty")
	}

	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.MaxUploadBytesMb <= 0 {
		c.MaxUploadBytesMb = 50
	}
	if c.TaskCleanupInterval <= 0 {
		c.TaskCleanupInterval = 10 * time.Minute
	}

	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
