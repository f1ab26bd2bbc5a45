package app

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/you-humble/boothscan/internal/infra/config"
	"github.com/you-humble/boothscan/internal/infra/events"
	"github.com/you-humble/boothscan/internal/infra/queue"
	blobstore "github.com/you-humble/boothscan/internal/infra/store/blob"
	resultstore "github.com/you-humble/boothscan/internal/infra/store/result"
	taskstore "github.com/you-humble/boothscan/internal/infra/store/task"
	kafkacli "github.com/you-humble/boothscan/internal/libs/kafka"
	mio "github.com/you-humble/boothscan/internal/libs/minio"
	natsq "github.com/you-humble/boothscan/internal/libs/nats"
	rediscli "github.com/you-humble/boothscan/internal/libs/redis"
	"github.com/you-humble/boothscan/internal/ocr"
	"github.com/you-humble/boothscan/internal/ocr/remote"
	"github.com/you-humble/boothscan/internal/ocr/tesseract"
	"github.com/you-humble/boothscan/internal/orchestrator"
	"github.com/you-humble/boothscan/internal/pipeline"
	"github.com/you-humble/boothscan/internal/pipeline/analyze"
	"github.com/you-humble/boothscan/internal/pipeline/detect"
	"github.com/you-humble/boothscan/internal/pipeline/extract"
	"github.com/you-humble/boothscan/internal/pipeline/preprocess"
	"github.com/you-humble/boothscan/internal/pipeline/score"
	"github.com/you-humble/boothscan/internal/review"
	"github.com/you-humble/boothscan/internal/transport"
	"github.com/you-humble/boothscan/internal/usecase"

	"github.com/minio/minio-go/v7"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/wb-go/wbf/retry"
)

// Workers is the task processing side: the worker pool and the cleanup loop.
type Workers interface {
	Run(ctx context.Context)
	StartCleanup(ctx context.Context)
	Stop(ctx context.Context) error
}

type Router interface {
	MountRoutes(*http.ServeMux) *http.ServeMux
}

type taskStore interface {
	usecase.TaskStore
	orchestrator.TaskStore
}

type taskQueue interface {
	usecase.TaskQueue
	orchestrator.Queue
	Close() error
}

type blobStore interface {
	usecase.FileStore
	orchestrator.Blobs
	review.Saver
}

type resultStore interface {
	usecase.ResultStore
	orchestrator.ResultStore
}

type publisher interface {
	orchestrator.Publisher
	Close() error
}

// closer runs on shutdown, in reverse registration order.
type closer struct {
	name string
	fn   func(ctx context.Context) error
}

type dependencyInjector struct {
	cfg    *config.Config
	logger *slog.Logger

	redis    *redis.Client
	minio    *minio.Client
	natsConn *nats.Conn
	js       nats.JetStreamContext

	taskStore   taskStore
	taskQueue   taskQueue
	blobs       blobStore
	overlays    blobStore
	resultStore resultStore
	events      publisher

	engine       ocr.Engine
	pipeline     orchestrator.Pipeline
	orchestrator Workers

	usecase transport.Usecase
	handler transport.Handler
	router  Router

	closers []closer
}

func newDI() *dependencyInjector {
	return &dependencyInjector{}
}

func (di *dependencyInjector) onClose(name string, fn func(ctx context.Context) error) {
	di.closers = append(di.closers, closer{name: name, fn: fn})
}

func (di *dependencyInjector) Close(ctx context.Context) {
	for i := len(di.closers) - 1; i >= 0; i-- {
		c := di.closers[i]
		if err := c.fn(ctx); err != nil {
			di.Logger().Error("close", slog.String("component", c.name), slog.String("error", err.Error()))
		}
	}
	di.closers = nil
}

func (di *dependencyInjector) Config() *config.Config {
	if di.cfg == nil {
		di.cfg = config.MustLoad()
	}

	return di.cfg
}

func (di *dependencyInjector) Logger() *slog.Logger {
	if di.logger == nil {
		var level slog.Level
		if err := level.UnmarshalText([]byte(di.Config().LogLevel)); err != nil {
			level = slog.LevelInfo
		}
		di.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		}))
		slog.SetDefault(di.logger)
	}

	return di.logger
}

func (di *dependencyInjector) RedisClient() *redis.Client {
	if di.redis == nil {
		cfg := di.Config().Redis
		client, err := rediscli.NewClient(cfg)
		if err != nil {
			log.Fatalf("Redis: %+v", err)
		}

		di.redis = client
		di.onClose("redis", func(context.Context) error { return client.Close() })
		di.Logger().Info("connected to redis", slog.String("addr", cfg.Addr))
	}
	return di.redis
}

func (di *dependencyInjector) MinIOClient(ctx context.Context) *minio.Client {
	if di.minio == nil {
		cfg := di.Config().MinIO
		client, err := mio.NewClient(ctx, cfg)
		if err != nil {
			log.Fatalf("MinIO: %+v", err)
		}

		di.minio = client
		di.Logger().Info("connected to MinIO",
			slog.String("endpoint", cfg.Endpoint),
			slog.String("bucket", cfg.Bucket),
		)
	}
	return di.minio
}

func (di *dependencyInjector) NATSConn() *nats.Conn {
	if di.natsConn == nil {
		nc, err := natsq.NewConnect(di.Config().NATS.Config)
		if err != nil {
			log.Fatalf("NATS connect: %+v", err)
		}
		di.natsConn = nc
		di.onClose("nats", func(context.Context) error { return nc.Drain() })
	}
	return di.natsConn
}

func (di *dependencyInjector) JetStream() nats.JetStreamContext {
	if di.js == nil {
		cfg := di.Config()
		js, err := natsq.NewJetStream(di.NATSConn(), &nats.StreamConfig{
			Name:      cfg.NATS.Queue.Stream,
			Subjects:  []string{cfg.NATS.Queue.Subject + ".>"},
			Storage:   nats.FileStorage,
			Retention: nats.WorkQueuePolicy,
			Replicas:  cfg.NATS.Replicas,
			MaxAge:    2 * cfg.TaskTTL,
		})
		if err != nil {
			log.Fatalf("DI JetStream: %+v", err)
		}

		di.js = js
	}
	return di.js
}

func (di *dependencyInjector) TaskStore() taskStore {
	if di.taskStore == nil {
		cfg := di.Config()
		switch cfg.Backends.Tasks {
		case config.BackendMemory:
			di.taskStore = taskstore.NewMemoryTaskStore(cfg.TaskTTL)
		default:
			di.taskStore = taskstore.NewRedisTaskStore(di.RedisClient(), cfg.TaskTTL)
		}
		di.Logger().Info("task store", slog.String("backend", cfg.Backends.Tasks))
	}
	return di.taskStore
}

func (di *dependencyInjector) TaskQueue() taskQueue {
	if di.taskQueue == nil {
		cfg := di.Config()
		switch cfg.Backends.Queue {
		case config.BackendMemory:
			di.taskQueue = queue.NewMemory(cfg.Queue.Capacity)
		default:
			q, err := queue.NewNATS(di.JetStream(), cfg.NATS.Queue)
			if err != nil {
				log.Fatalf("TaskQueue: %+v", err)
			}
			di.taskQueue = q
		}
		q := di.taskQueue
		di.onClose("queue", func(context.Context) error { return q.Close() })
		di.Logger().Info("task queue", slog.String("backend", cfg.Backends.Queue))
	}
	return di.taskQueue
}

// newBlobStore builds a local store under dir, replicated to MinIO under prefix
// when the async backend is selected.
func (di *dependencyInjector) newBlobStore(ctx context.Context, dir, prefix string) blobStore {
	cfg := di.Config()

	local, err := blobstore.NewLocalStore(dir)
	if err != nil {
		log.Fatalf("BlobStore local: %+v", err)
	}
	if cfg.Backends.Blobs == config.BackendLocal {
		di.Logger().Info("initialized local blob store", slog.String("base_dir", dir))
		return local
	}

	remoteStore := blobstore.NewMinIOStore(di.MinIOClient(ctx), cfg.MinIO.Bucket, prefix)
	async := blobstore.NewAsyncStore(ctx, prefix, local, remoteStore, cfg.Blob)
	di.onClose("blobs "+prefix, async.Close)
	di.Logger().Info(
		"using async blob store (local + MinIO)",
		slog.String("base_dir", dir),
		slog.String("prefix", prefix),
		slog.Int("queue_size", cfg.Blob.QueueSize),
		slog.Int("workers", cfg.Blob.Workers),
	)
	return async
}

func (di *dependencyInjector) Blobs(ctx context.Context) blobStore {
	if di.blobs == nil {
		di.blobs = di.newBlobStore(ctx, di.Config().BaseDir, "scans")
	}
	return di.blobs
}

func (di *dependencyInjector) Overlays(ctx context.Context) blobStore {
	if di.overlays == nil {
		di.overlays = di.newBlobStore(ctx, di.Config().OverlayDir, "overlays")
	}
	return di.overlays
}

func (di *dependencyInjector) ResultStore(ctx context.Context) resultStore {
	if di.resultStore == nil {
		cfg := di.Config()

		var cache resultstore.Cache
		switch cfg.Backends.Cache {
		case config.BackendRedis:
			cache = resultstore.NewRedisCache(di.RedisClient(), cfg.Cache.TTL)
		default:
			cache = resultstore.NewLRUCache(cfg.Cache.Size, cfg.Cache.TTL)
		}

		var durable resultstore.Durable
		switch cfg.Backends.Durable {
		case config.BackendMemory:
			durable = resultstore.NewMemoryDurable()
		default:
			durable = resultstore.NewMinIODurable(di.MinIOClient(ctx), cfg.MinIO.Bucket)
		}

		di.resultStore = resultstore.New(cache, durable)
		di.Logger().Info("result store",
			slog.String("cache", cfg.Backends.Cache),
			slog.String("durable", cfg.Backends.Durable),
		)
	}
	return di.resultStore
}

func (di *dependencyInjector) Events() publisher {
	if di.events == nil {
		cfg := di.Config().Kafka
		if !cfg.Enabled {
			di.events = events.NewNop()
			return di.events
		}

		w, err := kafkacli.NewWriter(cfg.Config)
		if err != nil {
			log.Fatalf("Kafka writer: %+v", err)
		}
		p := events.NewKafkaPublisher(w, retry.Strategy{
			Attempts: cfg.Retry.Attempts,
			Delay:    cfg.Retry.Delay,
			Backoff:  cfg.Retry.Backoff,
		})
		di.events = p
		di.onClose("kafka", func(context.Context) error { return p.Close() })
		di.Logger().Info("publishing results to kafka", slog.String("topic", cfg.Topic))
	}
	return di.events
}

func (di *dependencyInjector) OCREngine() ocr.Engine {
	if di.engine == nil {
		cfg := di.Config().OCR
		switch cfg.Engine {
		case config.EngineGRPC:
			conn, err := remote.NewConnection(cfg.GRPCAddr, di.Logger())
			if err != nil {
				log.Fatalf("OCR connection: %+v", err)
			}
			di.onClose("ocr grpc", func(context.Context) error { return conn.Close() })
			di.engine = remote.NewClient(conn)
		default:
			di.engine = tesseract.New(tesseract.Config{
				TessdataPrefix: cfg.TessdataPrefix,
				MaxParallel:    cfg.MaxParallel,
			})
		}
		di.Logger().Info("OCR engine", slog.String("engine", di.engine.Name()))
	}
	return di.engine
}

func (di *dependencyInjector) Pipeline() orchestrator.Pipeline {
	if di.pipeline == nil {
		cfg := di.Config()
		di.pipeline = pipeline.New(
			preprocess.New(cfg.Preprocess),
			detect.New(cfg.Detection),
			extract.New(di.OCREngine(), extract.Config{Padding: cfg.OCR.Padding}),
			analyze.New(cfg.Analysis),
			score.New(cfg.Scoring),
			cfg.Review.IncludeRegions,
		)
	}
	return di.pipeline
}

func (di *dependencyInjector) Orchestrator(ctx context.Context) Workers {
	if di.orchestrator == nil {
		cfg := di.Config()

		var overlay orchestrator.OverlayWriter
		if cfg.Review.Overlay {
			overlay = review.NewWriter(di.Overlays(ctx))
		}

		di.orchestrator = orchestrator.New(
			orchestrator.Config{
				Workers:         cfg.Workers,
				RetryBaseDelay:  cfg.Retry.BaseDelay,
				RetryMaxDelay:   cfg.Retry.MaxDelay,
				TaskTTL:         cfg.TaskTTL,
				CleanupInterval: cfg.TaskCleanupInterval,
				StaleGrace:      cfg.Retry.StaleGrace,
				Defaults:        cfg.Defaults,
			},
			di.TaskStore(),
			di.TaskQueue(),
			di.ResultStore(ctx),
			di.Blobs(ctx),
			di.Pipeline(),
			di.Events(),
			overlay,
		)
	}
	return di.orchestrator
}

func (di *dependencyInjector) Usecase(ctx context.Context) transport.Usecase {
	if di.usecase == nil {
		cfg := di.Config()
		di.usecase = usecase.New(
			cfg.TaskTTL,
			cfg.Defaults,
			di.TaskStore(),
			di.Blobs(ctx),
			di.TaskQueue(),
			di.ResultStore(ctx),
		)
	}

	return di.usecase
}

func (di *dependencyInjector) Handler(ctx context.Context) transport.Handler {
	if di.handler == nil {
		di.handler = transport.NewHandler(di.Config().MaxUploadBytesMb, di.Usecase(ctx), usecase.ErrUnsupportedFormat)
	}

	return di.handler
}

func (di *dependencyInjector) Router(ctx context.Context) Router {
	if di.router == nil {
		di.router = transport.NewRouter(di.Handler(ctx))
	}

	return di.router
}
