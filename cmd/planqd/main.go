// Command planqd runs the plan queue runtime daemon.
//
// The daemon wires a queue driver, a state store, the policy engine, and the
// tool agent client into a runtime instance, then consumes step and
// completion messages until interrupted.
//
// # Configuration
//
// An optional YAML file (-config) supplies the driver selection and
// connection settings; environment variables override it. Recognized
// variables:
//
//	PLANQ_CONFIG            - YAML config file path (same as -config)
//	PLANQ_QUEUE_DRIVER      - Queue driver: memory, redis or nats (default: "memory")
//	PLANQ_STATE_BACKEND     - State backend: memory, file, postgres or mongo (default: "memory")
//	PLANQ_STATE_DIR         - Directory for the file backend (default: "./planq-state")
//	REDIS_URL               - Redis address for the redis queue driver (default: "localhost:6379")
//	REDIS_PASSWORD          - Redis password (optional)
//	NATS_URL                - NATS address for the nats queue driver (default: nats.DefaultURL)
//	POSTGRES_DSN            - PostgreSQL DSN for the postgres backend
//	MONGO_URI               - MongoDB URI for the mongo backend
//	MONGO_DATABASE          - MongoDB database name (default: "planq")
//	TOOL_AGENT_ADDR         - Tool agent gRPC address (default: "localhost:9520")
//	QUEUE_RETRY_MAX         - Retryable failures tolerated per step (default: 5)
//	QUEUE_RETRY_BACKOFF_MS  - Base redelivery backoff in milliseconds
//	HISTORY_RETENTION_MS    - Event history retention in milliseconds
//	PLAN_STATE_DAYS         - Persisted state retention in days
//	CONTENT_CAPTURE_ENABLED - Persist and publish step output (default: true)
//
// # Example
//
//	PLANQ_QUEUE_DRIVER=redis REDIS_URL=localhost:6379 \
//	PLANQ_STATE_BACKEND=postgres POSTGRES_DSN=postgres://planq@localhost/planq \
//	go run ./cmd/planqd
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"gopkg.in/yaml.v3"

	natsqueue "github.com/oss-agent-tool/planq/features/queue/nats"
	pulsequeue "github.com/oss-agent-tool/planq/features/queue/pulse"
	clientspulse "github.com/oss-agent-tool/planq/features/queue/pulse/clients/pulse"
	mongostate "github.com/oss-agent-tool/planq/features/state/mongo"
	clientsmongo "github.com/oss-agent-tool/planq/features/state/mongo/clients/mongo"
	pgstate "github.com/oss-agent-tool/planq/features/state/postgres"
	grpctools "github.com/oss-agent-tool/planq/features/toolagent/grpc"
	"github.com/oss-agent-tool/planq/runtime/plan/audit"
	"github.com/oss-agent-tool/planq/runtime/plan/eventbus"
	"github.com/oss-agent-tool/planq/runtime/plan/policy/basic"
	memqueue "github.com/oss-agent-tool/planq/runtime/plan/queue/memory"
	"github.com/oss-agent-tool/planq/runtime/plan/state"
	filestate "github.com/oss-agent-tool/planq/runtime/plan/state/file"
	inmemstate "github.com/oss-agent-tool/planq/runtime/plan/state/inmem"
	"github.com/oss-agent-tool/planq/runtime/plan/queue"
	planruntime "github.com/oss-agent-tool/planq/runtime/plan/runtime"
	"github.com/oss-agent-tool/planq/runtime/plan/telemetry"
)

// fileConfig is the YAML configuration file layout. Environment variables
// override any field set here.
type fileConfig struct {
	Queue struct {
		Driver        string `yaml:"driver"`
		RedisURL      string `yaml:"redisUrl"`
		RedisPassword string `yaml:"redisPassword"`
		NatsURL       string `yaml:"natsUrl"`
	} `yaml:"queue"`
	State struct {
		Backend       string `yaml:"backend"`
		Dir           string `yaml:"dir"`
		PostgresDSN   string `yaml:"postgresDsn"`
		MongoURI      string `yaml:"mongoUri"`
		MongoDatabase string `yaml:"mongoDatabase"`
	} `yaml:"state"`
	Policy struct {
		AllowCapabilities []string `yaml:"allowCapabilities"`
		BlockCapabilities []string `yaml:"blockCapabilities"`
		RequireScope      bool     `yaml:"requireScope"`
	} `yaml:"policy"`
	ToolAgent struct {
		Addr string `yaml:"addr"`
	} `yaml:"toolAgent"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatJSON))

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	adapter, cleanup, err := buildQueue(ctx, cfg)
	if err != nil {
		return err
	}
	if cleanup != nil {
		cleanups = append(cleanups, cleanup)
	}

	store, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	if cleanup != nil {
		cleanups = append(cleanups, cleanup)
	}

	tools, cleanup, err := buildTools(cfg)
	if err != nil {
		return err
	}
	if cleanup != nil {
		cleanups = append(cleanups, cleanup)
	}

	runtimeCfg, err := planruntime.ConfigFromEnv()
	if err != nil {
		return err
	}
	bus := eventbus.New(eventbus.Options{Retention: runtimeCfg.HistoryRetention})
	defer bus.Close()

	engine := basic.New(basic.Options{
		AllowCapabilities: cfg.Policy.AllowCapabilities,
		BlockCapabilities: cfg.Policy.BlockCapabilities,
		RequireScope:      cfg.Policy.RequireScope,
	})

	rt, err := planruntime.New(planruntime.Options{
		Queue:   adapter,
		Store:   store,
		Bus:     bus,
		Policy:  engine,
		Tools:   tools,
		Audit:   audit.NewLogSink(),
		Logger:  telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
		Tracer:  telemetry.NewClueTracer(),
		Config:  runtimeCfg,
	})
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	if err := rt.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize runtime: %w", err)
	}
	log.Infof(ctx, "planqd started (queue=%s state=%s)", cfg.Queue.Driver, cfg.State.Backend)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Infof(ctx, "shutting down")

	if err := rt.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown runtime: %w", err)
	}
	return nil
}

// loadConfig reads the YAML file named by -config or PLANQ_CONFIG, then
// applies environment overrides and defaults.
func loadConfig() (*fileConfig, error) {
	cfg := &fileConfig{}

	path := os.Getenv("PLANQ_CONFIG")
	for i, arg := range os.Args[1:] {
		if arg == "-config" && i+2 < len(os.Args) {
			path = os.Args[i+2]
		}
	}
	if path != "" {
		doc, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(doc, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Queue.Driver = envOr("PLANQ_QUEUE_DRIVER", orDefault(cfg.Queue.Driver, "memory"))
	cfg.Queue.RedisURL = envOr("REDIS_URL", orDefault(cfg.Queue.RedisURL, "localhost:6379"))
	cfg.Queue.RedisPassword = envOr("REDIS_PASSWORD", cfg.Queue.RedisPassword)
	cfg.Queue.NatsURL = envOr("NATS_URL", orDefault(cfg.Queue.NatsURL, nats.DefaultURL))
	cfg.State.Backend = envOr("PLANQ_STATE_BACKEND", orDefault(cfg.State.Backend, "memory"))
	cfg.State.Dir = envOr("PLANQ_STATE_DIR", orDefault(cfg.State.Dir, "./planq-state"))
	cfg.State.PostgresDSN = envOr("POSTGRES_DSN", cfg.State.PostgresDSN)
	cfg.State.MongoURI = envOr("MONGO_URI", cfg.State.MongoURI)
	cfg.State.MongoDatabase = envOr("MONGO_DATABASE", orDefault(cfg.State.MongoDatabase, "planq"))
	cfg.ToolAgent.Addr = envOr("TOOL_AGENT_ADDR", orDefault(cfg.ToolAgent.Addr, "localhost:9520"))
	return cfg, nil
}

// buildQueue constructs the queue adapter named by the configuration.
func buildQueue(ctx context.Context, cfg *fileConfig) (queue.Adapter, func(), error) {
	switch cfg.Queue.Driver {
	case "memory":
		return memqueue.New(), nil, nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisURL,
			Password: cfg.Queue.RedisPassword,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		client, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			rdb.Close()
			return nil, nil, err
		}
		broker, err := pulsequeue.New(pulsequeue.Options{Client: client, Redis: rdb})
		if err != nil {
			rdb.Close()
			return nil, nil, err
		}
		cleanup := func() {
			if err := client.Close(ctx); err != nil {
				log.Errorf(ctx, err, "close pulse client")
			}
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "close redis")
			}
		}
		return broker, cleanup, nil

	case "nats":
		conn, err := nats.Connect(cfg.Queue.NatsURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to nats: %w", err)
		}
		broker, err := natsqueue.New(natsqueue.Options{Conn: conn})
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return broker, conn.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

// buildStore constructs the state store named by the configuration.
func buildStore(ctx context.Context, cfg *fileConfig) (state.Store, func(), error) {
	switch cfg.State.Backend {
	case "memory":
		return inmemstate.New(), nil, nil

	case "file":
		store, err := filestate.New(cfg.State.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open file state store: %w", err)
		}
		return store, nil, nil

	case "postgres":
		if cfg.State.PostgresDSN == "" {
			return nil, nil, errors.New("POSTGRES_DSN is required for the postgres backend")
		}
		db, err := pgstate.Open(cfg.State.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := pgstate.Migrate(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		store, err := pgstate.New(pgstate.Options{DB: db})
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		cleanup := func() {
			if err := db.Close(); err != nil {
				log.Errorf(ctx, err, "close postgres")
			}
		}
		return store, cleanup, nil

	case "mongo":
		if cfg.State.MongoURI == "" {
			return nil, nil, errors.New("MONGO_URI is required for the mongo backend")
		}
		mc, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.State.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to mongo: %w", err)
		}
		client, err := clientsmongo.New(clientsmongo.Options{
			Client:   mc,
			Database: cfg.State.MongoDatabase,
		})
		if err != nil {
			mc.Disconnect(ctx)
			return nil, nil, err
		}
		if err := client.Ping(ctx); err != nil {
			mc.Disconnect(ctx)
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		store, err := mongostate.NewStore(client)
		if err != nil {
			mc.Disconnect(ctx)
			return nil, nil, err
		}
		cleanup := func() {
			if err := mc.Disconnect(ctx); err != nil {
				log.Errorf(ctx, err, "disconnect mongo")
			}
		}
		return store, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}
}

// buildTools constructs the tool agent gRPC client.
func buildTools(cfg *fileConfig) (*grpctools.Client, func(), error) {
	conn, err := grpc.NewClient(cfg.ToolAgent.Addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("dial tool agent: %w", err)
	}
	client, err := grpctools.New(grpctools.Options{Conn: conn})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return client, func() { conn.Close() }, nil
}

// envOr returns the environment value or the fallback when unset.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// orDefault returns the value or the fallback when empty.
func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
