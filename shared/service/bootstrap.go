// Package service assembles the process-wide pieces every petstore service binary
// shares: config, logger, tracer, metrics, database, the single broker connection and
// the publishers and consumers built on it.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"petstore-platform/shared/config"
	"petstore-platform/shared/database"
	"petstore-platform/shared/inbox"
	"petstore-platform/shared/logger"
	"petstore-platform/shared/messaging"
	"petstore-platform/shared/messaging/noop"
	"petstore-platform/shared/messaging/rabbitmq"
	"petstore-platform/shared/metrics"
	"petstore-platform/shared/outbox"
	"petstore-platform/shared/projection"
	"petstore-platform/shared/tracing"

	"github.com/jmoiron/sqlx"
)

const serviceVersion = "1.0.0"

// App is the composition root of one service process.
type App struct {
	Config *config.Config
	Log    logger.Logger

	// DB is nil when no DATABASE_URL is configured; the stores then live in memory.
	DB      *sqlx.DB
	Catalog projection.Store
	Inbox   inbox.Ledger
	Outbox  *outbox.Store

	// Conn, Registrar, Consumer and Management are nil when ENABLE_BROKER is false.
	Conn       *rabbitmq.ConnectionManager
	Registrar  *rabbitmq.Registrar
	Publisher  messaging.Publisher
	Consumer   *rabbitmq.Consumer
	Management *rabbitmq.ManagementClient

	mu     sync.Mutex
	queues []string
}

type options struct {
	cfg    *config.Config
	log    logger.Logger
	dialer rabbitmq.Dialer
}

type Option func(*options)

// WithConfig skips loading configuration from .env and the environment.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

func WithLogger(log logger.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithDialer replaces the AMQP dialer, e.g. with an in-memory broker.
func WithDialer(d rabbitmq.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// Bootstrap builds the App. The broker is not dialed here: the first publish or the
// first consumer connects.
func Bootstrap(ctx context.Context, serviceName string, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	cfg := o.cfg
	if cfg == nil {
		cfg = config.Load(serviceName)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log := o.log
	if log == nil {
		var err error
		log, err = logger.New(logger.Config{
			ServiceName: cfg.ServiceName,
			Environment: cfg.Environment,
			Level:       logger.ParseLevel(cfg.LogLevel),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	log.Info("Starting service",
		logger.String("environment", cfg.Environment),
		logger.String("ops_port", cfg.OpsPort),
		logger.Bool("broker_enabled", cfg.EnableBroker),
		logger.String("jaeger_endpoint", cfg.JaegerEndpoint))

	if err := tracing.InitTracer(tracing.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: serviceVersion,
		Environment:    cfg.Environment,
		JaegerEndpoint: cfg.JaegerEndpoint,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	metrics.InitMetrics()

	app := &App{Config: cfg, Log: log}

	if cfg.DatabaseURL != "" {
		db, err := database.NewConnection(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := database.InitSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		log.Info("Connected to database, schema initialized")

		app.DB = db
		app.Catalog = projection.NewPostgresStore(db)
		app.Inbox = inbox.NewPostgresLedger(db)
		app.Outbox = outbox.NewStore(db)
	} else {
		log.Warn("No DATABASE_URL configured, projections and inbox are kept in memory")
		app.Catalog = projection.NewMemoryStore()
		app.Inbox = inbox.NewMemoryLedger()
	}

	if !cfg.EnableBroker {
		log.Warn("Message broker disabled, events will be validated and dropped")
		app.Publisher = noop.Publisher{}
		return app, nil
	}

	connOpts := []rabbitmq.Option{rabbitmq.WithConnectionName(cfg.ServiceName)}
	if o.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(o.dialer))
	}
	app.Conn = rabbitmq.NewConnectionManager(cfg.RabbitMQ, log, connOpts...)
	app.Registrar = rabbitmq.NewRegistrar(app.Conn, log)
	app.Publisher = rabbitmq.NewPublisher(app.Conn, app.Registrar, log,
		rabbitmq.WithConfirmTimeout(cfg.RabbitMQ.ConfirmTimeout),
		rabbitmq.WithAppID(cfg.ServiceName))
	app.Consumer = rabbitmq.NewConsumer(app.Conn, app.Registrar, log)
	app.Management = rabbitmq.NewManagementClient(cfg.RabbitMQ)

	log.Info("Message broker configured", logger.String("url", cfg.RabbitMQ.Redacted()))
	return app, nil
}

// DeclareTopology declares the deployment-wide exchanges, queues and bindings. Producers
// call it at startup so events published before any consumer ran are still queued.
func (a *App) DeclareTopology(ctx context.Context) error {
	if a.Registrar == nil {
		return nil
	}
	return a.Registrar.SetupTopology(ctx, messaging.Topology...)
}

// Close releases the broker connection, the database and the tracer.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Conn != nil {
		if err := a.Conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}
	if err := tracing.ShutdownTracer(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down tracer: %w", err))
	}
	a.Log.Info("Service shutdown complete")
	_ = a.Log.Sync()
	return errors.Join(errs...)
}

func (a *App) trackQueue(queue string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queues = append(a.queues, queue)
}

func (a *App) trackedQueues() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.queues...)
}
