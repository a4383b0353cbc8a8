package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/arcache/internal/config"
	"github.com/fyrsmithlabs/arcache/internal/learning"
	"github.com/fyrsmithlabs/arcache/internal/logging"
	"github.com/fyrsmithlabs/arcache/internal/memory"
	"github.com/fyrsmithlabs/arcache/internal/memory/sqlitestore"
	"github.com/fyrsmithlabs/arcache/internal/retrieval"
	"github.com/fyrsmithlabs/arcache/internal/scheduler"
	"github.com/fyrsmithlabs/arcache/internal/telemetry"
	"github.com/fyrsmithlabs/arcache/pkg/rescache"
)

// MetricsNamespace prefixes the Prometheus cache metrics.
const MetricsNamespace = "arcache"

// Registry provides access to the wired components.
type Registry interface {
	Config() *config.Config
	Logger() *logging.Logger
	Cache() *rescache.Cache
	Memory() *memory.Store
	Retriever() *retrieval.Retriever

	// Coordinator is nil when no executor was supplied.
	Coordinator() *learning.Coordinator

	// Telemetry is nil unless OTLP export was enabled and no providers
	// were supplied in Options.
	Telemetry() *telemetry.Telemetry

	// Start launches the cleanup schedulers when auto cleanup is enabled.
	Start() error

	// Close stops the schedulers, flushes telemetry and releases the
	// storage backend.
	Close() error
}

// Options supplies the collaborators the configuration cannot describe.
type Options struct {
	// Executor runs tasks. Without one no coordinator is built.
	Executor  learning.Executor
	Evaluator learning.Evaluator

	// Logger overrides the logger built from config.
	Logger *logging.Logger

	// LogWriter replaces stdout for the configured logger.
	LogWriter io.Writer

	// Registerer receives the Prometheus cache metrics. Nil disables them.
	Registerer prometheus.Registerer

	// MeterProvider and TracerProvider take precedence over the telemetry
	// config section.
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
	LoggerProvider log.LoggerProvider

	// TelemetryOptions are passed to telemetry.New.
	TelemetryOptions []telemetry.Option

	// Clock overrides the time source everywhere.
	Clock func() time.Time

	// DeferPrune leaves records above the per-type cap in place after loading
	// so that a later Memory().Prune reports them.
	DeferPrune bool
}

type registry struct {
	cfg         *config.Config
	logger      *logging.Logger
	cache       *rescache.Cache
	memory      *memory.Store
	backend     memory.Backend
	retriever   *retrieval.Retriever
	coordinator *learning.Coordinator
	telemetry   *telemetry.Telemetry
	schedulers  []*scheduler.Scheduler
}

// New validates cfg and builds every component.
//
// With the sqlite driver the stored records are loaded, damaged ones are
// restored from backup or dropped, and the per-type cap is enforced before
// New returns.
func New(ctx context.Context, cfg *config.Config, opts Options) (Registry, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &registry{cfg: cfg}

	logger, err := newLogger(cfg.Logging, opts)
	if err != nil {
		return nil, err
	}
	r.logger = logger
	zl := logger.Underlying()

	r.cache = newCache(cfg.Cache, opts, zl.Named("rescache"))

	if err := r.openMemory(ctx, cfg, opts, zl.Named("memory")); err != nil {
		return nil, err
	}

	weights := retrieval.Weights{
		Keyword:         cfg.Retrieval.KeywordWeight,
		TaskType:        cfg.Retrieval.TaskTypeWeight,
		Recency:         cfg.Retrieval.RecencyWeight,
		RecencyHalfLife: cfg.Retrieval.RecencyHalfLife.Duration(),
	}
	retrieverOpts := []retrieval.Option{retrieval.WithLogger(zl.Named("retrieval"))}
	if opts.Clock != nil {
		retrieverOpts = append(retrieverOpts, retrieval.WithClock(opts.Clock))
	}
	r.retriever, err = retrieval.New(r.memory, weights, retrieverOpts...)
	if err != nil {
		r.closeBackend()
		return nil, &config.ConfigurationError{Key: "retrieval", Reason: err.Error()}
	}

	if opts.Executor != nil {
		if cfg.Telemetry.Enabled && opts.TracerProvider == nil && opts.MeterProvider == nil {
			r.telemetry, err = telemetry.New(ctx, cfg.Telemetry, zl, opts.TelemetryOptions...)
			if err != nil {
				r.closeBackend()
				return nil, err
			}
			opts.TracerProvider = r.telemetry.TracerProvider()
			opts.MeterProvider = r.telemetry.MeterProvider()
		}
		if r.coordinator, err = newCoordinator(cfg.Learning, r.memory, r.retriever, opts, logger); err != nil {
			r.release(ctx)
			return nil, err
		}
	}

	if cfg.Learning.AutoCleanup {
		if err := r.buildSchedulers(cfg, zl.Named("scheduler")); err != nil {
			r.release(ctx)
			return nil, err
		}
	}

	logger.Info(ctx, "services initialized",
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.Bool("memory_enabled", cfg.Learning.MemoryEnabled),
		zap.Bool("auto_cleanup", cfg.Learning.AutoCleanup),
		zap.Bool("coordinator", r.coordinator != nil),
		zap.Bool("telemetry", r.telemetry != nil))
	return r, nil
}

func newLogger(cfg config.LoggingConfig, opts Options) (*logging.Logger, error) {
	if opts.Logger != nil {
		return opts.Logger, nil
	}

	lc := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(cfg.Level)
	if err != nil {
		return nil, &config.ConfigurationError{Key: "logging.level", Value: cfg.Level, Reason: err.Error()}
	}
	lc.Level = level
	lc.Format = cfg.Format
	lc.Output.Writer = opts.LogWriter
	lc.Output.OTEL = opts.LoggerProvider != nil

	logger, err := logging.NewLogger(lc, opts.LoggerProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

func newCache(cfg config.CacheConfig, opts Options, logger *zap.Logger) *rescache.Cache {
	cacheOpts := []rescache.Option{
		rescache.WithDefaultTTL(cfg.DefaultTTL.Duration()),
		rescache.WithMaxEntries(cfg.MaxEntries),
		rescache.WithLogger(logger),
	}
	if opts.Registerer != nil {
		cacheOpts = append(cacheOpts, rescache.WithMetrics(rescache.NewMetrics(opts.Registerer, MetricsNamespace)))
	}
	if opts.Clock != nil {
		cacheOpts = append(cacheOpts, rescache.WithClock(opts.Clock))
	}
	return rescache.New(cacheOpts...)
}

func (r *registry) openMemory(ctx context.Context, cfg *config.Config, opts Options, logger *zap.Logger) error {
	storeOpts := []memory.Option{
		memory.WithMaxEntriesPerType(cfg.Learning.MaxMemoryEntries),
		memory.WithLogger(logger),
	}
	if opts.Clock != nil {
		storeOpts = append(storeOpts, memory.WithClock(opts.Clock))
	}

	if cfg.Storage.Driver == config.DriverSQLite {
		backend, err := sqlitestore.Open(ctx, cfg.Storage.Path, logger.Named("sqlite"))
		if err != nil {
			return fmt.Errorf("failed to open memory database: %w", err)
		}
		r.backend = backend
		storeOpts = append(storeOpts, memory.WithBackend(backend))
	}

	r.memory = memory.NewStore(storeOpts...)
	if r.backend == nil {
		return nil
	}

	report, err := r.memory.Load(ctx)
	if err != nil {
		r.closeBackend()
		return fmt.Errorf("failed to load memory records: %w", err)
	}
	var pruned []string
	if !opts.DeferPrune {
		if pruned, err = r.memory.Prune(ctx); err != nil {
			r.closeBackend()
			return fmt.Errorf("failed to enforce memory cap: %w", err)
		}
	}

	fields := []zap.Field{
		zap.Int("loaded", report.Loaded),
		zap.Int("restored", len(report.Restored)),
		zap.Int("dropped", len(report.Dropped)),
		zap.Int("pruned", len(pruned)),
	}
	if len(report.Restored) > 0 || len(report.Dropped) > 0 {
		logger.Warn("memory records recovered from damage", fields...)
	} else {
		logger.Info("memory records loaded", fields...)
	}
	return nil
}

func newCoordinator(cfg config.LearningConfig, store *memory.Store, retriever *retrieval.Retriever, opts Options, logger *logging.Logger) (*learning.Coordinator, error) {
	var meter metric.Meter
	if opts.MeterProvider != nil {
		meter = opts.MeterProvider.Meter(learning.InstrumentationName)
	}
	metrics, err := learning.NewMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create learning metrics: %w", err)
	}

	coordOpts := []learning.Option{
		learning.WithLogger(logger.Named("learning")),
		learning.WithMetrics(metrics),
	}
	if opts.Evaluator != nil {
		coordOpts = append(coordOpts, learning.WithEvaluator(opts.Evaluator))
	}
	if opts.TracerProvider != nil {
		coordOpts = append(coordOpts, learning.WithTracerProvider(opts.TracerProvider))
	}
	if opts.Clock != nil {
		coordOpts = append(coordOpts, learning.WithClock(opts.Clock))
	}
	return learning.NewCoordinator(cfg, store, retriever, opts.Executor, coordOpts...)
}

func (r *registry) buildSchedulers(cfg *config.Config, logger *zap.Logger) error {
	cache := r.cache
	cacheJob := func(context.Context) error {
		if n := cache.Cleanup(); n > 0 {
			logger.Debug("expired cache entries removed", zap.Int("removed", n))
		}
		return nil
	}

	store := r.memory
	retention := cfg.Learning.Retention()
	memoryJob := func(ctx context.Context) error {
		n, err := store.Cleanup(ctx, retention)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("memory records past retention removed",
				zap.Int("removed", n),
				zap.Duration("retention", retention))
		}
		return nil
	}

	cacheSched, err := scheduler.New(cacheJob, logger,
		scheduler.WithName("cache-cleanup"),
		scheduler.WithInterval(cfg.Cache.CleanupInterval.Duration()))
	if err != nil {
		return err
	}
	memorySched, err := scheduler.New(memoryJob, logger,
		scheduler.WithName("memory-cleanup"),
		scheduler.WithInterval(cfg.Learning.CleanupInterval.Duration()),
		scheduler.WithRunOnStart(true),
		scheduler.WithJobTimeout(time.Minute))
	if err != nil {
		return err
	}
	r.schedulers = []*scheduler.Scheduler{cacheSched, memorySched}
	return nil
}

func (r *registry) Config() *config.Config             { return r.cfg }
func (r *registry) Logger() *logging.Logger            { return r.logger }
func (r *registry) Cache() *rescache.Cache             { return r.cache }
func (r *registry) Memory() *memory.Store              { return r.memory }
func (r *registry) Retriever() *retrieval.Retriever    { return r.retriever }
func (r *registry) Coordinator() *learning.Coordinator { return r.coordinator }
func (r *registry) Telemetry() *telemetry.Telemetry    { return r.telemetry }

func (r *registry) Start() error {
	for _, s := range r.schedulers {
		if err := s.Start(); err != nil && !errors.Is(err, scheduler.ErrAlreadyRunning) {
			return err
		}
	}
	return nil
}

func (r *registry) Close() error {
	var errs []error
	for _, s := range r.schedulers {
		if err := s.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.telemetry.Shutdown(context.Background()); err != nil {
		errs = append(errs, err)
	}
	if err := r.closeBackend(); err != nil {
		errs = append(errs, err)
	}
	if err := r.logger.Sync(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// release undoes a partially built registry.
func (r *registry) release(ctx context.Context) {
	_ = r.telemetry.Shutdown(ctx)
	_ = r.closeBackend()
}

func (r *registry) closeBackend() error {
	if r.backend == nil {
		return nil
	}
	err := r.backend.Close()
	r.backend = nil
	if err != nil {
		return fmt.Errorf("failed to close memory backend: %w", err)
	}
	return nil
}
