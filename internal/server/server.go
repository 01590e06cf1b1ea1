// Package server wires the SOAR components together from configuration and
// runs them until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"boundary-soar/internal/api"
	"boundary-soar/internal/api/dashboard"
	"boundary-soar/internal/config"
	"boundary-soar/internal/correlation"
	"boundary-soar/internal/entity"
	apperrors "boundary-soar/internal/errors"
	"boundary-soar/internal/incident"
	"boundary-soar/internal/kafka"
	"boundary-soar/internal/metrics"
	"boundary-soar/internal/pipeline"
	"boundary-soar/internal/response"
	"boundary-soar/internal/scheduler"
	"boundary-soar/internal/storage"
	"boundary-soar/internal/storage/s3"
	"boundary-soar/internal/store"
)

// Option customizes Build.
type Option func(*options)

type options struct {
	scheduler scheduler.Scheduler
	now       func() time.Time
	version   string
}

// WithScheduler replaces the timer-backed scheduler used for delayed
// responses and escalations.
func WithScheduler(s scheduler.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// WithClock sets the clock used by the orchestrator and enforcement state.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// Server owns every component of a running SOAR instance.
type Server struct {
	config *config.Config

	Pipeline     *pipeline.Pipeline
	Engine       *correlation.Engine
	Orchestrator *response.Orchestrator
	Ledger       *incident.Ledger

	scheduler scheduler.Scheduler
	resolver  response.CountryResolver
	periodic  *scheduler.Periodic
	registry  *prometheus.Registry
	stack     *api.Stack
	http      *http.Server

	redis       *redis.Client
	clickhouse  *storage.ClickHouseClient
	batchWriter *storage.BatchWriter
	producer    *kafka.Producer
	consumer    *kafka.Consumer
	closers     []io.Closer
}

// Build constructs every component described by cfg. External backends
// are connected and verified here so that misconfiguration fails fast.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.scheduler == nil {
		o.scheduler = scheduler.NewTimers()
	}

	apperrors.SetProductionMode(cfg.Server.ProductionMode)

	s := &Server{
		config:    cfg,
		scheduler: o.scheduler,
		periodic:  scheduler.NewPeriodic(),
		registry:  prometheus.NewRegistry(),
	}
	metrics.Register(s.registry)
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ok := false
	defer func() {
		if !ok {
			s.closeBackends()
		}
	}()

	stores, err := s.openStores(cfg)
	if err != nil {
		return nil, err
	}

	if err := s.buildComponents(cfg, stores, o); err != nil {
		return nil, err
	}
	if err := s.connectStorage(ctx, cfg); err != nil {
		return nil, err
	}
	if err := s.connectKafka(cfg); err != nil {
		return nil, err
	}
	if err := s.connectArchive(ctx, cfg); err != nil {
		return nil, err
	}
	if err := s.Pipeline.RegisterSweeps(s.periodic); err != nil {
		return nil, err
	}
	if err := s.buildHTTP(cfg, o); err != nil {
		return nil, err
	}

	ok = true
	return s, nil
}

type stores struct {
	entities     store.Store[entity.Entity]
	correlations store.Store[correlation.Correlation]
	incidents    store.Store[incident.Incident]
	stakeholders store.Store[incident.Stakeholder]
	executions   store.Store[response.Execution]
	reviews      store.Store[response.Review]
	blocks       store.Store[response.IPBlock]
	locks        store.Store[response.AccountLock]
}

func (s *Server) openStores(cfg *config.Config) (*stores, error) {
	if cfg.Store.Backend != config.StoreRedis {
		return &stores{
			entities:     store.NewMemory[entity.Entity](),
			correlations: store.NewMemory[correlation.Correlation](),
			incidents:    store.NewMemory[incident.Incident](),
			stakeholders: store.NewMemory[incident.Stakeholder](),
			executions:   store.NewMemory[response.Execution](),
			reviews:      store.NewMemory[response.Review](),
			blocks:       store.NewMemory[response.IPBlock](),
			locks:        store.NewMemory[response.AccountLock](),
		}, nil
	}

	client, err := store.NewRedisClient(cfg.Store.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	s.redis = client
	slog.Info("redis store connected", "addr", cfg.Store.Redis.Addr, "db", cfg.Store.Redis.DB)

	prefix := cfg.Store.Redis.KeyPrefix
	return &stores{
		entities:     store.NewRedis[entity.Entity](client, prefix, "entities", 0),
		correlations: store.NewRedis[correlation.Correlation](client, prefix, "correlations", 0),
		incidents:    store.NewRedis[incident.Incident](client, prefix, "incidents", 0),
		stakeholders: store.NewRedis[incident.Stakeholder](client, prefix, "stakeholders", 0),
		executions:   store.NewRedis[response.Execution](client, prefix, "executions", 0),
		reviews:      store.NewRedis[response.Review](client, prefix, "reviews", 0),
		blocks:       store.NewRedis[response.IPBlock](client, prefix, "blocks", 0),
		locks:        store.NewRedis[response.AccountLock](client, prefix, "locks", 0),
	}, nil
}

func (s *Server) buildComponents(cfg *config.Config, st *stores, o options) error {
	s.Ledger = incident.NewLedger(cfg.Incidents, st.incidents, incident.NewStakeholders(st.stakeholders), s.scheduler)
	if cfg.Notify.Enabled {
		s.Ledger.SetNotifier(incident.NewRouter(cfg.Notify.WebhookHeaders))
	}

	engine, err := correlation.NewEngine(cfg.Correlation.Engine, st.correlations)
	if err != nil {
		return err
	}
	s.Engine = engine
	engine.SetIncidentSink(s.Ledger)
	if cfg.Correlation.BuiltinRules {
		for _, rule := range correlation.BuiltinRules() {
			if err := engine.AddRule(rule); err != nil {
				return fmt.Errorf("builtin rule %s: %w", rule.ID, err)
			}
		}
	}

	enf := response.NewEnforcement(st.blocks, st.locks)
	s.Ledger.SetBlocker(enf)

	if err := s.openResolver(cfg); err != nil {
		return err
	}

	rcfg := cfg.Response.Orchestrator
	if cfg.Response.BuiltinPolicies {
		rcfg.Policies = append(response.BuiltinPolicies(), rcfg.Policies...)
	}
	s.Orchestrator = response.NewOrchestrator(rcfg, st.executions, st.reviews, enf, s.scheduler)
	for _, h := range response.DefaultHandlers(rcfg.Actions, enf, s.Ledger, s.resolver) {
		s.Orchestrator.RegisterHandler(h)
	}
	if o.now != nil {
		enf.SetClock(o.now)
		s.Orchestrator.SetClock(o.now)
	}

	p, err := pipeline.New(cfg.Pipeline, entity.NewTracker(st.entities), engine, s.Orchestrator)
	if err != nil {
		return err
	}
	s.Pipeline = p

	slog.Info("components built",
		"rules", len(engine.GetRules()),
		"policies", len(s.Orchestrator.Policies()),
		"store", cfg.Store.Backend,
	)
	return nil
}

func (s *Server) openResolver(cfg *config.Config) error {
	s.resolver = response.NoopResolver{}
	if cfg.GeoIP.DatabasePath == "" {
		return nil
	}
	r, err := response.OpenMaxMind(cfg.GeoIP.DatabasePath)
	if err != nil {
		return fmt.Errorf("open geoip database: %w", err)
	}
	s.resolver = r
	s.closers = append(s.closers, r)
	return nil
}

func (s *Server) connectStorage(ctx context.Context, cfg *config.Config) error {
	if !cfg.Storage.ClickHouse.Enabled {
		return nil
	}

	client, err := storage.NewClickHouseClient(ctx, cfg.Storage.ClickHouse)
	if err != nil {
		return err
	}
	s.clickhouse = client

	if cfg.Storage.Migrate {
		if err := storage.NewMigrator(client).Run(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}
	if err := storage.NewRetentionManager(client, cfg.Storage.Retention).ApplyTTLs(ctx); err != nil {
		slog.Warn("failed to apply retention TTLs", "error", err)
	}

	s.batchWriter = storage.NewBatchWriter(client, cfg.Storage.BatchWriter)
	sink := storage.NewAuditSink(s.batchWriter)
	s.Ledger.AddHandler(sink.IncidentHandler())
	s.Engine.AddHandler(sink.CorrelationHandler())
	s.Orchestrator.AddListener(sink.ExecutionListener())

	slog.Info("clickhouse audit sink enabled",
		"hosts", cfg.Storage.ClickHouse.Hosts,
		"database", cfg.Storage.ClickHouse.Database,
	)
	return nil
}

func (s *Server) connectKafka(cfg *config.Config) error {
	if !cfg.Kafka.Enabled {
		return nil
	}

	if cfg.Kafka.EventsTopic != "" {
		producer, err := kafka.NewProducer(cfg.Kafka)
		if err != nil {
			return err
		}
		s.producer = producer
		s.Engine.AddHandler(producer.CorrelationHandler())
		s.Ledger.AddHandler(producer.IncidentHandler())
	}

	if cfg.Kafka.SignalsTopic != "" {
		handler := kafka.SignalHandler(s.Pipeline.Submit, pipeline.ErrInvalidSignal, pipeline.ErrDuplicateSignal)
		consumer, err := kafka.NewConsumer(cfg.Kafka, handler)
		if err != nil {
			return err
		}
		s.consumer = consumer
	}

	slog.Info("kafka enabled",
		"brokers", cfg.Kafka.Brokers,
		"signals_topic", cfg.Kafka.SignalsTopic,
		"events_topic", cfg.Kafka.EventsTopic,
	)
	return nil
}

func (s *Server) connectArchive(ctx context.Context, cfg *config.Config) error {
	if !cfg.Archive.S3.Enabled {
		return nil
	}
	client, err := s3.NewClient(ctx, cfg.Archive.S3)
	if err != nil {
		return err
	}
	archiver := s3.NewArchiver(client, cfg.Archive.Archiver)
	s.Engine.SetArchiver(archiver)
	s.Orchestrator.SetArchiver(archiver)
	slog.Info("s3 archive enabled", "bucket", cfg.Archive.S3.Bucket, "prefix", cfg.Archive.S3.Prefix)
	return nil
}

func (s *Server) buildHTTP(cfg *config.Config, o options) error {
	rules := correlation.NewRuleHandler(s.Engine, cfg.Correlation.RulesDir)
	if err := rules.LoadCustomRules(); err != nil {
		return fmt.Errorf("load custom rules: %w", err)
	}

	checks := map[string]api.Check{}
	if s.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return s.redis.Ping(ctx).Err() }
	}
	if s.clickhouse != nil {
		checks["clickhouse"] = s.clickhouse.Ping
	}

	muxOpts := api.Options{
		Routes: []api.Registrar{
			pipeline.NewHTTPHandler(s.Pipeline).WithMaxBatch(cfg.Server.MaxBatchSize),
			rules,
			response.NewHTTPHandler(s.Orchestrator),
			incident.NewHTTPHandler(s.Ledger),
			dashboard.New(s.Pipeline, s.Engine, s.Orchestrator, s.Ledger),
		},
		Checks:  checks,
		Version: o.version,
	}
	if cfg.Metrics.Enabled {
		muxOpts.Gatherer = s.registry
		muxOpts.MetricsPath = cfg.Metrics.Path
	}

	stack, err := api.Wrap(api.NewMux(muxOpts), cfg, s.Orchestrator.Enforcement(), s.resolver, nil)
	if err != nil {
		return err
	}
	s.stack = stack

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      stack.Handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.stack.Handler
}

// Start starts background work: the pipeline workers, periodic sweeps, the
// Kafka producer and consumer.
func (s *Server) Start(ctx context.Context) {
	s.Pipeline.Start(ctx)
	s.periodic.Start()
	if s.producer != nil {
		s.producer.Start(ctx)
	}
	if s.consumer != nil {
		go func() {
			if err := s.consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("kafka consumer stopped", "error", err)
			}
		}()
	}
}

// Run starts the server, serves HTTP until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.Start(runCtx)

	errc := make(chan error, 1)
	go func() {
		slog.Info("starting soar server", "address", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown requested")
	case serveErr = <-errc:
		slog.Error("server error", "error", serveErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	cancel()
	s.Shutdown(shutdownCtx)
	return serveErr
}

// Shutdown stops background work and releases backends. The HTTP listener,
// if any, must already be closed.
func (s *Server) Shutdown(ctx context.Context) {
	if s.consumer != nil {
		if err := s.consumer.Close(); err != nil {
			slog.Error("kafka consumer close error", "error", err)
		}
	}
	s.Pipeline.Stop()

	if err := s.periodic.Stop(ctx); err != nil {
		slog.Warn("periodic sweeps did not finish", "error", err)
	}
	if stopper, ok := s.scheduler.(interface{ Stop(context.Context) error }); ok {
		if err := stopper.Stop(ctx); err != nil {
			slog.Warn("scheduled tasks did not finish", "error", err)
		}
	}
	if s.stack != nil {
		s.stack.Close()
	}

	stats := s.Pipeline.Stats()
	slog.Info("pipeline stopped",
		"accepted", stats.Accepted,
		"rejected", stats.Rejected,
		"duplicates", stats.Duplicates,
	)

	s.closeBackends()
}

func (s *Server) closeBackends() {
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			slog.Error("kafka producer close error", "error", err)
		}
		s.producer = nil
	}
	if s.batchWriter != nil {
		if err := s.batchWriter.Close(); err != nil {
			slog.Error("batch writer close error", "error", err)
		}
		m := s.batchWriter.Metrics()
		slog.Info("storage metrics", "written", m.Written, "failed", m.Failed, "batches", m.Batches)
		s.batchWriter = nil
	}
	if s.clickhouse != nil {
		if err := s.clickhouse.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
		s.clickhouse = nil
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
		s.redis = nil
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			slog.Error("close error", "error", err)
		}
	}
	s.closers = nil
}
