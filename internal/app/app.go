// Package app wires the platform components together: shared cache,
// branch lock manager, dead letter queue, commit hook pipeline, sinks,
// and the admin HTTP server. It owns the startup and shutdown order.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"ontogate/internal/config"
	"ontogate/internal/metrics"
	"ontogate/internal/pipeline"
	"ontogate/internal/sinks"
	"ontogate/internal/validators"
	"ontogate/pkg/cache"
	"ontogate/pkg/circuit"
	"ontogate/pkg/dlq"
	"ontogate/pkg/errors"
	"ontogate/pkg/hotreload"
	"ontogate/pkg/locks"
	"ontogate/pkg/monitoring"
	"ontogate/pkg/persistence"
	"ontogate/pkg/retry"
	"ontogate/pkg/tracing"
	"ontogate/pkg/types"
)

const (
	// webhookDeliveryQueue receives webhook notifications that exhausted
	// their delivery retries.
	webhookDeliveryQueue = "webhook_delivery"

	defaultShutdownTimeout = 30 * time.Second
)

// App holds every platform component and coordinates their lifecycle.
type App struct {
	config     *types.Config
	configFile string
	logger     *logrus.Logger
	startTime  time.Time

	// Shared infrastructure
	cache          types.Cache
	journal        *persistence.Journal
	tracingManager *tracing.Manager

	// Resilience core shared by the DLQ processor
	budget   *retry.Budget
	breaker  *circuit.Breaker
	executor *retry.Executor

	// Domain services
	lockManager *locks.Manager
	dlqStore    dlq.Store
	dlqHandler  *dlq.Handler

	// Commit hook pipeline
	pipeline          *pipeline.Pipeline
	validationService *validators.Service
	busSink           *sinks.BusSink
	auditSink         *sinks.AuditSink
	webhookSink       *sinks.WebhookSink
	metricsSink       *sinks.MetricsSink

	// Operational components
	metricsServer   *metrics.MetricsServer
	runtimeSampler  *metrics.RuntimeSampler
	resourceMonitor *monitoring.ResourceMonitor
	reloader        *hotreload.ConfigReloader
	httpServer      *http.Server

	shutdownTimeout time.Duration

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdown     chan struct{}
	shutdownOnce sync.Once
	stopOnce     sync.Once
}

// New loads and validates the configuration, then builds every component.
// Nothing is started yet; call Start or Run.
func New(configFile string) (*App, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.App.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	shutdownTimeout := defaultShutdownTimeout
	if cfg.App.ShutdownTimeout != "" {
		if d, err := time.ParseDuration(cfg.App.ShutdownTimeout); err == nil && d > 0 {
			shutdownTimeout = d
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		config:          cfg,
		configFile:      configFile,
		logger:          logger,
		startTime:       time.Now(),
		shutdownTimeout: shutdownTimeout,
		ctx:             ctx,
		cancel:          cancel,
		shutdown:        make(chan struct{}),
	}

	if err := app.initializeComponents(); err != nil {
		cancel()
		return nil, err
	}
	return app, nil
}

// initializeComponents builds the platform bottom-up: infrastructure,
// resilience, sinks and DLQ, lock manager, pipeline, operational pieces.
func (app *App) initializeComponents() error {
	if err := app.initializeTracing(); err != nil {
		return err
	}
	if err := app.initializeStorage(); err != nil {
		return err
	}
	app.initializeResilience()
	app.initializeLockManager()
	app.initializeSinks()
	app.initializeDLQ()
	if err := app.initializePipeline(); err != nil {
		return err
	}
	app.initializeOperational()
	if err := app.initializeHotReload(); err != nil {
		return err
	}
	if app.config.Server.Enabled {
		app.initializeHTTPServer()
	}
	return nil
}

func (app *App) initializeTracing() error {
	tm, err := tracing.NewManager(app.config.Tracing, app.config.App.Version, app.config.App.Environment, app.logger)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	app.tracingManager = tm
	return nil
}

// initializeStorage builds the shared cache (redis or process-local) and
// the durable branch state journal.
func (app *App) initializeStorage() error {
	if app.config.Redis.Enabled {
		redisCache, err := cache.NewRedisCache(app.config.Redis, app.logger)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		app.cache = redisCache
	} else {
		app.cache = cache.NewMemoryCache(time.Minute)
		app.logger.WithField("component", "app").Info("Redis disabled, using in-memory cache")
	}

	if dir := app.config.LockManager.StateDir; dir != "" {
		app.journal = persistence.NewJournal(persistence.Config{Directory: dir}, app.logger)
	}
	return nil
}

// initializeResilience builds the retry budget, the DLQ processor breaker
// and the executor they feed.
func (app *App) initializeResilience() {
	app.budget = retry.NewBudget(retry.BudgetConfig{})
	app.breaker = circuit.NewBreaker(circuit.BreakerConfig{Name: "dlq_processor"}, app.logger)
	app.executor = retry.NewExecutor(app.budget, app.breaker, app.logger)
}

func (app *App) initializeLockManager() {
	var durable types.DurableStore
	if app.journal != nil {
		durable = app.journal
	}
	app.lockManager = locks.NewManager(app.config.LockManager, app.cache, durable, app.logger)
}

func (app *App) initializeSinks() {
	app.busSink = sinks.NewBusSink(app.config.Sinks.Bus, app.logger)
	app.auditSink = sinks.NewAuditSink(app.config.Sinks.Audit, app.logger)
	app.webhookSink = sinks.NewWebhookSink(app.config.Sinks.Webhook, app.logger)
	app.metricsSink = sinks.NewMetricsSink(app.config.Sinks.Metrics, app.logger)
}

// initializeDLQ builds the store (redis when the shared cache is redis,
// in-memory otherwise), registers the configured queues and bridges
// exhausted webhook deliveries into the webhook_delivery queue.
func (app *App) initializeDLQ() {
	if !app.config.DLQ.Enabled {
		return
	}

	if redisCache, ok := app.cache.(*cache.RedisCache); ok {
		app.dlqStore = dlq.NewRedisStore(redisCache.Client(), app.logger)
	} else {
		app.dlqStore = dlq.NewMemoryStore()
	}
	app.dlqHandler = dlq.NewHandler(app.config.DLQ, app.dlqStore, app.executor, app.busSink, app.logger)

	for _, qc := range app.config.DLQ.Queues {
		switch qc.Name {
		case webhookDeliveryQueue:
			app.dlqHandler.RegisterQueue(qc, app.redeliverWebhook)
		default:
			app.dlqHandler.RegisterQueue(qc, app.redriveToBus(qc.Name))
		}
	}

	app.webhookSink.SetFailureHandler(func(ctx context.Context, payload []byte, traceID string, cause error) {
		_, err := app.dlqHandler.SendToDLQ(ctx, webhookDeliveryQueue, payload,
			types.ReasonWebhookFailed, cause.Error(), 0,
			map[string]interface{}{"trace_id": traceID})
		if err != nil {
			metrics.RecordError("app", "dlq_handoff")
			app.logger.WithError(err).WithFields(logrus.Fields{
				"component": "app",
				"trace_id":  traceID,
			}).Error("Failed to park exhausted webhook delivery in DLQ")
		}
	})
}

// redeliverWebhook retries a dead-lettered webhook notification with a
// single post per attempt; the DLQ executor owns the schedule.
func (app *App) redeliverWebhook(ctx context.Context, msg *types.DLQMessage) error {
	traceID, _ := msg.Metadata["trace_id"].(string)
	return app.webhookSink.Deliver(ctx, msg.OriginalMessage, traceID)
}

// redriveToBus returns a handler that republishes dead letters onto the
// message bus for downstream consumers. The target topic comes from the
// message metadata, falling back to {prefix}.dlq.redrive.{queue}.
func (app *App) redriveToBus(queue string) types.QueueHandler {
	return func(ctx context.Context, msg *types.DLQMessage) error {
		topic, _ := msg.Metadata["topic"].(string)
		if topic == "" {
			prefix := strings.TrimSuffix(app.config.Sinks.Bus.TopicPrefix, ".")
			topic = fmt.Sprintf("%s.dlq.redrive.%s", prefix, queue)
		}
		return app.busSink.PublishEvent(ctx, topic, msg.OriginalMessage, map[string]string{
			"message-id": msg.MessageID,
			"queue":      queue,
		})
	}
}

// initializePipeline builds the validation service, the validators, and
// the pipeline, then registers sinks and the branch write guard hook.
func (app *App) initializePipeline() error {
	app.validationService = validators.NewService(app.config.ValidationService, app.cache, app.logger)

	pipe := pipeline.NewPipeline(app.config.Pipeline, app.logger)

	// The audit sink registers first so it becomes the pipeline's audit
	// reporter for bypass and high-severity events.
	pipe.RegisterSink(app.auditSink)
	pipe.RegisterSink(app.busSink)
	pipe.RegisterSink(app.webhookSink)
	pipe.RegisterSink(app.metricsSink)

	tampering := validators.NewTamperingValidator(validators.TamperingConfig{
		Enabled: app.config.Validators.Tampering.Enabled,
		Strict:  app.config.Pipeline.StrictSecurity,
	}, app.logger)
	tampering.SetAuditReporter(app.auditSink)
	pipe.RegisterValidator(tampering)

	schemaCfg := validators.SchemaConfig{
		Enabled:           app.config.Validators.Schema.Enabled,
		ProtectedPurposes: app.config.Validators.Schema.ProtectedBranches,
		ReservedPrefixes:  app.config.Validators.Schema.ReservedPrefixes,
		CacheTTLSeconds:   app.config.Pipeline.SchemaCacheTTLSeconds,
	}
	if file := app.config.Validators.Schema.DefinitionsFile; file != "" {
		schemas, err := loadSchemaDefinitions(file)
		if err != nil {
			return fmt.Errorf("loading schema definitions: %w", err)
		}
		schemaCfg.Schemas = schemas
	}
	pipe.RegisterValidator(validators.NewSchemaValidator(schemaCfg, app.cache, app.logger))

	pipe.RegisterValidator(validators.NewPIIValidator(validators.PIIConfig{
		Enabled:            app.config.Validators.PII.Enabled && app.config.Pipeline.EnablePIIValidation,
		AllowedEmailFields: app.config.Validators.PII.AllowedEmailFields,
	}, app.logger))

	rules := validators.NewRuleValidator(validators.RuleConfig{
		Enabled:   app.config.Validators.Rules.Enabled,
		Strict:    app.config.Pipeline.StrictValidation,
		Level:     app.config.Validators.Rules.Level,
		SkipRules: app.config.Validators.Rules.SkipRules,
	}, app.validationService, app.logger)
	rules.SetAuditReporter(app.auditSink)
	pipe.RegisterValidator(rules)

	// Commits are refused while the branch holds a conflicting lock.
	pipe.RegisterHook(pipeline.NewFuncHook("branch_write_guard", types.HookPre,
		func(ctx context.Context, dc *types.DiffContext) error {
			allowed, reason := app.lockManager.CheckWritePermission(ctx, dc.Meta.Branch, "commit", "", "")
			if !allowed {
				return errors.New(errors.CodeLockConflict, "app", "branch_write_guard", reason)
			}
			return nil
		}))

	app.pipeline = pipe
	return nil
}

func (app *App) initializeOperational() {
	if app.config.Metrics.Enabled {
		app.metricsServer = metrics.NewMetricsServer(app.config.Metrics, app.logger)
		app.runtimeSampler = metrics.NewRuntimeSampler(30*time.Second, app.logger)
	}

	if app.config.ResourceMonitoring.Enabled {
		app.resourceMonitor = monitoring.NewResourceMonitor(app.config.ResourceMonitoring, app.logger)
		app.pipeline.SetDegradedCheck(app.resourceMonitor.Degraded)
	}
}

func (app *App) initializeHotReload() error {
	if !app.config.HotReload.Enabled {
		return nil
	}
	reloader, err := hotreload.NewConfigReloader(app.config.HotReload, app.configFile, app.logger)
	if err != nil {
		return fmt.Errorf("initializing config reloader: %w", err)
	}
	reloader.SetCallbacks(app.onConfigChanged,
		func(*types.Config) {
			app.logger.WithField("component", "app").Info("Configuration reloaded")
		},
		func(err error) {
			metrics.RecordError("app", "config_reload")
			app.logger.WithError(err).WithField("component", "app").Error("Configuration reload failed")
		})
	app.reloader = reloader
	return nil
}

// onConfigChanged validates the updated file and applies the dynamic
// subset: pipeline flags and log level. Structural settings require a
// restart.
func (app *App) onConfigChanged(_, updated *types.Config) error {
	if err := config.ValidateConfig(updated); err != nil {
		return err
	}

	app.pipeline.ApplyConfig(updated.Pipeline)

	if level, err := logrus.ParseLevel(updated.App.LogLevel); err == nil {
		app.logger.SetLevel(level)
	}

	app.config.Pipeline = updated.Pipeline
	app.config.App.LogLevel = updated.App.LogLevel
	return nil
}

func (app *App) initializeHTTPServer() {
	router := mux.NewRouter()
	app.registerHandlers(router)

	readTimeout := parseServerTimeout(app.config.Server.ReadTimeout, 15*time.Second)
	writeTimeout := parseServerTimeout(app.config.Server.WriteTimeout, 30*time.Second)

	var handler http.Handler = router
	if app.tracingManager != nil && app.tracingManager.Enabled() {
		handler = app.tracingManager.Middleware(router)
	}

	app.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port),
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
}

func parseServerTimeout(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// loadSchemaDefinitions reads a YAML file mapping type names to field
// constraint sets.
func loadSchemaDefinitions(path string) (map[string]validators.TypeSchema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var schemas map[string]validators.TypeSchema
	if err := yaml.Unmarshal(raw, &schemas); err != nil {
		return nil, err
	}
	return schemas, nil
}

// Start launches every component in dependency order: observability
// first, then the pipeline and its consumers, the background services,
// and the admin server last.
func (app *App) Start() error {
	app.logger.WithFields(logrus.Fields{
		"name":        app.config.App.Name,
		"version":     app.config.App.Version,
		"environment": app.config.App.Environment,
	}).Info("Starting ontology gateway")

	if app.metricsServer != nil {
		if err := app.metricsServer.Start(); err != nil {
			return fmt.Errorf("starting metrics server: %w", err)
		}
	}
	if app.runtimeSampler != nil {
		if err := app.runtimeSampler.Start(); err != nil {
			app.logger.WithError(err).Warn("Runtime sampler failed to start")
		}
	}

	if app.journal != nil {
		if err := app.journal.Start(); err != nil {
			return fmt.Errorf("starting state journal: %w", err)
		}
	}

	if err := app.pipeline.Start(); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}

	if app.dlqHandler != nil {
		if err := app.dlqHandler.Start(); err != nil {
			return fmt.Errorf("starting DLQ processor: %w", err)
		}
	}

	if err := app.lockManager.Start(); err != nil {
		return fmt.Errorf("starting lock manager: %w", err)
	}

	if app.resourceMonitor != nil {
		if err := app.resourceMonitor.Start(); err != nil {
			app.logger.WithError(err).Warn("Resource monitor failed to start")
		}
	}

	if app.reloader != nil {
		if err := app.reloader.Start(); err != nil {
			app.logger.WithError(err).Warn("Config reloader failed to start")
		}
	}

	if app.httpServer != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.logger.WithField("addr", app.httpServer.Addr).Info("Admin API listening")
			if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				app.logger.WithError(err).Error("Admin API server failed")
			}
		}()
	}

	metrics.SetComponentHealth("app", true)
	app.logger.WithField("component", "app").Info("All components started")
	return nil
}

// Stop shuts the platform down in reverse order: stop intake, drain the
// pipeline executor and DLQ processor, stop the sweeps, flush the
// producer, close the stores. Safe to call more than once.
func (app *App) Stop() error {
	app.stopOnce.Do(func() {
		app.logger.WithField("component", "app").Info("Stopping ontology gateway")
		metrics.SetComponentHealth("app", false)
		app.cancel()

		if app.httpServer != nil {
			shutCtx, cancel := context.WithTimeout(context.Background(), app.shutdownTimeout)
			if err := app.httpServer.Shutdown(shutCtx); err != nil {
				app.logger.WithError(err).Warn("Admin API shutdown failed")
			}
			cancel()
		}

		if app.reloader != nil {
			if err := app.reloader.Stop(); err != nil {
				app.logger.WithError(err).Warn("Config reloader stop failed")
			}
		}
		if app.resourceMonitor != nil {
			if err := app.resourceMonitor.Stop(); err != nil {
				app.logger.WithError(err).Warn("Resource monitor stop failed")
			}
		}

		if err := app.lockManager.Stop(); err != nil {
			app.logger.WithError(err).Warn("Lock manager stop failed")
		}
		if app.dlqHandler != nil {
			if err := app.dlqHandler.Stop(); err != nil {
				app.logger.WithError(err).Warn("DLQ processor stop failed")
			}
		}

		// Drains the executor and flushes the sink producers.
		if err := app.pipeline.Stop(); err != nil {
			app.logger.WithError(err).Warn("Pipeline stop failed")
		}

		if app.dlqStore != nil {
			if err := app.dlqStore.Close(); err != nil {
				app.logger.WithError(err).Warn("DLQ store close failed")
			}
		}
		if app.journal != nil {
			if err := app.journal.Stop(); err != nil {
				app.logger.WithError(err).Warn("State journal stop failed")
			}
		}

		if app.runtimeSampler != nil {
			if err := app.runtimeSampler.Stop(); err != nil {
				app.logger.WithError(err).Warn("Runtime sampler stop failed")
			}
		}
		if app.metricsServer != nil {
			if err := app.metricsServer.Stop(); err != nil {
				app.logger.WithError(err).Warn("Metrics server stop failed")
			}
		}

		if app.tracingManager != nil {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := app.tracingManager.Shutdown(shutCtx); err != nil {
				app.logger.WithError(err).Warn("Tracing shutdown failed")
			}
			cancel()
		}

		if app.cache != nil {
			if err := app.cache.Close(); err != nil {
				app.logger.WithError(err).Warn("Cache close failed")
			}
		}

		app.wg.Wait()
		app.logger.WithField("component", "app").Info("Shutdown complete")
	})
	return nil
}

// Run starts the platform and blocks until SIGINT/SIGTERM or an admin
// shutdown request, then stops it.
func (app *App) Run() error {
	if err := app.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	case <-app.shutdown:
		app.logger.Info("Shutdown requested through admin API")
	case <-app.ctx.Done():
	}

	return app.Stop()
}

// requestShutdown asks Run to begin graceful shutdown. Safe to call more
// than once.
func (app *App) requestShutdown() {
	app.shutdownOnce.Do(func() { close(app.shutdown) })
}

// Pipeline exposes the commit hook pipeline for embedding callers.
func (app *App) Pipeline() *pipeline.Pipeline { return app.pipeline }

// LockManager exposes the branch lock manager for embedding callers.
func (app *App) LockManager() *locks.Manager { return app.lockManager }

// DLQ exposes the dead letter queue handler for embedding callers. Nil
// when the DLQ service is disabled.
func (app *App) DLQ() *dlq.Handler { return app.dlqHandler }
