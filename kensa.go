// Package kensa is the public API for embedding the Kensa eval server.
//
// Consumers import this package to run the server with their own model
// backends or HTTP middleware without forking it:
//
//	app, err := kensa.New(
//	    kensa.WithVersion(version),
//	    kensa.WithLogger(logger),
//	    kensa.WithModelCaller("bedrock", myBedrockCaller{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*; internal/* never imports the root.
// Public types are standalone structs and the adapters that bridge them to
// internal types live in this file.
package kensa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kensa/api"
	"github.com/ashita-ai/kensa/internal/accuracy"
	"github.com/ashita-ai/kensa/internal/auth"
	"github.com/ashita-ai/kensa/internal/config"
	"github.com/ashita-ai/kensa/internal/evalrun"
	"github.com/ashita-ai/kensa/internal/judge"
	"github.com/ashita-ai/kensa/internal/mcp"
	"github.com/ashita-ai/kensa/internal/ratelimit"
	"github.com/ashita-ai/kensa/internal/review"
	"github.com/ashita-ai/kensa/internal/rubric"
	"github.com/ashita-ai/kensa/internal/rules"
	"github.com/ashita-ai/kensa/internal/runner"
	"github.com/ashita-ai/kensa/internal/server"
	"github.com/ashita-ai/kensa/internal/storage"
	"github.com/ashita-ai/kensa/internal/telemetry"
	"github.com/ashita-ai/kensa/internal/worker"
	"github.com/ashita-ai/kensa/migrations"
)

const (
	httpShutdownTimeout = 15 * time.Second
	workerDrainTimeout  = 30 * time.Second
)

// App is the Kensa server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	scheduler    *worker.Scheduler      // nil when the worker is disabled
	sweeper      *worker.TimeoutSweeper // nil when the worker is disabled
	broker       *server.Broker         // nil when no notify connection
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Kensa server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections. Call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kensa starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		Endpoint:       cfg.OTELEndpoint,
		Insecure:       cfg.OTELInsecure,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.OTELSampleRatio,
		ExportInterval: cfg.OTELExportInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	fail := func(err error) (*App, error) {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, err
	}

	if cfg.SkipEmbeddedMigrations {
		logger.Info("embedded migrations skipped by config")
	} else if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		return fail(fmt.Errorf("migrations: %w", err))
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			return fail(fmt.Errorf("extra migrations[%d]: %w", i, err))
		}
	}

	// Verify the core table exists after migration.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'eval_runs')`,
	).Scan(&schemaOK); err != nil {
		return fail(fmt.Errorf("schema verification: %w", err))
	}
	if !schemaOK {
		return fail(errors.New("critical table 'eval_runs' does not exist after migration"))
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}

	models := newRunnerRegistry(cfg, o.modelCallers, logger)
	rubrics, err := rubric.NewRegistry()
	if err != nil {
		return fail(fmt.Errorf("rubrics: %w", err))
	}
	judgeEngine := judge.New(models, judge.Config{
		Provider:        strings.ToLower(cfg.JudgeProvider),
		Model:           cfg.JudgeModel,
		Temperature:     cfg.JudgeTemperature,
		MaxOutputTokens: cfg.JudgeMaxOutputTokens,
		MaxAttempts:     cfg.JudgeMaxAttempts,
		RetryOnFail:     cfg.JudgeRetryOnFail,
	}, logger)

	runs := evalrun.NewService(db, rubrics, evalrun.JudgeSettings{
		Model:           cfg.JudgeModel,
		MaxOutputTokens: cfg.JudgeMaxOutputTokens,
		MaxAttempts:     cfg.JudgeMaxAttempts,
	}, logger)
	reviews := review.NewService(db, logger)
	acc := accuracy.NewService(db)

	var scheduler *worker.Scheduler
	var sweeper *worker.TimeoutSweeper
	if cfg.WorkerEnabled {
		orch := evalrun.NewOrchestrator(db, rubrics, models, judgeEngine, rules.Default{}, evalrun.OrchestratorConfig{
			RunTimeout:             cfg.RunTimeout,
			DefaultMaxOutputTokens: cfg.DefaultMaxOutputTokens,
		}, logger)
		scheduler = worker.NewScheduler(db, orch, worker.Config{
			PollInterval: cfg.WorkerPollInterval,
			BatchSize:    cfg.WorkerBatchSize,
			Concurrency:  cfg.WorkerConcurrency,
		}, logger)
		sweeper = worker.NewTimeoutSweeper(orch, cfg.SweepInterval, cfg.WorkerBatchSize, logger)
		logger.Info("run worker: enabled",
			"concurrency", cfg.WorkerConcurrency, "poll_interval", cfg.WorkerPollInterval)
	} else {
		logger.Info("run worker: disabled (KENSA_WORKER_ENABLED=false)")
	}

	var broker *server.Broker
	if db.HasNotifyConn() {
		var onQueued func()
		if scheduler != nil {
			onQueued = scheduler.Nudge
		}
		broker = server.NewBroker(db, onQueued, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	mcpSrv := mcp.New(runs, reviews, acc, logger, version)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Runs:                runs,
		Reviews:             reviews,
		Accuracy:            acc,
		Logger:              logger,
		Limiter:             limiter,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		Middlewares:         middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		WorkerEnabled:       cfg.WorkerEnabled,
		OpenAPISpec:         api.OpenAPISpec,
	})

	if _, err := srv.Handlers().SeedAdmin(context.Background(), cfg.AdminAPIKey, cfg.BootstrapWorkspace); err != nil {
		return fail(fmt.Errorf("admin seed: %w", err))
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		scheduler:    scheduler,
		sweeper:      sweeper,
		broker:       broker,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the worker, the notification broker and the HTTP server, then
// blocks until ctx is cancelled or a fatal server error occurs. On return,
// Shutdown has already been called.
func (a *App) Run(ctx context.Context) error {
	if a.scheduler != nil {
		a.scheduler.Start(ctx)
		go a.sweeper.Run(ctx)
	}
	if a.broker != nil {
		go a.broker.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops accepting HTTP requests, then drains the run worker. Runs
// still in flight when the drain deadline passes are cancelled and recorded
// as failed. It then closes the database pool and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kensa shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, httpShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if a.scheduler != nil {
		drainCtx, drainCancel := context.WithTimeout(ctx, workerDrainTimeout)
		a.scheduler.Drain(drainCtx)
		drainCancel()
	}

	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("kensa stopped")
	return nil
}

// newRunnerRegistry registers the built-in providers that have credentials,
// then any callers supplied through WithModelCaller.
func newRunnerRegistry(cfg config.Config, callers map[string]ModelCaller, logger *slog.Logger) *runner.Registry {
	retry := runner.DefaultRetryConfig()
	retry.MaxRetries = cfg.RunnerMaxRetries
	retry.BaseBackoff = cfg.RunnerBaseBackoff

	reg := runner.NewRegistry(runner.Options{
		Retry:            retry,
		BreakerThreshold: cfg.RunnerBreakerThreshold,
		BreakerCooldown:  cfg.RunnerBreakerCooldown,
	}, logger)

	if cfg.AnthropicAPIKey != "" {
		reg.Register(runner.NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL))
	}
	if cfg.OpenAIAPIKey != "" {
		reg.Register(runner.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL))
	}
	for name, c := range callers {
		reg.Register(&callerProvider{name: name, caller: c})
	}

	providers := reg.Providers()
	if len(providers) == 0 {
		logger.Warn("model runner: no providers configured; every run will fail",
			"hint", "set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	} else {
		logger.Info("model runner: providers registered", "providers", providers)
	}
	judgeProvider := strings.ToLower(cfg.JudgeProvider)
	if !slices.Contains(providers, judgeProvider) {
		logger.Warn("judge provider is not registered; judge calls will fail", "provider", judgeProvider)
	}
	return reg
}

// callerProvider adapts a public ModelCaller to runner.Provider.
type callerProvider struct {
	name   string
	caller ModelCaller
}

func (p *callerProvider) Name() string { return p.name }

func (p *callerProvider) Complete(ctx context.Context, req runner.Request) (runner.Completion, error) {
	resp, err := p.caller.Call(ctx, ModelRequest{
		Model:           req.Model,
		System:          req.System,
		Prompt:          req.Prompt,
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxOutputTokens,
	})
	if err != nil {
		return runner.Completion{}, err
	}
	used := resp.UsedModel
	if used == "" {
		used = req.Model
	}
	return runner.Completion{
		Text:         resp.Text,
		UsedModel:    used,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}, nil
}
