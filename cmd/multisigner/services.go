package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/signtusk/multisigner/pkg/artifacts"
	"github.com/signtusk/multisigner/pkg/audit"
	"github.com/signtusk/multisigner/pkg/config"
	"github.com/signtusk/multisigner/pkg/finalize"
	"github.com/signtusk/multisigner/pkg/mfa"
	"github.com/signtusk/multisigner/pkg/notify"
	"github.com/signtusk/multisigner/pkg/observability"
	"github.com/signtusk/multisigner/pkg/ratelimit"
	"github.com/signtusk/multisigner/pkg/resiliency"
	"github.com/signtusk/multisigner/pkg/store"
	"github.com/signtusk/multisigner/pkg/verify"
	"github.com/signtusk/multisigner/pkg/workflow"
)

const notificationChannel = "multisigner:notifications"

var errMFAKeyRequired = errors.New("MFA_MASTER_KEY is required for this command")

// Services is the wired component graph shared by the server and the
// operational subcommands. Secrets, Gate and Workflow are nil when no MFA
// master key is configured.
type Services struct {
	Config *config.Config
	Policy *config.Policy

	Store     *store.SQLStore
	Secrets   *mfa.SecretStore
	Artifacts artifacts.Store
	Redis     *redis.Client

	Limiter  ratelimit.Limiter
	Notifier *notify.Dispatcher
	Audit    audit.Logger
	Obs      *observability.Provider

	Gate      *mfa.Gate
	Finalizer *finalize.Service
	Retry     *finalize.RetryRunner
	Workflow  *workflow.Coordinator
	Verifier  *verify.Service
}

// NewServices connects storage and builds every component. The caller owns
// the returned Services and must Close it.
func NewServices(ctx context.Context, cfg *config.Config, pol *config.Policy, logger *slog.Logger) (_ *Services, err error) {
	svc := &Services{Config: cfg, Policy: pol, Audit: audit.NewLogger()}
	defer func() {
		if err != nil {
			svc.Close(context.Background())
		}
	}()

	if svc.Store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}

	if svc.Artifacts, err = artifacts.NewStore(ctx, cfg.Artifacts); err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	log.Printf("[multisigner] artifacts: %s", storeTypeName(cfg.Artifacts.Type))

	svc.Obs = observability.Disabled()
	if cfg.OTelEnabled {
		oc := observability.DefaultConfig()
		oc.Enabled = true
		oc.OTLPEndpoint = cfg.OTelEndpoint
		provider, oerr := observability.New(ctx, oc)
		if oerr != nil {
			// Telemetry is optional; run without it.
			logger.WarnContext(ctx, "observability disabled", "error", oerr)
		} else {
			svc.Obs = provider
			log.Printf("[multisigner] otel: exporting to %s", cfg.OTelEndpoint)
		}
	}

	var sink notify.Sink = notify.LogSink{Logger: logger.With("component", "notify")}
	svc.Limiter = ratelimit.NewMemoryLimiter()
	if cfg.RedisURL != "" {
		opts, perr := redis.ParseURL(cfg.RedisURL)
		if perr != nil {
			return nil, fmt.Errorf("REDIS_URL: %w", perr)
		}
		svc.Redis = redis.NewClient(opts)
		if err = svc.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		svc.Limiter = ratelimit.NewRedisLimiter(svc.Redis, "multisigner:rl:")
		sink = notify.MultiSink{sink, notify.NewRedisSink(svc.Redis, notificationChannel)}
		log.Println("[multisigner] redis: connected")
	}
	svc.Notifier = notify.NewDispatcher(sink, pol.Notifications)

	var generator finalize.Generator = finalize.NewCertificateGenerator(svc.Store, svc.Artifacts)
	if cfg.GeneratorURL != "" {
		generator = finalize.NewHTTPGenerator(cfg.GeneratorURL, resiliency.NewEnhancedClient("generator"))
		log.Printf("[multisigner] finalization: remote generator %s", cfg.GeneratorURL)
	}
	svc.Finalizer = finalize.NewService(svc.Store, generator, svc.Artifacts, finalize.WithObservability(svc.Obs))
	runnerOpts := []finalize.RunnerOption{
		finalize.WithRunnerNotifier(svc.Notifier),
		finalize.WithRunnerAudit(svc.Audit),
	}
	svc.Retry = finalize.NewRetryRunner(svc.Store, svc.Finalizer, pol.FinalizationRetry, runnerOpts...)
	svc.Verifier = verify.NewService(svc.Store, svc.Artifacts,
		verify.WithAudit(svc.Audit),
		verify.WithObservability(svc.Obs),
	)

	if cfg.MFAMasterKey == "" {
		return svc, nil
	}
	key, err := cfg.MFAKey()
	if err != nil {
		return nil, err
	}
	if svc.Secrets, err = mfa.NewSecretStore(svc.Store.DB(), svc.Store.Dialect(), key); err != nil {
		return nil, err
	}
	svc.Gate = mfa.NewGate(svc.Secrets, svc.Store, pol.MFA,
		mfa.WithLimiter(svc.Limiter),
		mfa.WithAudit(svc.Audit),
		mfa.WithObservability(svc.Obs),
	)
	svc.Workflow = workflow.NewCoordinator(svc.Store, svc.Gate, svc.Finalizer,
		workflow.WithNotifier(svc.Notifier),
		workflow.WithAudit(svc.Audit),
		workflow.WithObservability(svc.Obs),
		workflow.WithDocumentSettings(workflow.StaticDocumentSettings{
			Default:    pol.Signing.DefaultMode,
			ByDocument: pol.Signing.Documents,
		}),
		workflow.WithConfig(workflowConfig(pol)),
	)
	// With a coordinator available the runner also completes fully signed
	// requests whose status write was lost.
	svc.Retry = finalize.NewRetryRunner(svc.Store, svc.Finalizer, pol.FinalizationRetry,
		append(runnerOpts, finalize.WithRunnerRecoverer(svc.Workflow))...)
	return svc, nil
}

func workflowConfig(pol *config.Policy) workflow.Config {
	wc := workflow.DefaultConfig()
	wc.DefaultMode = pol.Signing.DefaultMode
	wc.DefaultExpiry = pol.Signing.DefaultExpiry
	wc.FinalizeTimeout = pol.Signing.FinalizeTimeout
	return wc
}

// Migrate creates every table the services use.
func (s *Services) Migrate(ctx context.Context) error {
	if err := s.Store.Migrate(ctx); err != nil {
		return err
	}
	if s.Secrets == nil {
		return nil
	}
	return s.Secrets.Migrate(ctx)
}

// Close drains notifications and releases connections.
func (s *Services) Close(ctx context.Context) {
	if s.Notifier != nil {
		s.Notifier.Close()
	}
	if s.Obs != nil {
		if err := s.Obs.Shutdown(ctx); err != nil {
			log.Printf("[multisigner] otel shutdown: %v", err)
		}
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.Store != nil {
		_ = s.Store.Close()
	}
}

func storeTypeName(t artifacts.StoreType) string {
	if t == "" {
		return string(artifacts.StoreTypeFS)
	}
	return string(t)
}
