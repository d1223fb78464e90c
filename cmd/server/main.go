package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"delegation-broker/internal/audit"
	audithandler "delegation-broker/internal/audit/handler"
	"delegation-broker/internal/audit/sink/kafka"
	"delegation-broker/internal/audit/sink/memory"
	auditpostgres "delegation-broker/internal/audit/sink/postgres"
	"delegation-broker/internal/audit/sink/redisstream"
	"delegation-broker/internal/exchange"
	"delegation-broker/internal/identity"
	"delegation-broker/internal/issuance"
	"delegation-broker/internal/platform/config"
	"delegation-broker/internal/platform/httpserver"
	"delegation-broker/internal/platform/logger"
	"delegation-broker/internal/platform/metrics"
	"delegation-broker/internal/platform/redis"
	"delegation-broker/internal/policy"
	policyhandler "delegation-broker/internal/policy/handler"
	policypostgres "delegation-broker/internal/policy/store/postgres"
	"delegation-broker/internal/session"
	sessionhandler "delegation-broker/internal/session/handler"
	httptransport "delegation-broker/internal/transport/http"
)

// main wires dependencies and owns the process lifecycle. Business logic
// lives in the internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("broker exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	reg := metrics.NewRegistry()
	closers := &closeStack{log: log}
	defer closers.run()

	rdb, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		closers.push("redis", func(context.Context) error { return rdb.Close() })
	}

	// Policy and agent registry.
	agents := identity.NewMemoryAgentRegistry()
	snapshots, reloader, err := buildPolicy(ctx, cfg.Policy, agents, closers, log)
	if err != nil {
		return err
	}
	var broadcaster policyhandler.Broadcaster
	if rdb != nil && reloader != nil {
		reloadSignal := policy.NewReloadSignal(rdb.Client, reloader, log)
		go reloadSignal.Listen(ctx)
		broadcaster = reloadSignal
	}

	// Credential verification.
	if cfg.Identity.JWKSFile == "" {
		return errors.New("IDP_JWKS_FILE is required")
	}
	userKeys, err := identity.LoadJWKS(cfg.Identity.JWKSFile)
	if err != nil {
		return err
	}
	verifier := identity.NewVerifier(identity.Config{
		Issuer:               cfg.Identity.Issuer,
		Audience:             cfg.Identity.Audience,
		ClockSkew:            cfg.Identity.ClockSkew,
		MaxAssertionLifetime: cfg.Identity.MaxAssertionLifetime,
	}, userKeys, agents)

	// Issuance.
	signer, err := loadSigner(cfg.Issuance.SigningKeyFile, log)
	if err != nil {
		return err
	}
	issuer := issuance.NewResilient(
		issuance.NewRouter(
			issuance.NewLocalIssuer(signer, cfg.Issuance.Issuer, cfg.Issuance.AccessTokenTTL),
			issuance.NewRemoteIssuer(&http.Client{Timeout: cfg.Issuance.RemoteTimeout}),
		),
		issuance.WithRateLimit(cfg.Issuance.RatePerSecond, cfg.Issuance.RateBurst),
		issuance.WithRetries(cfg.Issuance.RetryAttempts, 100*time.Millisecond),
		issuance.WithAttemptTimeout(cfg.Issuance.RemoteTimeout),
		issuance.WithMetrics(issuance.NewMetrics(reg)),
		issuance.WithLogger(log),
	)
	broker, err := exchange.New(verifier, policy.NewEvaluator(), snapshots,
		issuance.NewAssertionMinter(signer, cfg.Issuance.Issuer, cfg.Issuance.AssertionTTL),
		issuer,
		exchange.WithMaxParallel(cfg.Broker.MaxParallel),
		exchange.WithMetrics(exchange.NewMetrics(reg)),
		exchange.WithTracer(otel.Tracer("delegation-broker/exchange")),
		exchange.WithLogger(log),
	)
	if err != nil {
		return err
	}

	// Audit.
	auditLog := memory.New(cfg.Audit.MemoryLimit)
	sinks, err := buildSinks(ctx, cfg, rdb, auditLog, closers, log)
	if err != nil {
		return err
	}
	emitter := audit.NewEmitter(sinks,
		audit.WithBufferSize(cfg.Audit.BufferSize),
		audit.WithRetry(3, 200*time.Millisecond),
		audit.WithMetrics(audit.NewMetrics(reg)),
		audit.WithLogger(log),
	)
	// Registered last so it drains before the sinks close.
	closers.push("audit emitter", emitter.Close)

	// Turns.
	var turns session.TurnStore = session.NewMemoryTurnStore(cfg.Broker.TurnHistory)
	if rdb != nil {
		turns = session.NewRedisTurnStore(rdb.Client, 24*time.Hour)
	}
	service, err := session.NewService(broker, snapshots, emitter,
		session.WithTimeouts(cfg.Broker.TurnTimeout, cfg.Broker.MaxTurnTimeout),
		session.WithMaxRequests(cfg.Broker.MaxRequests),
		session.WithTurnStore(turns),
		session.WithMetrics(session.NewMetrics(reg)),
		session.WithLogger(log),
	)
	if err != nil {
		return err
	}

	policyHandler := policyhandler.New(snapshots, reloader, broadcaster, log)
	router := httptransport.NewRouter(httptransport.Deps{
		Logger:         log,
		Registry:       reg,
		Snapshots:      snapshots,
		JWKS:           signer.PublicJWKS(),
		AdminToken:     cfg.AdminToken,
		AdminTokenHash: cfg.AdminTokenHash,
		Handlers: []httptransport.Registrar{
			sessionhandler.New(service, log),
			policyHandler,
			audithandler.New(auditLog, log),
		},
		Admin: []httptransport.AdminRegistrar{policyHandler},
	})

	srv := httpserver.New(cfg.Addr, router, cfg.Broker.MaxTurnTimeout)
	serveErr := make(chan error, 1)
	go func() {
		log.Info("delegation broker listening",
			"addr", cfg.Addr,
			"policy_version", snapshots.Current().Version(),
			"signing_kid", signer.KeyID(),
			"audit_sinks", len(sinks),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// buildPolicy picks the policy source. A catalogue file wins over postgres;
// with neither, the built-in demo catalogue is served and cannot be
// reloaded.
func buildPolicy(ctx context.Context, cfg config.PolicyConfig, agents *identity.MemoryAgentRegistry, closers *closeStack, log *slog.Logger) (*policy.SnapshotStore, policy.Reloader, error) {
	switch {
	case cfg.CatalogueFile != "":
		store := policy.NewSnapshotStore(nil)
		source := policy.NewCatalogueSource(cfg.CatalogueFile, store, agents, log)
		if _, err := source.Reload(ctx); err != nil {
			return nil, nil, err
		}
		source.Watch(ctx)
		return store, source, nil

	case cfg.PostgresDSN != "":
		pg, err := policypostgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		closers.push("policy postgres", func(context.Context) error { pg.Close(); return nil })
		if err := pg.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		snap, err := pg.LoadSnapshot(ctx)
		if err != nil {
			return nil, nil, err
		}
		store := policy.NewSnapshotStore(snap)
		refresher := policy.NewRefresher(pg, store, cfg.RefreshInterval, log)
		go refresher.Run(ctx)
		log.Warn("policy from postgres registers no agents; every agent assertion will be rejected until a catalogue is configured")
		return store, refresher, nil

	default:
		snap, err := policy.Demo()
		if err != nil {
			return nil, nil, err
		}
		log.Warn("no policy source configured; serving the built-in demo catalogue with no registered agents")
		return policy.NewSnapshotStore(snap), nil, nil
	}
}

func loadSigner(path string, log *slog.Logger) (*issuance.Signer, error) {
	if path != "" {
		return issuance.LoadSigner(path)
	}
	log.Warn("BROKER_SIGNING_KEY_FILE not set; issuing with an ephemeral key")
	return issuance.GenerateSigner()
}

// buildSinks always includes the in-process log and structured logging;
// the durable sinks are added when configured.
func buildSinks(ctx context.Context, cfg config.Server, rdb *redis.Client, auditLog *memory.Store, closers *closeStack, log *slog.Logger) ([]audit.NamedSink, error) {
	sinks := []audit.NamedSink{
		{Name: "memory", Sink: auditLog},
		{Name: "log", Sink: audit.NewLogSink(log)},
	}

	if cfg.Audit.PostgresDSN != "" {
		pg, err := auditpostgres.Open(ctx, cfg.Audit.PostgresDSN)
		if err != nil {
			return nil, err
		}
		closers.push("audit postgres", func(context.Context) error { return pg.Close() })
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		sinks = append(sinks, audit.NamedSink{Name: "postgres", Sink: pg})
	}

	if cfg.Audit.RedisStream != "" {
		if rdb == nil {
			return nil, errors.New("AUDIT_REDIS_STREAM requires REDIS_URL")
		}
		sinks = append(sinks, audit.NamedSink{
			Name: "redis",
			Sink: redisstream.New(rdb.Client, cfg.Audit.RedisStream, redisstream.DefaultMaxLen),
		})
	}

	if len(cfg.Audit.KafkaBrokers) > 0 {
		producer, err := kafka.New(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic)
		if err != nil {
			return nil, err
		}
		closers.push("audit kafka", func(context.Context) error { producer.Close(); return nil })
		if err := producer.EnsureTopic(ctx); err != nil {
			return nil, err
		}
		sinks = append(sinks, audit.NamedSink{Name: "kafka", Sink: producer})
	}
	return sinks, nil
}

// closeStack releases resources in reverse order of acquisition.
type closeStack struct {
	log   *slog.Logger
	names []string
	fns   []func(context.Context) error
}

func (c *closeStack) push(name string, fn func(context.Context) error) {
	c.names = append(c.names, name)
	c.fns = append(c.fns, fn)
}

func (c *closeStack) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(c.fns) - 1; i >= 0; i-- {
		if err := c.fns[i](ctx); err != nil {
			c.log.Warn("close failed", "resource", c.names[i], "error", err)
		}
	}
}
