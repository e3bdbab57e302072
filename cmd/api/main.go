package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/thejerf/suture/v4"

	"agencydash.app/internal/audit"
	"agencydash.app/internal/auth"
	"agencydash.app/internal/config"
	"agencydash.app/internal/dal"
	"agencydash.app/internal/httpapi"
	"agencydash.app/internal/identity"
	"agencydash.app/internal/obs"
	"agencydash.app/internal/session"
	"agencydash.app/internal/store/pg"
	"agencydash.app/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		obs.Logger().Warn().Err(err).Msg("dotenv_load_failed")
	}
	if err := run(); err != nil {
		obs.Logger().Fatal().Err(err).Msg("api_exit")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	obs.InitLogger(obs.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	if cfg.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	store, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, rdb, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	if cfg.Auth.JWTSecret == "" {
		log.Warn().Msg("auth.jwt_secret is empty; bearer tokens are disabled")
	}
	verifier := auth.NewVerifier(
		auth.WithJWTSecret(cfg.Auth.JWTSecret),
		auth.WithSessionSecret(cfg.Auth.SessionSecret),
		auth.WithSessionCookie(cfg.Auth.SessionCookie),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithClockSkew(cfg.Auth.ClockSkew),
	)

	auditStore := store.AuditStore()
	live := stream.New(cfg.Audit.StreamBuffer)
	recorder := audit.NewRecorder(auditStore, audit.RecorderConfig{
		WriteTimeout:     cfg.Audit.WriteTimeout,
		BreakerFailures:  cfg.Audit.BreakerFailures,
		BreakerOpenFor:   cfg.Audit.BreakerOpenFor,
		BreakerHalfOpens: cfg.Audit.BreakerHalfOpens,
		Publisher:        live,
	})
	layer, err := dal.New(store.Executor(), recorder, dal.WithTables(cfg.Tables...))
	if err != nil {
		return err
	}

	ready := httpapi.ReadyFunc(func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			return err
		}
		if err := recorder.Check(ctx); err != nil {
			return err
		}
		if rdb != nil {
			return rdb.Ping(ctx).Err()
		}
		return nil
	})
	api := httpapi.New(httpapi.Deps{
		Extractor:   identity.NewExtractor(verifier, auth.DefaultEngine(), registry),
		Layer:       layer,
		AuditStore:  auditStore,
		Sessions:    registry,
		Live:        live,
		Ready:       ready,
		Version:     version,
		RateBurst:   cfg.Server.RateBurst,
		RatePerSec:  cfg.Server.RatePerSecond,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	root := suture.New("agencydash", suture.Spec{
		EventHook:        supervisorHook,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          cfg.Server.ShutdownTimeout,
	})
	root.Add(httpapi.NewHTTPService(srv, cfg.Server.ShutdownTimeout))
	if cfg.Server.GRPCAddr != "" {
		root.Add(httpapi.NewGRPCServer(cfg.Server.GRPCAddr, ready, 10*time.Second))
	}
	root.Add(session.NewSweeper(registry, cfg.Session.SweepInterval, cfg.Session.IdleTimeout))
	if cfg.Session.Retention > 0 {
		root.Add(session.NewPurger(registry, cfg.Session.SweepInterval, cfg.Session.Retention))
	}

	log.Info().
		Str("version", version).
		Str("addr", cfg.Server.Addr).
		Str("grpc_addr", cfg.Server.GRPCAddr).
		Str("session_backend", cfg.Session.Backend).
		Msg("api_starting")
	err = root.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info().Msg("api_stopped")
	return err
}

func openRegistry(ctx context.Context, cfg *config.Config) (session.Registry, *redis.Client, error) {
	if cfg.Session.Backend != "redis" {
		return session.NewMemoryRegistry(), nil, nil
	}
	rdb, err := session.DialRedis(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	return session.NewRedisRegistry(rdb), rdb, nil
}

func supervisorHook(e suture.Event) {
	obs.Logger().Warn().Str("event", e.String()).Fields(e.Map()).Msg("supervisor_event")
}
