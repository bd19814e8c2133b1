package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/accounts"
	"github.com/MrEthical07/authcore/httpapi"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/metrics/export/prometheus"
	"github.com/MrEthical07/authcore/validation"
)

var (
	flagDev         bool
	flagSeedAccount string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the token API over HTTP",
		Long: `
Usage: authcore serve [options]

  Starts the HTTP API under /v1/auth. Configuration comes from AUTHCORE_*
  environment variables, optionally loaded from --env-file.

  Accounts live in PostgreSQL when DATABASE_URL is set and in memory
  otherwise. With --dev an embedded Redis is used when AUTHCORE_REDIS_ADDR
  is empty and a random signing key is generated when none is configured.
`,
		RunE: runServe,
	}
)

func init() {
	serveCmd.Flags().BoolVar(&flagDev, "dev", false, "Use embedded Redis and a random signing key when not configured")
	serveCmd.Flags().StringVar(&flagSeedAccount, "seed-account", "", "Create an admin account id:secret at startup (memory store only)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := loadEnvFile(flagEnvFile); err != nil {
		return err
	}
	log, closeLog, err := newLogger(logOptions{Level: flagLogLevel, Format: flagLogFormat, File: flagLogFile})
	if err != nil {
		return err
	}
	defer closeLog.Close()

	s, err := loadSettings(os.LookupEnv)
	if err != nil {
		return fmt.Errorf("invalid environment: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, closeRedis, err := openRedis(s, log)
	if err != nil {
		return err
	}
	defer closeRedis()

	if len(s.SigningKey) == 0 && flagDev {
		s.SigningKey = make([]byte, 32)
		if _, err := rand.Read(s.SigningKey); err != nil {
			return fmt.Errorf("generate signing key: %w", err)
		}
		log.Warn().Msg("using a random signing key; tokens will not survive a restart")
	}

	provider, closeProvider, err := openAccounts(ctx, s, log)
	if err != nil {
		return err
	}
	defer closeProvider()

	builder := authcore.New().
		WithConfig(s.engineConfig()).
		WithRedis(rdb).
		WithAccountProvider(provider).
		WithLogger(log)
	if s.Audit {
		builder = builder.WithAuditSink(authcore.NewZerologSink(log.With().Str("component", "audit").Logger()))
	}
	engine, err := builder.Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	for _, w := range engine.SecurityReport().Warnings {
		log.Warn().Str("component", "security").Msg(w)
	}

	opts := httpapi.Options{Logger: log}
	if opts.LoginLimiter, err = newThrottle(rdb, "login", s.LoginRateLimit); err != nil {
		return err
	}
	if opts.RefreshLimiter, err = newThrottle(rdb, "refresh", s.RefreshRateLimit); err != nil {
		return err
	}
	if s.Metrics {
		opts.Metrics = prometheus.New(engine).Handler()
	}

	srv := &http.Server{
		Addr:              s.Listen,
		Handler:           httpapi.NewRouter(engine, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.Listen).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

func openRedis(s settings, log zerolog.Logger) (redis.UniversalClient, func(), error) {
	if s.RedisAddr == "" {
		if !flagDev {
			return nil, nil, fmt.Errorf("%s is required (or run with --dev)", envRedisAddr)
		}
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start embedded redis: %w", err)
		}
		log.Warn().Str("addr", mr.Addr()).Msg("using embedded redis; state is lost on exit")
		rdb := newRedisClient(mr.Addr())
		return rdb, func() { _ = rdb.Close(); mr.Close() }, nil
	}

	rdb := newRedisClient(s.RedisAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("ping redis at %s: %w", s.RedisAddr, err)
	}
	return rdb, func() { _ = rdb.Close() }, nil
}

// newRedisClient builds a client that honours context deadlines, so the
// engine's per-operation timeout bounds every call.
func newRedisClient(addr string) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:                 []string{addr},
		ContextTimeoutEnabled: true,
	})
}

func openAccounts(ctx context.Context, s settings, log zerolog.Logger) (authcore.AccountProvider, func(), error) {
	if s.DatabaseURL != "" {
		if flagSeedAccount != "" {
			return nil, nil, errors.New("--seed-account is only supported with the memory store")
		}
		db, err := accounts.OpenPostgres(ctx, s.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store, err := accounts.NewPostgresStore(db, accountOptions())
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		log.Info().Msg("accounts stored in postgres")
		return store, func() { closeDB(db, log) }, nil
	}

	store, err := accounts.NewMemoryStore(accountOptions())
	if err != nil {
		return nil, nil, err
	}
	log.Warn().Msg("accounts stored in memory; set DATABASE_URL for persistence")
	if flagSeedAccount != "" {
		if err := seedAccount(ctx, store, flagSeedAccount); err != nil {
			return nil, nil, err
		}
	}
	return store, func() {}, nil
}

func seedAccount(ctx context.Context, store *accounts.MemoryStore, spec string) error {
	id, secret, ok := strings.Cut(spec, ":")
	if !ok || id == "" || secret == "" {
		return fmt.Errorf("--seed-account must be id:secret")
	}
	return store.Create(ctx, accounts.NewAccount{
		Account: authcore.Account{ID: id, Username: id, Role: "admin"},
		Secret:  secret,
	})
}

func closeDB(db *sql.DB, log zerolog.Logger) {
	if err := db.Close(); err != nil {
		log.Warn().Err(err).Msg("close database")
	}
}

func newThrottle(rdb redis.UniversalClient, name string, perMinute int) (*rate.Limiter, error) {
	if perMinute <= 0 {
		return nil, nil
	}
	cfg := authcore.DefaultConfig()
	return rate.New(rdb, rate.Config{
		KeyPrefix: cfg.Store.KeyPrefix,
		Name:      name,
		Limit:     perMinute,
		Window:    time.Minute,
	})
}

func accountOptions() accounts.Options {
	return accounts.Options{Policy: validation.DefaultPasswordPolicy()}
}
