// Command sentineld runs the license authority server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/SentinelSoftworks/sentinel-license-engine/internal/api"
	"github.com/SentinelSoftworks/sentinel-license-engine/internal/authority"
	"github.com/SentinelSoftworks/sentinel-license-engine/internal/config"
	"github.com/SentinelSoftworks/sentinel-license-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "sentineld:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := newLogger(cfg.Log)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer cleanup()

	auth, err := authority.New(st, authority.Config{
		SealSecret:    []byte(cfg.Secrets.Seal),
		SigningSecret: []byte(cfg.Secrets.Signing),
		TrialCap:      cfg.Policy.TrialCap,
		TrialValidity: cfg.Policy.TrialValidityDuration(),
	}, log)
	if err != nil {
		return fmt.Errorf("init authority: %w", err)
	}

	srv := &http.Server{
		Addr: cfg.Server.ListenAddr,
		Handler: api.New(auth, api.Options{
			AdminSecret:    []byte(cfg.Secrets.Admin),
			AdminAllowlist: cfg.Server.AdminAllowlist,
			Logger:         log,
		}).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening",
			slog.String("addr", cfg.Server.ListenAddr),
			slog.String("store", cfg.Store.Driver),
			slog.String("version", api.Version),
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, func(), error) {
	noop := func() {}
	switch cfg.Driver {
	case "memory":
		return store.NewMemStore(), noop, nil

	case "sqlite":
		s, err := store.NewSQLiteStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close(context.Background()) }, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		s, err := store.NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil

	case "mongo":
		dbName, err := mongoDatabaseName(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.DSN))
		if err != nil {
			return nil, nil, err
		}
		s, err := store.NewMongoStore(ctx, client.Database(dbName))
		if err != nil {
			client.Disconnect(context.Background())
			return nil, nil, err
		}
		return s, func() { client.Disconnect(context.Background()) }, nil
	}
	return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
}

// mongoDatabaseName extracts the database from a mongodb:// URI path.
func mongoDatabaseName(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mongo dsn: %w", err)
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return "", errors.New("mongo dsn must name a database in its path")
	}
	return name, nil
}
