// loomd is the loom workflow-state service. It wires a persistence
// backend, the engine, the stream broker, and the HTTP/WebSocket API
// into one process.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/api"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/observability"
	"github.com/loomworks/loom/store"
	"github.com/loomworks/loom/store/memory"
	"github.com/loomworks/loom/store/mongo"
	"github.com/loomworks/loom/store/postgres"
	"github.com/loomworks/loom/store/redis"
	"github.com/loomworks/loom/store/sqlite"
	"github.com/loomworks/loom/stream"
)

const serviceVersion = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:          "loomd",
		Short:        "Workflow-state service",
		Long:         "loomd serves the loom workflow-state API: event-sourced workflow lifecycles,\nmulti-agent sync points, checkpoints, recovery, and a live event stream.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", ":8080", "HTTP listen address")
	flags.String("backend", "memory", "storage backend: memory, sqlite, postgres, redis, mongo")
	flags.String("dsn", "", "backend connection string (file path, URL, or URI)")
	flags.String("mongo-db", "loom", "mongo database name")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	flags.Int("checkpoint-every", loom.DefaultConfig().CheckpointEvery, "cadence checkpoint every N events (0 disables)")
	flags.Duration("sweep-interval", loom.DefaultConfig().SweepInterval, "sync-timeout sweep interval")
	flags.Duration("shutdown-timeout", loom.DefaultConfig().ShutdownTimeout, "graceful shutdown budget")
	flags.Float64("rate-limit", 0, "per-client requests per second (0 disables)")
	flags.Int("rate-burst", 20, "per-client burst size")
	flags.Bool("cors", true, "enable permissive CORS")
	flags.Bool("observability", true, "enable OTel metrics/traces and /metrics")

	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}
	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return cmd
}

func serve(ctx context.Context, v *viper.Viper) error {
	logger, err := newLogger(v.GetString("log-level"), v.GetString("log-format"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, v, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close() //nolint:errcheck // best effort on shutdown

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	obs, err := observability.New(observability.Config{
		Enabled:        v.GetBool("observability"),
		ServiceName:    "loomd",
		ServiceVersion: serviceVersion,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	cfg := loom.DefaultConfig()
	cfg.CheckpointEvery = v.GetInt("checkpoint-every")
	cfg.SweepInterval = v.GetDuration("sweep-interval")
	cfg.ShutdownTimeout = v.GetDuration("shutdown-timeout")

	broker := stream.NewBroker(logger)
	eng, err := engine.New(st, cfg, logger,
		engine.WithPublisher(broker.Publish),
		engine.WithTracerProvider(obs.TracerProvider()),
		engine.WithMeterProvider(obs.MeterProvider()))
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	apiOpts := []api.Option{}
	if v.GetBool("cors") {
		apiOpts = append(apiOpts, api.WithCORS())
	}
	if limit := v.GetFloat64("rate-limit"); limit > 0 {
		apiOpts = append(apiOpts, api.WithRateLimit(rate.Limit(limit), v.GetInt("rate-burst")))
	}
	if v.GetBool("observability") {
		apiOpts = append(apiOpts, api.WithMetricsHandler(obs.Handler()))
	}

	srv := &http.Server{
		Addr:              v.GetString("addr"),
		Handler:           api.New(eng, broker, logger, apiOpts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	logger.Info("loomd listening",
		slog.String("addr", srv.Addr),
		slog.String("backend", v.GetString("backend")),
		slog.String("version", serviceVersion))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", slog.String("error", err.Error()))
		}
		if err := eng.Close(shutdownCtx); err != nil {
			logger.Warn("engine shutdown", slog.String("error", err.Error()))
		}
		if err := broker.Shutdown(shutdownCtx); err != nil {
			logger.Warn("broker shutdown", slog.String("error", err.Error()))
		}
		return obs.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newLogger builds the process logger from level and format settings.
func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return slog.New(handler), nil
}

// openStore builds the configured persistence backend.
func openStore(ctx context.Context, v *viper.Viper, logger *slog.Logger) (store.Store, error) {
	backend := v.GetString("backend")
	dsn := v.GetString("dsn")

	switch backend {
	case "memory":
		return memory.New(), nil

	case "sqlite":
		if dsn == "" {
			dsn = "loom.db"
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		return sqlite.New(db, sqlite.WithLogger(logger)), nil

	case "postgres":
		if dsn == "" {
			return nil, errors.New("postgres backend requires --dsn")
		}
		return postgres.New(ctx, dsn, postgres.WithLogger(logger))

	case "redis":
		if dsn == "" {
			dsn = "redis://localhost:6379"
		}
		opts, err := goredis.ParseURL(dsn)
		if err != nil {
			return nil, err
		}
		return redis.New(goredis.NewClient(opts), redis.WithLogger(logger)), nil

	case "mongo":
		if dsn == "" {
			dsn = "mongodb://localhost:27017"
		}
		client, err := mongod.Connect(mongoopts.Client().ApplyURI(dsn))
		if err != nil {
			return nil, err
		}
		return mongo.New(client.Database(v.GetString("mongo-db")), mongo.WithLogger(logger)), nil

	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}
