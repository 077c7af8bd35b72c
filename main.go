package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pliu/wala/internal/config"
	"github.com/pliu/wala/internal/keys"
	"github.com/pliu/wala/internal/messagelog"
	"github.com/pliu/wala/internal/metrics"
	"github.com/pliu/wala/internal/middleware"
	"github.com/pliu/wala/internal/relay"
	"github.com/pliu/wala/internal/server"
	"github.com/pliu/wala/internal/session"
	"github.com/pliu/wala/internal/store"
	"github.com/pliu/wala/internal/store/sqlstore"
	"github.com/pliu/wala/internal/ws"
)

var flagConfigFile string

var rootCmd = &cobra.Command{
	Use:          "wala",
	Short:        "End-to-end encrypted chat relay",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.New(), cmd.Flags(), flagConfigFile)
		if err != nil {
			return err
		}
		return run(cfg)
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagConfigFile, "config", "", "optional config file (yaml, json or toml)")
	config.BindFlags(rootCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	adminHash, err := session.HashPassword(cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	authority, err := keys.NewAuthority(log)
	if err != nil {
		return err
	}

	opts := []relay.Option{
		relay.WithLogger(log),
		relay.WithMetrics(metrics.NewRelayCollector(reg)),
		relay.WithRecentMessages(cfg.RecentMessages),
	}
	if db != nil {
		opts = append(opts, relay.WithStore(db))
	}
	engine := relay.New(authority, session.NewRegistry(adminHash), messagelog.New(), opts...)
	if err := engine.Restore(context.Background()); err != nil {
		return fmt.Errorf("restore relay state: %w", err)
	}

	wsCfg := ws.NewDefaultConfig()
	wsCfg.SendQueueSize = cfg.SendQueueSize
	wsCfg.InboundRate = cfg.InboundRate
	wsCfg.InboundBurst = cfg.InboundBurst
	wsCfg.AllowedOrigins = cfg.CORSOrigins
	hub := ws.NewHub(engine, wsCfg, log)

	limiter, err := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow, middleware.DefaultMaxClients, log)
	if err != nil {
		return err
	}

	srv := server.NewServer(server.Options{
		Addr:        cfg.Addr,
		Relay:       engine,
		WebSocket:   hub,
		CORSOrigins: cfg.CORSOrigins,
		RateLimiter: limiter,
		Registry:    reg,
		Logger:      log.With().Str("component", "http").Logger(),
	})

	rotationCtx, stopRotation := context.WithCancel(context.Background())
	go engine.RunKeyRotation(rotationCtx, cfg.KeyRotationInterval)

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("store", cfg.StoreDriver).Msg("wala relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"relay": func(ctx context.Context) error {
				log.Info().Msg("graceful shutdown initiated")
				stopRotation()
				if err := srv.Shutdown(ctx); err != nil {
					return fmt.Errorf("shutdown http server: %w", err)
				}
				if err := hub.Shutdown(ctx); err != nil {
					return fmt.Errorf("close websocket clients: %w", err)
				}
				if db != nil {
					return db.Close()
				}
				return nil
			},
		},
	)

	exitCode := <-wait
	log.Info().Int("exit_code", exitCode).Msg("wala relay stopped")
	if exitCode != 0 {
		return fmt.Errorf("shutdown finished with exit code %d", exitCode)
	}
	return nil
}

func newLogger(cfg config.Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level: %w", err)
	}

	var w io.Writer = os.Stderr
	if cfg.LogFormat == "console" || (cfg.LogFormat == "auto" && isTerminal(os.Stderr)) {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// openStore returns nil for the memory driver: the relay then keeps state in
// process only.
func openStore(cfg config.Config) (store.Store, error) {
	if cfg.StoreDriver == config.DriverMemory {
		return nil, nil
	}
	s, err := sqlstore.New(cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	return s, nil
}
