// casregistry runs a ticket registry node: it opens the configured
// store, sweeps expired tickets on a schedule and serves Prometheus
// metrics. Expiration policies are reloaded when the config file
// changes.
//
//	casregistry --config /etc/cas/registry.yaml
//	casregistry --config registry.jsonc --once
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/Ajtak/cas/cleaner"
	"github.com/Ajtak/cas/config"
	"github.com/Ajtak/cas/internal/logctx"
	"github.com/Ajtak/cas/metrics/prom"
	"github.com/Ajtak/cas/registry"
	casredis "github.com/Ajtak/cas/storage/redis"
	"github.com/Ajtak/cas/ticket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, logLevel string
	var once, stats bool

	flagSet := pflag.NewFlagSet("casregistry", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML or JSONC config file (environment only when empty)")
	flagSet.StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	flagSet.BoolVar(&once, "once", false, "sweep expired tickets once and exit")
	flagSet.BoolVar(&stats, "stats", false, "print session and service ticket counts and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logger := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, m, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	serializer, err := newSerializer(cfg)
	if err != nil {
		return err
	}
	policies, err := cfg.Policies()
	if err != nil {
		return err
	}

	issuer, err := cfg.TokenIssuer()
	if err != nil {
		return err
	}
	var tokenIssuer registry.TokenIssuer
	if issuer != nil {
		tokenIssuer = issuer
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg := registry.New(store, m, serializer, policies, registry.Config{
		IDs:     ticket.NewIDGenerator(cfg.NodeID),
		Tokens:  tokenIssuer,
		Metrics: prom.New(promReg, "cas"),
		Logger:  logger,
	})

	var locker cleaner.Locker = cleaner.NewLocalLocker()
	if rs, ok := store.(*casredis.Store); ok {
		locker = cleaner.NewRedisLocker(rs.Client(), cfg.Store.Redis.KeyPrefix+"lock:")
	}
	cl := &cleaner.Cleaner{
		Registry: reg,
		Locker:   locker,
		LockTTL:  cfg.Cleaner.LockTTL.Std(),
		Logger:   logger,
	}

	switch {
	case stats:
		sessions, err := reg.SessionCount(ctx)
		if err != nil {
			return err
		}
		services, err := reg.ServiceTicketCount(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("sessions=%d service_tickets=%d\n", sessions, services)
		return nil
	case once:
		n, err := cl.Clean(ctx)
		fmt.Printf("removed=%d\n", n)
		return err
	}

	if configPath != "" {
		w, err := config.NewWatcher(configPath, logger)
		if err != nil {
			return err
		}
		go func() {
			_ = w.Run(ctx, func(next *config.Config) {
				set, err := next.Policies()
				if err != nil {
					logger.Error("reloaded expiration policies are invalid", "error", err)
					return
				}
				reg.SetPolicies(set)
			})
		}()
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("ticket registry started",
		"store", cfg.Store.Kind,
		"dialect", m.Dialect(),
		"format", serializer.Format(),
		"cleaner", cfg.Cleaner.Enabled,
		"tokens", tokenIssuer != nil,
	)
	if !cfg.Cleaner.Enabled {
		<-ctx.Done()
		return nil
	}
	if err := cl.Run(ctx, cfg.Cleaner.Interval.Std()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
