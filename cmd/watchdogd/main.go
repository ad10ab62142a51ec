package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/session-watchdog/internal/cleanup"
	"github.com/p-blackswan/session-watchdog/internal/config"
	"github.com/p-blackswan/session-watchdog/internal/event"
	"github.com/p-blackswan/session-watchdog/internal/gateway"
	"github.com/p-blackswan/session-watchdog/internal/health"
	"github.com/p-blackswan/session-watchdog/internal/metrics"
	"github.com/p-blackswan/session-watchdog/internal/mgmt"
	"github.com/p-blackswan/session-watchdog/internal/notify"
	"github.com/p-blackswan/session-watchdog/internal/registry"
	"github.com/p-blackswan/session-watchdog/internal/requestid"
	"github.com/p-blackswan/session-watchdog/internal/store"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	var file *config.File
	if cfg.ConfigFile != "" {
		file, err = config.LoadFile(cfg.ConfigFile)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load watchdog file")
		}
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("http_port", cfg.HTTPPort).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Str("event_root", cfg.EventRoot).
		Dur("max_inactivity", cfg.MaxInactivity).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Bool("persistence", cfg.PersistenceEnabled()).
		Msg("starting session watchdog")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()
	bus := event.NewBus(logger)
	checker := health.NewChecker(logger)

	// Notices go to the log and, when configured, to Slack.
	notifier := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.SlackEnabled() {
		notifier = append(notifier, notify.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackChannel, logger))
	}

	regOpts := []registry.Option{
		registry.WithBus(bus, cfg.EventRoot),
		registry.WithGauge(m),
	}
	var st *store.Store
	if cfg.PersistenceEnabled() {
		st, err = store.New(cfg.DBPath, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open store")
		}
		defer st.Close()

		// Sessions from a previous run cannot outlive the process.
		if n, err := st.EndAllSessions(ctx, registry.ReasonClosed); err != nil {
			logger.Warn().Err(err).Msg("failed to close stale sessions")
		} else if n > 0 {
			logger.Info().Int64("count", n).Msg("closed stale sessions from previous run")
		}
		regOpts = append(regOpts, registry.WithStore(st))
		checker.Register("store", health.PingCheck(st.DB()))
	}
	reg := registry.New(logger, regOpts...)

	deps := gateway.Deps{
		Registry: reg,
		Bus:      bus,
		Users:    file.Directory(),
		Metrics:  m,
		Notifier: notifier,
	}
	if st != nil {
		deps.Events = st
	}
	gw, err := gateway.New(gateway.Config{
		Modes:              file.ModeTable(cfg.ShutdownDefaultDelay),
		MaxInactivity:      cfg.MaxInactivity,
		CountdownInterval:  cfg.CountdownInterval,
		ShutdownDelay:      cfg.ShutdownDefaultDelay,
		UnavailableLimit:   cfg.UnavailableLimit,
		AutoLockExclusions: file.ExclusionsWith(cfg.ExclusionList()),
		EventRoot:          cfg.EventRoot,
		Messages:           file.WatchdogMessages(),
		QueueSize:          cfg.UIQueueSize,
		MaxSessions:        cfg.MaxSessions,
		AllowedOrigins:     cfg.CORSOriginList(),
	}, deps, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create gateway")
	}
	checker.Register("sessions", health.CapacityCheck(gw.Count, cfg.MaxSessions))
	checker.SetSessionCounter(gw.Count)

	// Session gateway, probes and metrics
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.HandleFunc("/healthz", health.LivenessHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           requestid.Middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Management API
	handlers := mgmt.NewHandlers(gw, bus, cfg.EventRoot, checker, logger)
	handlers.SetNotifier(notifier)
	if st != nil {
		handlers.SetAuditStore(st)
	}
	mgmtServer := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.MgmtListenAddr,
		AuthConfig: mgmt.AuthConfig{
			Mode:      cfg.MgmtAuthMode,
			APIKey:    cfg.MgmtAPIKey,
			JWTSecret: cfg.MgmtJWTSecret,
		},
		RateLimit: mgmt.RateLimitConfig{
			RPS:   cfg.MgmtRateLimitRPS,
			Burst: cfg.MgmtRateLimitBurst,
		},
		CORSOrigins: cfg.MgmtCORSOrigins,
	}, handlers, m.Handler(), logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Int("port", cfg.HTTPPort).Msg("session gateway starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgmtServer.Start(); err != nil {
			logger.Error().Err(err).Msg("management API server error")
		}
	}()

	if st != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			live := func(id string) bool {
				_, ok := reg.Get(id)
				return ok
			}
			cleanup.NewCleaner(cleanup.DefaultConfig(), st, live, notifier, logger).Run(ctx)
		}()
	}

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	// Fail readiness first so no new sessions arrive while the rest drains.
	checker.Drain()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	// Hijacked websocket connections are not tracked by the HTTP server.
	if err := gw.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("gateway shutdown error")
	}
	if err := mgmtServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("session watchdog stopped")
}
