package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pianowire/pianowire/internal/batch"
	"github.com/pianowire/pianowire/internal/bridge"
	"github.com/pianowire/pianowire/internal/config"
	"github.com/pianowire/pianowire/internal/gateway"
	"github.com/pianowire/pianowire/internal/metrics"
	"github.com/pianowire/pianowire/internal/piano"
	"github.com/pianowire/pianowire/internal/ratelimit"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfgPath := os.Getenv("PIANOWIRE_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogging(cfg)

	strategy, err := piano.ParseStrategy(cfg.Piano.Strategy)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid conflict strategy")
	}

	clock := clockwork.NewRealClock()
	m := metrics.New(prometheus.DefaultRegisterer)

	state := piano.NewManager(piano.Config{
		Strategy:     strategy,
		ReleaseGrace: cfg.ReleaseGrace(),
		StaleAfter:   cfg.StaleAfter(),
	}, clock, func(ev piano.Event) {
		if ev.Kind == piano.EventConflict {
			m.ConflictsTotal.WithLabelValues(string(ev.Resolution)).Inc()
			log.Debug().
				Int("pitch", ev.Pitch).
				Str("owner", ev.OwnerID).
				Str("resolution", string(ev.Resolution)).
				Str("reason", ev.Reason).
				Msg("note conflict resolved")
		}
	})

	limiter := ratelimit.New(ratelimit.Config{
		MaxPerWindow:  cfg.RateLimit.MaxPerSecond,
		MaxBurst:      cfg.RateLimit.MaxBurst,
		Window:        time.Second,
		CriticalAfter: cfg.RateLimit.CriticalAfter,
	}, clock, func(clientID string, violations int, critical bool) {
		m.RateLimitViolations.Inc()
		ev := log.Warn()
		if critical {
			ev = log.Error()
		}
		ev.Str("client_id", clientID).Int("violations", violations).Msg("rate limit exceeded")
	})

	coordinator := gateway.NewCoordinator(state, limiter, m, clock)
	cm := gateway.NewConnectionManager(connectionConfig(cfg), clock, coordinator)

	batcher := batch.New(batch.Config{
		Enabled:           *cfg.Batch.Enabled,
		MaxBatchSize:      cfg.Batch.MaxSize,
		MaxDelay:          cfg.BatchMaxDelay(),
		PriorityThreshold: cfg.Batch.PriorityThreshold,
		CompressMinBytes:  cfg.Batch.CompressMinBytes,
		OnFlush: func(recipientID string, count int) {
			m.BatchesFlushed.Inc()
			m.BatchSize.Observe(float64(count))
		},
	}, clock, func(recipientID string, data []byte) {
		cm.SendTo(recipientID, data)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var snapshotBridge *bridge.Bridge
	publish := func() {}
	if cfg.NATS.URL != "" {
		bcfg := bridge.DefaultConfig()
		bcfg.URL = cfg.NATS.URL
		if cfg.NATS.Subject != "" {
			bcfg.Subject = cfg.NATS.Subject
		}
		snapshotBridge, err = bridge.New(bcfg, state, clock, coordinator.ApplyRemoteSnapshot)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect snapshot bridge")
		}
		if err := snapshotBridge.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start snapshot bridge")
		}
		publish = snapshotBridge.PublishSoon
	}

	coordinator.Bind(cm, batcher, publish)
	limiter.Start(ctx)
	cm.StartHeartbeat(ctx)

	handler := gateway.NewWebSocketHandler(cm, state, limiter)
	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: c.Handler(handler.Routes()),
	}

	go func() {
		log.Info().
			Str("addr", cfg.Server.Addr).
			Str("strategy", strategy.String()).
			Str("session_id", state.SessionID()).
			Msg("pianowire server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}

	// Drain outbound state before tearing connections down.
	batcher.FlushAll()
	cm.CloseAll()
	if snapshotBridge != nil {
		snapshotBridge.Close()
	}
	cancel()
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func connectionConfig(cfg *config.Config) gateway.ConnectionConfig {
	cc := gateway.DefaultConnectionConfig()
	cc.HeartbeatInterval = cfg.HeartbeatInterval()
	// The read deadline must outlive at least two heartbeat intervals so a
	// peer is terminated by the liveness check, not a racing read timeout.
	if rt := 3 * cc.HeartbeatInterval; rt > cc.ReadTimeout {
		cc.ReadTimeout = rt
	}
	return cc
}
