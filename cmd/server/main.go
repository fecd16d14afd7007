// Package main is the entry point for the Helmsman analysis orchestrator.
// It wires the embedded database, tiered cache, broker gateways, the LLM
// client and the session orchestrator, then serves the HTTP API until a
// shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/helmsmanai/helmsman/internal/broker"
	"github.com/helmsmanai/helmsman/internal/cache"
	"github.com/helmsmanai/helmsman/internal/checkpoint"
	"github.com/helmsmanai/helmsman/internal/config"
	"github.com/helmsmanai/helmsman/internal/database"
	"github.com/helmsmanai/helmsman/internal/domain"
	"github.com/helmsmanai/helmsman/internal/events"
	"github.com/helmsmanai/helmsman/internal/graph"
	"github.com/helmsmanai/helmsman/internal/llm"
	"github.com/helmsmanai/helmsman/internal/marketcal"
	"github.com/helmsmanai/helmsman/internal/metrics"
	"github.com/helmsmanai/helmsman/internal/pipeline"
	"github.com/helmsmanai/helmsman/internal/ratelimit"
	"github.com/helmsmanai/helmsman/internal/realtime"
	"github.com/helmsmanai/helmsman/internal/scheduler"
	"github.com/helmsmanai/helmsman/internal/server"
	"github.com/helmsmanai/helmsman/internal/session"
	"github.com/helmsmanai/helmsman/internal/ticksize"
	"github.com/helmsmanai/helmsman/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)
	log.Info().Msg("starting helmsman")

	db, err := database.New(database.Config{Path: cfg.DatabasePath()})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	// Cache tiers: memory always, redis when configured, sqlite as the
	// durable bottom tier.
	tiers := []cache.Tier{cache.NewMemoryTier(cfg.Cache.MemoryMax)}
	if cfg.Cache.RedisAddr != "" {
		redisTier, rerr := cache.NewRedisTier(cfg.Cache.RedisAddr, cfg.Cache.RedisDB)
		if rerr != nil {
			log.Warn().Err(rerr).Msg("redis unavailable, continuing without L2 cache")
		} else {
			tiers = append(tiers, redisTier)
		}
	}
	sqliteTier := cache.NewSQLiteTier(db)
	tiers = append(tiers, sqliteTier)
	multiCache := cache.NewMulti(log, tiers...)

	bus := events.NewBus(log)
	metricsReg := metrics.New()
	metricsReg.BindBus(bus)

	limiter := ratelimit.New(cfg.RateLimits.QueryPerSec, cfg.RateLimits.OrderPerSec)
	ckpts := checkpoint.NewStore(db, log)
	sessStore := session.NewStore(db)
	registry := session.NewRegistry(cfg.MaxConcurrentAnalyses, cfg.CompletedSessionTTL, bus, sessStore, log)
	brokers := broker.NewRegistry()
	llmClient := llm.New(cfg.LLM, log)

	loc, lerr := time.LoadLocation("Asia/Seoul")
	if lerr != nil {
		loc = time.FixedZone("KST", 9*3600)
	}
	var calendar *marketcal.Calendar
	if cfg.HolidaySrcURL != "" {
		calendar = marketcal.New(loc, marketcal.NewHTTPSource(cfg.HolidaySrcURL, 10*time.Second), log)
		refreshCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := calendar.Refresh(refreshCtx); err != nil {
			log.Warn().Err(err).Msg("initial holiday refresh failed, calendar starts empty")
		}
		cancel()
	} else {
		calendar = marketcal.NewAlwaysOpen(loc)
	}

	var hub *realtime.Hub
	if cfg.RealtimeURL != "" {
		hub = realtime.NewHub(cfg.RealtimeURL, log)
		if err := hub.Start(); err != nil {
			log.Warn().Err(err).Msg("realtime hub failed to start")
		}
	}

	factory := func(inst domain.Instrument) (*graph.Engine, error) {
		profile := broker.ProfileFor(inst.Market)
		baseURL := cfg.Venue.BaseURL
		if baseURL == "" && cfg.Venue.Mock {
			baseURL = profile.MockURL
		}
		gw := brokers.Get(broker.Options{
			Profile:        profile,
			BaseURL:        baseURL,
			AppKey:         cfg.Venue.AppKey,
			SecretKey:      cfg.Venue.SecretKey,
			Account:        cfg.Venue.Account,
			Limiter:        limiter,
			Cache:          multiCache,
			Retry:          cfg.Retry,
			Ticks:          ticksize.ForMarket(string(inst.Market)),
			AcquireTimeout: cfg.SlotAcquireTimeout,
			Logger:         log,
			Observe:        metricsReg.ObserveBrokerCall,
		})

		deps := pipeline.Deps{
			Instrument: inst,
			Venue:      gw,
			LLM:        llmClient,
			Ticks:      ticksize.ForMarket(string(inst.Market)),
			Bus:        bus,
			Cfg: pipeline.Config{
				LookbackDays:     cfg.LookbackDays,
				MaxPositionPct:   cfg.MaxPositionPct,
				RejectReanalyzes: cfg.RejectReanalyzes,
				MaxReanalyses:    cfg.MaxReanalyses,
				Account:          cfg.Venue.Account,
				OrderPollTimeout: cfg.OrderPollTimeout,
			},
			Log: log,
		}
		compiled, err := pipeline.Build(deps, cfg.InterruptBefore)
		if err != nil {
			return nil, err
		}
		return graph.NewEngine(compiled, ckpts, 2*time.Minute, log), nil
	}

	orch := session.NewOrchestrator(registry, sessStore, ckpts, bus, factory, cfg.SlotAcquireTimeout, log)
	if n, err := orch.Recover(context.Background()); err != nil {
		log.Warn().Err(err).Msg("session recovery failed")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("interrupted sessions recovered")
	}

	sched := scheduler.New(log)
	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{"0 */5 * * * *", scheduler.JobFunc{JobName: "session-cleanup", Fn: func() error {
			orch.CleanupExpired(context.Background())
			return nil
		}}},
		{"@hourly", scheduler.JobFunc{JobName: "cache-sweep", Fn: func() error {
			_, err := sqliteTier.Sweep(context.Background())
			return err
		}}},
		{"@hourly", scheduler.JobFunc{JobName: "wal-checkpoint", Fn: func() error {
			return db.WALCheckpoint("TRUNCATE")
		}}},
		{"@every 30s", scheduler.JobFunc{JobName: "metrics-snapshot", Fn: func() error {
			metricsReg.UpdateCacheStats(multiCache.Stats())
			metricsReg.ActiveSessions.Set(float64(registry.ActiveSlots()))
			return nil
		}}},
	}
	if cfg.HolidaySrcURL != "" {
		jobs = append(jobs, struct {
			schedule string
			job      scheduler.Job
		}{"@daily", scheduler.JobFunc{JobName: "holiday-refresh", Fn: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return calendar.Refresh(ctx)
		}}})
	}
	for _, j := range jobs {
		if err := sched.AddJob(j.schedule, j.job); err != nil {
			log.Fatal().Err(err).Str("job", j.job.Name()).Msg("failed to register job")
		}
	}
	sched.Start()

	srv := server.New(server.Config{
		Log:      log,
		Cfg:      cfg,
		Orch:     orch,
		Registry: registry,
		Bus:      bus,
		DB:       db,
		Cache:    multiCache,
		Metrics:  metricsReg,
		Calendar: calendar,
		Port:     cfg.Port,
		DevMode:  cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("helmsman started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	sched.Stop()
	if hub != nil {
		if err := hub.Stop(); err != nil {
			log.Error().Err(err).Msg("error stopping realtime hub")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("stopped")
}
