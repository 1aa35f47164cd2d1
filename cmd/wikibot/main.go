package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/wikibothq/wikibot/pkg/api"
	"github.com/wikibothq/wikibot/pkg/audit"
	"github.com/wikibothq/wikibot/pkg/auth"
	"github.com/wikibothq/wikibot/pkg/config"
	"github.com/wikibothq/wikibot/pkg/discord"
	"github.com/wikibothq/wikibot/pkg/members"
	"github.com/wikibothq/wikibot/pkg/middleware"
	"github.com/wikibothq/wikibot/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("wikibot exited with error")
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("database connection established")

	store, err := members.NewStore(db)
	if err != nil {
		return fmt.Errorf("failed to initialize member store: %w", err)
	}
	memberSvc := members.NewService(store, logger)

	recorder, err := audit.NewRecorder(db, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize audit recorder: %w", err)
	}

	tokens, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("failed to initialize token manager: %w", err)
	}
	botAuth := auth.NewBotAuthenticator(cfg.Auth.BotSecret)
	if cfg.Auth.BotSecret == "" {
		logger.Warn("bot secret not configured, bot authentication disabled")
	}
	gate := middleware.NewGate(botAuth, tokens, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	authz := middleware.NewPermissionGate(memberSvc, logger, metrics)

	limitCfg := &middleware.RateLimitConfig{
		RequestsPerWindow: cfg.RateLimit.RequestsPerWindow,
		WindowDuration:    cfg.RateLimit.WindowDuration,
		LocalCacheSize:    cfg.RateLimit.LocalCacheSize,
	}
	var limiter middleware.Limiter
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		limiter = middleware.NewRedisLimiter(redisClient, limitCfg, "wikibot:ratelimit")
		logger.WithField("addr", cfg.Redis.Addr).Info("using redis rate limiter")
	} else {
		limiter = middleware.NewLocalLimiter(limitCfg)
		logger.Info("redis not configured, using in-process rate limiter")
	}

	apiServer := api.NewServer(memberSvc, recorder, gate, authz, limiter, metrics, logger)

	scheduler := cron.New()
	if _, err := recorder.ScheduleCleanup(scheduler, cfg.Audit.CleanupSchedule, cfg.Audit.RetentionDays); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	group, ctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	group.Go(func() error {
		logger.WithField("addr", httpServer.Addr).Info("starting api server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	})
	healthMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}
	group.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("starting health server")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("health server failed: %w", err)
		}
		return nil
	})

	if cfg.Discord.BotToken != "" {
		syncer, err := discord.NewSyncer(
			cfg.Discord.BotToken,
			cfg.Discord.GuildID,
			cfg.Discord.GuildID, // the guild doubles as the wiki server id
			cfg.Discord.SyncInterval,
			memberSvc,
			logger,
		)
		if err != nil {
			return err
		}
		defer syncer.Close()
		group.Go(func() error {
			if err := syncer.Run(ctx); err != nil && err != context.Canceled {
				return fmt.Errorf("discord sync failed: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("api server shutdown failed")
		}
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("health server shutdown failed")
		}
		return nil
	})

	return group.Wait()
}
