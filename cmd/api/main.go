package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Dispatch-AI-com/backend-sub001/internal/ai"
	"github.com/Dispatch-AI-com/backend-sub001/internal/audit"
	"github.com/Dispatch-AI-com/backend-sub001/internal/auth"
	"github.com/Dispatch-AI-com/backend-sub001/internal/calllog"
	"github.com/Dispatch-AI-com/backend-sub001/internal/callsession"
	"github.com/Dispatch-AI-com/backend-sub001/internal/company"
	"github.com/Dispatch-AI-com/backend-sub001/internal/config"
	"github.com/Dispatch-AI-com/backend-sub001/internal/conversation"
	"github.com/Dispatch-AI-com/backend-sub001/internal/httpapi"
	"github.com/Dispatch-AI-com/backend-sub001/internal/notify"
	"github.com/Dispatch-AI-com/backend-sub001/internal/observability"
	"github.com/Dispatch-AI-com/backend-sub001/internal/reporting"
	"github.com/Dispatch-AI-com/backend-sub001/internal/telephony"
	"github.com/Dispatch-AI-com/backend-sub001/migrations"
	"github.com/Dispatch-AI-com/backend-sub001/pkg/logger"
	"github.com/Dispatch-AI-com/backend-sub001/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.DB.Migrate {
		if err := utils.Migrate(rootCtx, db, migrations.FS, log); err != nil {
			log.Error("migrations failed", "err", err)
			os.Exit(1)
		}
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	sessions := callsession.NewRedisStore(rdb, cfg.Session.TTL)
	records := calllog.NewPostgresRepo(db)
	aiClient := ai.NewClient(cfg.AI.BaseURL)

	finalizer := calllog.NewFinalizer(sessions, records, aiClient, calllog.FinalizerConfig{
		FallbackSummary: cfg.AI.FallbackSummary,
		SummaryTimeout:  cfg.AI.SummaryTimeout,
	}, metrics)

	flow := conversation.NewOrchestrator(
		callsession.NewHelper(sessions, company.NewPostgresDirectory(db)),
		aiClient,
		finalizer,
		notify.LogNotifier{Log: log},
		conversation.Config{
			BaseURL:      cfg.Twilio.WebhookBaseURL,
			Language:     cfg.Twilio.Language,
			Voice:        cfg.Twilio.Voice,
			ReplyTimeout: cfg.AI.ReplyTimeout,
		},
		metrics,
	)

	deps := routeDeps{
		cfg:     cfg,
		authMW:  auth.RequireAccessToken(authManager),
		metrics: metrics,
		webhooks: telephony.WebhookHandler{
			Flow:    flow,
			Metrics: metrics,
		},
		api: httpapi.Handlers{
			Auth:      authManager,
			CallLogs:  records,
			Reports:   reporting.NewService(reporting.NewPostgresRepo(db)),
			Sessions:  sessions,
			Finalizer: finalizer,
			Audit:     audit.NewService(audit.NewPostgresRepo(db)),
		},
		ready: func(ctx context.Context) error {
			if err := utils.HealthCheck(ctx, db, 2*time.Second); err != nil {
				return err
			}
			return rdb.Ping(ctx).Err()
		},
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, deps)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
