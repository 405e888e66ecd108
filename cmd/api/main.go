package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cibofdevs/envpilot-sub000/internal/app/migrate"
	"github.com/cibofdevs/envpilot-sub000/internal/ci"
	"github.com/cibofdevs/envpilot-sub000/internal/events"
	httpx "github.com/cibofdevs/envpilot-sub000/internal/http"
	"github.com/cibofdevs/envpilot-sub000/internal/mail"
	"github.com/cibofdevs/envpilot-sub000/internal/repository/postgres"
	"github.com/cibofdevs/envpilot-sub000/internal/service/notify"
	"github.com/cibofdevs/envpilot-sub000/internal/service/reconcile"
	"github.com/cibofdevs/envpilot-sub000/internal/service/webhook"
	"github.com/cibofdevs/envpilot-sub000/internal/ws"
	"github.com/cibofdevs/envpilot-sub000/pkg/config"
	"github.com/cibofdevs/envpilot-sub000/pkg/logger"
)

func main() {
	cfg := config.LoadConfig()
	log := logger.New("api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	feedHub := ws.NewHub()

	ciClient := ci.New(cfg.CIBaseURL, cfg.CIUser, cfg.CIAPIToken, cfg.CIRequestTimeout, log)

	bus := events.NewBus(cfg.EventBuffer, log)
	defer bus.Close()

	var mailer mail.Mailer = mail.Noop{}
	if cfg.EmailEnabled {
		smtp, err := mail.NewSMTP(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.EmailFrom, log)
		if err != nil {
			log.Warn("smtp unavailable, email notifications disabled", "error", err)
		} else {
			mailer = smtp
		}
	}

	notifySvc := notify.New(repo, repo, repo, repo, mailer, feedHub, log, cfg.EmailEnabled)
	bus.Subscribe(notifySvc.HandleStatusChange)

	engine := reconcile.New(repo, repo, repo, ciClient, bus, log)
	engine.SetConfirmPolicy(cfg.ConfirmAttempts, cfg.ConfirmDelay)

	sweeper := reconcile.NewSweeper(engine, repo, log, cfg.FullSweepInterval, cfg.FastSweepInterval, cfg.FastSweepWindow)
	go sweeper.Run(ctx)

	monitor := reconcile.NewMonitor(engine, ciClient, log, cfg.MonitorInterval, cfg.MonitorMaxChecks, cfg.MonitorMaxAge)
	defer monitor.Close()

	webhookSvc := webhook.New(repo, log, cfg.WebhookEncryptionKey)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, engine, monitor, repo, repo, repo, webhookSvc, feedHub, limiter, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
