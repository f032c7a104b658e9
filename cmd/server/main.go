// cmd/server/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/unclebandit/mailcampaign-backend/internal/app"
	"github.com/unclebandit/mailcampaign-backend/internal/config"
	"github.com/unclebandit/mailcampaign-backend/internal/controller"
	"github.com/unclebandit/mailcampaign-backend/internal/handler"
	"github.com/unclebandit/mailcampaign-backend/internal/logger"
	"github.com/unclebandit/mailcampaign-backend/internal/metrics"
	"github.com/unclebandit/mailcampaign-backend/internal/service"
)

func main() {
	if handleCLICommand(os.Args[1:]) {
		return
	}

	// Load .env
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		l := logger.New("development")
		l.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logger.New(cfg.AppEnv)
	log.Info().Str("config", cfg.String()).Msg("starting api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	campaigns := a.CampaignService()
	scheduler := &service.Scheduler{Campaigns: a.Campaigns, Service: campaigns, Interval: cfg.SchedulerInterval, Log: log.With().Str("component", "scheduler").Logger()}
	go scheduler.Run(ctx)

	// the memory queue only lives in this process, so it needs a worker here too
	if cfg.QueueDriver == "memory" {
		go func() {
			if err := a.Worker().Run(ctx); err != nil {
				log.Error().Err(err).Msg("embedded worker stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           newRouter(a, campaigns, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.AppAddr).Msg("server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func newRouter(a *app.App, campaigns *service.CampaignService, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.HTTPMiddleware)

	r.Get("/healthz", healthz(a))
	r.Handle("/metrics", promhttp.Handler())

	controller.NewCampaignController(campaigns, log).Routes(r)
	handler.NewCampaignHandler(campaigns, log).Routes(r)
	handler.NewTrackingHandler(a.TrackingService(), log).Routes(r)
	return r
}

func healthz(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		deps := a.Ping(ctx)

		status, code := "ok", http.StatusOK
		for _, v := range deps {
			if v == "down" {
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": status,
			"time":   time.Now().UTC().Format(time.RFC3339),
			"db":     deps["db"],
			"queue":  deps["queue"],
		})
	}
}
