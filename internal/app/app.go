// Package app assembles repositories, queue, transports and services from Config.
// The server and the worker share it so both processes see the same pipeline.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/unclebandit/mailcampaign-backend/internal/config"
	"github.com/unclebandit/mailcampaign-backend/internal/db"
	"github.com/unclebandit/mailcampaign-backend/internal/events"
	"github.com/unclebandit/mailcampaign-backend/internal/mailer"
	"github.com/unclebandit/mailcampaign-backend/internal/metrics"
	"github.com/unclebandit/mailcampaign-backend/internal/queue"
	"github.com/unclebandit/mailcampaign-backend/internal/repository"
	"github.com/unclebandit/mailcampaign-backend/internal/service"
)

type App struct {
	Config config.Config
	Log    zerolog.Logger

	DB    *sql.DB       // nil with STORE_DRIVER=memory
	Redis *redis.Client // nil with QUEUE_DRIVER=memory

	Campaigns repository.CampaignRepositoryInterface
	Leads     repository.LeadRepositoryInterface
	Catalog   repository.CatalogRepositoryInterface
	Events    repository.EventRepositoryInterface
	Queue     queue.DispatchQueue

	Transports mailer.TransportProvider
	Publisher  events.Publisher
	Recorder   *service.EventRecorder
	States     *service.StateMachine
	Renderer   service.Renderer

	closers []func() error
}

// New connects every backing service named in cfg. Close releases them.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openQueue(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openPublisher(); err != nil {
		a.Close()
		return nil, err
	}

	a.Transports = mailer.NewRouter(a.Catalog, cfg)
	a.Renderer = service.Renderer{TrackingBaseURL: cfg.TrackingBaseURL}
	a.States = &service.StateMachine{Campaigns: a.Campaigns, Queue: a.Queue, Log: log}
	a.Recorder = &service.EventRecorder{Events: a.Events, Campaigns: a.Campaigns, Publisher: a.Publisher, Log: log}
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.StoreDriver {
	case "memory":
		a.Log.Warn().Msg("using in-memory store; data is lost on exit")
		store := repository.NewMemoryStore()
		a.Campaigns, a.Leads, a.Catalog, a.Events = store.Campaigns(), store.Leads(), store.Catalog(), store.Events()
		return nil
	case "postgres", "":
		conn, err := db.Open(ctx, a.Config.DatabaseURL, a.Log)
		if err != nil {
			return err
		}
		a.DB = conn
		a.closers = append(a.closers, conn.Close)
		a.Campaigns = &repository.CampaignRepository{DB: conn}
		a.Leads = &repository.LeadRepository{DB: conn}
		a.Catalog = &repository.CatalogRepository{DB: conn}
		a.Events = &repository.EventRepository{DB: conn}
		return nil
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", a.Config.StoreDriver)
	}
}

func (a *App) openQueue(ctx context.Context) error {
	switch a.Config.QueueDriver {
	case "memory":
		a.Log.Warn().Msg("using in-memory dispatch queue; server and worker must share one process")
		a.Queue = queue.NewMemoryQueue(a.Config.QueuePollInterval)
		return nil
	case "redis", "":
		rc := redis.NewClient(&redis.Options{
			Addr:     a.Config.RedisAddr,
			DB:       a.Config.RedisDB,
			Password: a.Config.RedisPassword,
		})
		if err := rc.Ping(ctx).Err(); err != nil {
			metrics.SetRedisUp(false)
			_ = rc.Close()
			return fmt.Errorf("ping redis: %w", err)
		}
		metrics.SetRedisUp(true)
		a.Redis = rc
		a.closers = append(a.closers, rc.Close)
		a.Queue = queue.NewRedisQueue(rc, queue.RedisOptions{
			Prefix:            a.Config.QueuePrefix,
			PollInterval:      a.Config.QueuePollInterval,
			VisibilityTimeout: a.Config.QueueVisibilityTimeout,
		})
		return nil
	default:
		return fmt.Errorf("unknown QUEUE_DRIVER %q", a.Config.QueueDriver)
	}
}

func (a *App) openPublisher() error {
	sinks := events.Multi{events.NewLogger(a.Log)}
	if a.Config.AMQPURL != "" {
		p, err := events.DialAMQP(a.Config.AMQPURL, a.Config.AMQPExchange)
		if err != nil {
			return fmt.Errorf("connect amqp: %w", err)
		}
		a.closers = append(a.closers, p.Close)
		sinks = append(sinks, p)
		a.Log.Info().Str("exchange", a.Config.AMQPExchange).Msg("publishing campaign events to amqp")
	}
	a.Publisher = sinks
	return nil
}

// CampaignService builds the API-facing service.
func (a *App) CampaignService() *service.CampaignService {
	return &service.CampaignService{
		CampaignRepo: a.Campaigns,
		LeadRepo:     a.Leads,
		CatalogRepo:  a.Catalog,
		EventRepo:    a.Events,
		Queue:        a.Queue,
		Resolver:     &service.RecipientResolver{Leads: a.Leads, Catalog: a.Catalog},
		States:       a.States,
		Transports:   a.Transports,
		Renderer:     a.Renderer,
		Dispatch: service.DispatchOptions{
			BaseDelay:         a.Config.DispatchBaseDelay,
			PerItemDelay:      a.Config.DispatchPerItemDelay,
			TemplateSelection: a.Config.TemplateSelection,
		},
		Log: a.Log.With().Str("component", "campaigns").Logger(),
	}
}

func (a *App) TrackingService() *service.TrackingService {
	return &service.TrackingService{
		Campaigns: a.Campaigns,
		Leads:     a.Leads,
		Recorder:  a.Recorder,
		Log:       a.Log.With().Str("component", "tracking").Logger(),
	}
}

// Worker builds the send worker pool.
func (a *App) Worker() *service.Worker {
	return &service.Worker{
		Queue:      a.Queue,
		Campaigns:  a.Campaigns,
		Leads:      a.Leads,
		Catalog:    a.Catalog,
		Senders:    &service.LRUSenderPool{Catalog: a.Catalog},
		Transports: a.Transports,
		Recorder:   a.Recorder,
		States:     a.States,
		Renderer:   a.Renderer,
		Opts: service.WorkerOptions{
			Concurrency:  a.Config.WorkerConcurrency,
			MaxAttempts:  a.Config.DispatchMaxAttempts,
			Backoff:      queue.Backoff{Base: a.Config.DispatchBackoffBase, Max: a.Config.DispatchBackoffMax},
			SendTimeout:  a.Config.SendTimeout,
			PerItemDelay: a.Config.DispatchPerItemDelay,
		},
		Log: a.Log.With().Str("component", "worker").Logger(),
	}
}

// Ping checks the backing services and refreshes their up gauges.
func (a *App) Ping(ctx context.Context) map[string]string {
	out := map[string]string{"db": "memory", "queue": "memory"}
	if a.DB != nil {
		out["db"] = "ok"
		if err := db.Ping(ctx, a.DB); err != nil {
			out["db"] = "down"
		}
	}
	if a.Redis != nil {
		out["queue"] = "ok"
		err := a.Redis.Ping(ctx).Err()
		metrics.SetRedisUp(err == nil)
		if err != nil {
			out["queue"] = "down"
		}
	}
	return out
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn().Err(err).Msg("close")
		}
	}
	a.closers = nil
}
