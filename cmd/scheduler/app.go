package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/uptrace/bun"

	"github.com/hackgods/healthhub-scheduler/internal/appointment"
	"github.com/hackgods/healthhub-scheduler/internal/availability"
	"github.com/hackgods/healthhub-scheduler/internal/config"
	"github.com/hackgods/healthhub-scheduler/internal/db"
	"github.com/hackgods/healthhub-scheduler/internal/events"
	"github.com/hackgods/healthhub-scheduler/internal/lock"
	"github.com/hackgods/healthhub-scheduler/internal/logger"
	redisclient "github.com/hackgods/healthhub-scheduler/internal/redis"
	"github.com/hackgods/healthhub-scheduler/internal/scheduling"
	"github.com/hackgods/healthhub-scheduler/internal/slots"
)

// app holds the wired dependencies shared by the subcommands.
type app struct {
	cfg config.Config
	log zerolog.Logger

	pool  *pgxpool.Pool // nil on the memory backend
	bunDB *bun.DB
	redis *redis.Client // nil when Redis is not configured

	providers  availability.Store
	ledger     appointment.Ledger
	dispatcher *events.Dispatcher
	engine     *scheduling.Engine
	locker     lock.Locker
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load error: %w", err)
	}
	log := logger.New(cfg.Env, cfg.LogLevel)
	return newApp(ctx, cfg, log)
}

func newApp(ctx context.Context, cfg config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	publishers := events.Multi{events.NewLogPublisher(log)}

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("postgres connection error: %w", err)
		}
		a.pool = pool
		a.bunDB = db.OpenBun(pool)
		a.providers = availability.NewBunStore(a.bunDB)
		a.ledger = appointment.NewPgLedger(pool)
		publishers = append(publishers, events.NewPgEventLog(pool))
		log.Info().Msg("connected to Postgres")
	default:
		store := availability.NewMemoryStore()
		a.providers = store
		a.ledger = appointment.NewMemoryLedger(store)
		log.Warn().Msg("using in-memory store, state is lost on exit")
	}

	if cfg.RedisEnabled() {
		rdb, err := redisclient.NewRedisClient(ctx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("redis connection error: %w", err)
		}
		a.redis = rdb
		a.locker = redisclient.NewLocker(rdb, cfg.LockTTL)
		publishers = append(publishers, events.NewRedisStream(rdb, cfg.EventStream))
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
	} else {
		a.locker = lock.NewLocal()
	}

	a.dispatcher = events.NewDispatcher(publishers, cfg.EventQueueSize, log)

	resolver := slots.NewResolver(a.providers, a.ledger, slots.Config{
		MaxWindowSpan:      cfg.MaxWindowSpan,
		DefaultGranularity: cfg.DefaultGranularity,
	})
	a.engine = scheduling.NewEngine(a.providers, resolver, a.ledger, a.dispatcher, scheduling.Config{
		AppointmentTTL:     cfg.AppointmentTTL,
		BookingHorizon:     cfg.BookingHorizon,
		MinLeadTime:        cfg.MinLeadTime,
		PlatformFeePercent: cfg.PlatformFeePercent,
	}, log)

	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error().Err(err).Msg("error closing redis")
		}
	}
	if a.bunDB != nil {
		_ = a.bunDB.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
