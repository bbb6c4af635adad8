package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kimhsiao/todosync/internal/auth"
	"github.com/kimhsiao/todosync/internal/config"
	"github.com/kimhsiao/todosync/internal/db"
	"github.com/kimhsiao/todosync/internal/logging"
	"github.com/kimhsiao/todosync/internal/network"
	"github.com/kimhsiao/todosync/internal/service"
	syncpkg "github.com/kimhsiao/todosync/internal/sync"
	"github.com/kimhsiao/todosync/internal/sync/lock"
	"github.com/kimhsiao/todosync/internal/sync/remote"
	"github.com/kimhsiao/todosync/internal/sync/scheduler"
)

// app holds every long-lived component of a running todosync process.
type app struct {
	cfg       *config.Config
	db        *db.DB
	repo      *db.Repository
	pool      *pgxpool.Pool
	redis     *redis.Client
	remote    remote.Accessor
	identity  *auth.Static
	observer  *network.Observer
	prober    *network.Prober
	engine    *syncpkg.Engine
	scheduler *scheduler.Scheduler
	svc       *service.Service
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.db, err = db.OpenAndMigrate(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	a.repo = db.NewRepository(a.db.DB)
	a.observer = network.NewObserver()
	a.identity = auth.NewStatic(cfg.UserID)

	var probe network.ProbeFunc
	if cfg.UseMemoryRemote() {
		logging.Warn("No database_url configured, using an in-memory backend", nil)
		a.remote = remote.NewMemory()
		probe = func(context.Context) error { return nil }
	} else {
		a.pool, err = remote.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect backend: %w", err)
		}
		pg := remote.NewPostgres(a.pool)
		if serr := pg.EnsureSchema(ctx); serr != nil {
			// retried by the next start or "todosync migrate --remote"
			logging.Warn("Remote schema not applied", map[string]interface{}{"error": serr.Error()})
		}
		a.remote = pg
		probe = pg.Ping
	}
	a.prober = network.NewProber(a.observer, probe, cfg.ProbeInterval, cfg.RemoteTimeout)

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisURL != "" {
		a.redis, err = lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		locker = lock.Chain{locker, lock.NewRedis(a.redis, lock.DefaultLeaseTTL)}
	}

	a.engine = syncpkg.NewEngine(a.repo, a.remote, &syncpkg.EngineConfig{
		RemoteTimeout: cfg.RemoteTimeout,
		Locker:        locker,
	})
	a.svc = service.New(service.Options{
		Store:    a.repo,
		Remote:   a.remote,
		Engine:   a.engine,
		Identity: a.identity,
		Observer: a.observer,
	})
	a.scheduler = scheduler.NewScheduler(a.engine, a.identity, a.observer, &scheduler.SchedulerConfig{
		SyncInterval: cfg.SyncInterval,
	})
	a.svc.SetScheduler(a.scheduler)
	return a, nil
}

func (a *app) close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.prober != nil {
		a.prober.Stop()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
