// Package app wires stores and services from configuration. Both binaries
// build their dependencies through it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"mealreg/internal/actor"
	"mealreg/internal/audit"
	"mealreg/internal/class"
	"mealreg/internal/config"
	"mealreg/internal/metrics"
	"mealreg/internal/queue"
	"mealreg/internal/registration"
	"mealreg/internal/store"
	"mealreg/internal/user"
	"mealreg/internal/version"
)

const jobsKey = "mealreg:jobs"

// System is the actor used for work nobody requested directly.
var System = actor.Actor{ID: "system", DisplayName: "System", Role: actor.RoleAdmin}

// App holds the wired services.
type App struct {
	Config  config.App
	Log     *slog.Logger
	Metrics *metrics.Metrics
	DB      *store.DB
	Redis   *store.Redis

	Registrations *registration.Service
	Audit         *audit.Log
	Classes       *class.Service
	Users         *user.Service
	Version       version.Counter
	Jobs          queue.Queue
}

// New connects the configured backends and builds every service.
func New(ctx context.Context, cfg config.App, log *slog.Logger, reg prometheus.Registerer) (*App, error) {
	a := &App{Config: cfg, Log: log, Metrics: metrics.New(reg)}

	if cfg.VersionBackend == "redis" || cfg.QueueBackend == "redis" {
		a.Redis = store.NewRedis(cfg.RedisAddr)
		if !a.Redis.Healthy(ctx) {
			log.Warn("redis not reachable at startup", "addr", cfg.RedisAddr)
		}
	}

	var (
		regStore   registration.Store
		auditStore audit.Store
		classStore class.Store
		userStore  user.Store
	)
	switch cfg.StoreBackend {
	case "memory":
		regStore = registration.NewMemory()
		auditStore = audit.NewMemory()
		classStore = class.NewMemory()
		userStore = user.NewMemory(user.User{
			Email:       "admin@localhost",
			DisplayName: "Administrator",
			Role:        actor.RoleAdmin,
		})
		log.Warn("using in-memory store; data is lost on restart")
	case "postgres":
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.DB = db
		if err := store.Migrate(ctx, db.Client); err != nil {
			a.Close()
			return nil, err
		}
		regStore = registration.NewPostgres(db.Client)
		auditStore = audit.NewPostgres(db.Client)
		classStore = class.NewPostgres(db.Client)
		userStore = user.NewPostgres(db.Client)
	default:
		a.Close()
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	switch cfg.VersionBackend {
	case "redis":
		a.Version = version.NewRedis(a.Redis.Client, "")
	default:
		a.Version = version.NewMemory()
	}
	switch cfg.QueueBackend {
	case "redis":
		rq := queue.NewRedisQueue(a.Redis.Client, jobsKey)
		rq.OnDrop(func(raw string, err error) {
			log.Error("dropping undecodable job", "payload", raw, "error", err)
		})
		a.Jobs = rq
	default:
		a.Jobs = queue.NewInMemory(64)
	}

	a.Audit = audit.NewLog(auditStore, audit.WithLimits(cfg.DefaultPageSize, cfg.MaxPageSize))
	a.Registrations = registration.NewService(regStore, a.Audit,
		registration.WithLogger(log.With("component", "registration")),
		registration.WithMetrics(a.Metrics),
		registration.WithNotifier(a.Version),
		registration.WithPageSizes(cfg.DefaultPageSize, cfg.MaxPageSize),
	)
	a.Classes = class.NewService(classStore, a.Registrations, a.Audit, a.Version, log.With("component", "class"))
	a.Users = user.NewService(userStore, a.Audit, log.With("component", "user"))

	if cfg.SeedDefaultClasses {
		if _, err := a.Classes.SeedDefaults(actor.With(ctx, System)); err != nil {
			log.Warn("seeding default classes failed", "error", err)
		}
	}
	return a, nil
}

// Healthy reports the reachability of each configured backend.
func (a *App) Healthy(ctx context.Context) map[string]bool {
	out := map[string]bool{}
	if a.DB != nil {
		out["db"] = a.DB.Healthy(ctx)
	}
	if a.Redis != nil {
		out["redis"] = a.Redis.Healthy(ctx)
	}
	return out
}

// Close releases connections.
func (a *App) Close() {
	if err := a.DB.Close(); err != nil {
		a.Log.Warn("closing postgres", "error", err)
	}
	if err := a.Redis.Close(); err != nil {
		a.Log.Warn("closing redis", "error", err)
	}
}
