// Command obscored is the server entry point: it wires configuration,
// cluster membership, the disk caches, the result-cache planner, the
// query pipeline, the scheduler, and a thin Echo HTTP surface for
// submitting queries, cancelling them, and inspecting scheduler
// activity, then serves until an interrupt arrives.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/obscore/obscore/cluster"
	"github.com/obscore/obscore/config"
	"github.com/obscore/obscore/diskcache"
	"github.com/obscore/obscore/kvstore"
	"github.com/obscore/obscore/meta"
	"github.com/obscore/obscore/obslog"
	"github.com/obscore/obscore/query"
	"github.com/obscore/obscore/resultcache"
	"github.com/obscore/obscore/rpcexec"
	"github.com/obscore/obscore/schema"
	"github.com/obscore/obscore/scheduler"
	"github.com/obscore/obscore/statemanager"
)

func main() {
	cfg := config.Load()
	logger := obslog.New(obslog.DefaultConfig())
	entry := obslog.For(logger, "obscored")

	store, coord, err := openKVBackend(cfg)
	if err != nil {
		log.Fatalf("open kv backend: %v", err)
	}

	registry := cluster.NewRegistry(store, coord, logger, cluster.Config{
		VnodeCount:      cfg.Cluster.ConsistentHashVnodes,
		HeartbeatTTL:    cfg.Limit.NodeHeartbeatTTL,
		HealthTimeout:   cfg.HealthCheck.Timeout,
		HealthFailTimes: cfg.HealthCheck.FailedTimes,
		LocalMode:       cfg.Common.LocalMode,
		SelfHTTPAddr:    cfg.HTTPAddr,
		SelfRoles:       []meta.Role{meta.RoleAll},
		SelfRoleGroup:   meta.RoleGroupInteractive,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := registry.RegisterAndKeepAlive(ctx); err != nil {
		log.Fatalf("register node: %v", err)
	}

	schemaCache := schema.NewCache(store, coord)

	dataCache := diskcache.New(cfg, diskcache.ClassData, cfg.DataDir)
	resultCache := diskcache.New(cfg, diskcache.ClassResult, cfg.DataDir)
	for _, c := range []*diskcache.Cache{dataCache, resultCache} {
		if err := c.Load(); err != nil {
			log.Fatalf("load disk cache: %v", err)
		}
		go c.RunGC(ctx)
		defer c.Close()
	}

	planner := resultcache.NewPlanner(resultCache)
	partitioner := query.NewPartitioner(cfg.Query.PartitionSpan, cfg.Query.MaxPartitions)
	selector := query.NewNodeSelector(registry)
	executor := rpcexec.New(cfg.Limit.AlertScheduleTimeout, "")
	cancelRegistry := query.NewCancelRegistry()
	pipeline := query.NewPipeline(partitioner, planner, selector, executor, cancelRegistry, cfg.Query.StreamBufferSize)

	schedulerStore, err := scheduler.NewStore(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open scheduler store: %v", err)
	}
	defer schedulerStore.Close()

	ops := statemanager.New(statemanager.Config{ServiceName: cfg.Common.InstanceName})
	runner := scheduler.NewRunner(schedulerStore, logger, ops, scheduler.Config{
		PullInterval:  cfg.Scheduler.PullInterval,
		Concurrency:   cfg.Limit.AlertScheduleConcurrency,
		AlertTimeout:  cfg.Limit.AlertScheduleTimeout,
		ReportTimeout: cfg.Limit.ReportScheduleTimeout,
		MaxRetries:    cfg.Limit.SchedulerMaxRetries,
		ReapInterval:  cfg.Scheduler.ReapInterval,
		CleanInterval: cfg.Scheduler.CleanInterval,
	}, nil, nil, nil, nil)
	go runner.Run(ctx)

	_ = schemaCache
	_ = dataCache

	srv := &server{
		cache:  cancelRegistry,
		pipe:   pipeline,
		ops:    ops,
		log:    entry,
		limit:  cfg.Query.PendingNums,
	}

	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(ops.Middleware("query"))

	e.GET("/healthz", srv.handleHealth)
	e.POST("/api/:org/_search", srv.handleSearch)
	e.GET("/api/:org/_search/ws", srv.handleSearchWS)
	e.POST("/api/:org/_cancel/:trace_id", srv.handleCancel)
	ops.RegisterRoutes(e.Group("/internal"))

	go func() {
		entry.WithField("addr", cfg.HTTPAddr).Info("listening")
		if err := e.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	entry.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Fatal(err)
	}
}

// openKVBackend picks the coordination backend by cfg.Common.ClusterCoordinator:
// "redis" for multi-process deployments, "local" (the default) for a
// single-process one that never needs cross-process coordination.
func openKVBackend(cfg *config.Config) (kvstore.Store, kvstore.Coordinator, error) {
	if cfg.Common.ClusterCoordinator == "redis" {
		store, err := kvstore.NewPostgresStore(context.Background(), cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		coord, err := kvstore.NewRedisCoordinator(cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return store, coord, nil
	}
	boltPath := cfg.DataDir + "/meta.db"
	store, err := kvstore.NewBoltStore(boltPath)
	if err != nil {
		return nil, nil, err
	}
	return store, kvstore.NewLocalCoordinator(), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
