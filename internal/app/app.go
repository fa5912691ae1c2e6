package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/yungbote/graphstage/internal/data/db"
	"github.com/yungbote/graphstage/internal/data/graph"
	"github.com/yungbote/graphstage/internal/data/ledger"
	"github.com/yungbote/graphstage/internal/observability"
	"github.com/yungbote/graphstage/internal/platform/logger"
	"github.com/yungbote/graphstage/internal/platform/neo4jdb"
	"github.com/yungbote/graphstage/internal/platform/redislock"
	"github.com/yungbote/graphstage/internal/source"
)

// App holds the clients one command needs. Only what the command asked for is wired.
type App struct {
	Log     *logger.Logger
	Cfg     Config
	Source  source.Source
	Store   graph.Store
	Ledger  *ledger.Ledger
	Lock    *redislock.Locker
	Metrics *observability.Metrics
	Out     io.Writer

	closers []func(context.Context) error
}

// New validates cfg for needs and wires the matching clients. On error everything already
// opened is closed.
func New(ctx context.Context, cfg Config, log *logger.Logger, needs ...Need) (a *App, err error) {
	if err := cfg.Validate(needs...); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNop()
	}
	a = &App{Log: log, Cfg: cfg, Out: os.Stdout}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
			a = nil
		}
	}()

	a.closers = append(a.closers, observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "graphstage",
		Environment: cfg.Environment,
	}))

	a.Metrics = observability.Init(log)
	if a.Metrics == nil && (cfg.PushgatewayURL != "" || cfg.MetricsAddr != "") {
		a.Metrics = observability.NewMetrics()
	}
	a.Metrics.StartServer(ctx, log, cfg.MetricsAddr)

	for _, n := range needs {
		switch n {
		case NeedSource:
			err = a.wireSource(ctx)
		case NeedGraph:
			err = a.wireGraph(ctx)
		}
		if err != nil {
			return a, err
		}
	}
	return a, nil
}

func (a *App) wireSource(ctx context.Context) error {
	src, closeSrc, err := source.New(ctx, a.Cfg.Source, a.Log)
	if err != nil {
		return err
	}
	a.Source = src
	a.closers = append(a.closers, func(context.Context) error { return closeSrc() })
	a.Log.Info("source ready", "source", src.String())
	return nil
}

// wireGraph connects the graph store plus the run ledger and lock that guard writes to it.
func (a *App) wireGraph(ctx context.Context) error {
	cfg := a.Cfg
	if cfg.DryRun {
		a.Store = graph.NewMemoryStore()
		a.Log.Warn("dry run: writing to an in-memory graph")
	} else {
		client, err := neo4jdb.New(ctx, cfg.Neo4j, a.Log)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		store, err := graph.NewNeo4jStore(client, a.Log, cfg.Params.ChunkTimeout)
		if err != nil {
			return err
		}
		a.Store = store
	}

	if cfg.LedgerDSN != "" {
		gdb, err := db.Open(cfg.LedgerDSN, a.Log)
		if err != nil {
			return err
		}
		if sqlDB, err := gdb.DB(); err == nil {
			a.closers = append(a.closers, func(context.Context) error { return sqlDB.Close() })
		}
		a.Ledger = ledger.New(gdb, a.Log, cfg.LedgerStaleAfter)
	}

	lock, err := redislock.New(ctx, cfg.Redis, a.Log)
	if err != nil {
		return fmt.Errorf("run lock: %w", err)
	}
	if lock != nil {
		a.Lock = lock
		a.closers = append(a.closers, func(context.Context) error { return lock.Close() })
	}
	return nil
}

// Close releases clients in reverse order of wiring and flushes the logger.
func (a *App) Close(ctx context.Context) error {
	if a == nil {
		return nil
	}
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	if a.Log != nil {
		a.Log.Sync()
	}
	return first
}
