package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hypothesis/h-sub003/internal/config"
	"github.com/hypothesis/h-sub003/internal/events"
	"github.com/hypothesis/h-sub003/internal/indexer"
	"github.com/hypothesis/h-sub003/internal/logger"
	"github.com/hypothesis/h-sub003/internal/report"
	"github.com/hypothesis/h-sub003/internal/search"
	"github.com/hypothesis/h-sub003/internal/store"
)

func main() {
	once := flag.Bool("once", false, "run a single reconciliation and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		log.Fatal("store unavailable", "driver", cfg.Database.Driver, "error", err)
	}
	defer closeStore()

	meili := search.NewMeili(cfg.Search, log)
	defer meili.Close()
	ix := indexer.New(src, meili, cfg.Search.ChunkSize, cfg.Search.ScanBatchSize, log)

	archive, err := report.Open(ctx, cfg.Archive, log)
	if err != nil {
		log.Fatal("report archive unavailable", "error", err)
	}

	if *once {
		r, err := reconcile(ctx, ix, archive, log)
		if err != nil || r.Failed() {
			log.Sync()
			os.Exit(1)
		}
		return
	}

	bus, err := events.NewRedisBus(cfg.Redis.URL, cfg.Redis.Channel, log)
	if err != nil {
		log.Fatal("redis connection failed", "error", err)
	}
	defer bus.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("consuming annotation events", "channel", cfg.Redis.Channel)
		return bus.Subscribe(gctx, ix.HandleEvent)
	})
	if cfg.Reconcile.Interval > 0 {
		g.Go(func() error {
			return reconcileLoop(gctx, cfg.Reconcile.Interval, ix, archive, log)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("indexer stopped", "error", err)
		log.Sync()
		os.Exit(1)
	}
	log.Info("indexer stopped")
}

// errEphemeralStore rejects the memory driver. An empty in-process store
// makes every index entry look stale to DeleteAll.
var errEphemeralStore = errors.New("the indexer needs the postgres driver; an in-memory store would empty the index")

func openStore(ctx context.Context, cfg config.DatabaseConfig) (*store.Postgres, func(), error) {
	if cfg.Driver != config.DriverPostgres {
		return nil, nil, errEphemeralStore
	}
	pool, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection: %w", err)
	}
	if err := store.ApplyMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}
	return store.NewPostgres(pool), pool.Close, nil
}

// reconcileLoop runs a reconciliation at startup and then every interval.
// Failed runs are logged and retried on the next tick.
func reconcileLoop(ctx context.Context, interval time.Duration, ix *indexer.Indexer, archive *report.Archive, log *logger.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		_, _ = reconcile(ctx, ix, archive, log)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func reconcile(ctx context.Context, ix *indexer.Indexer, archive *report.Archive, log *logger.Logger) (indexer.Report, error) {
	r, err := ix.Reconcile(ctx)
	if err != nil {
		log.Error("reconciliation failed", "error", err)
		return r, err
	}
	if r.Failed() {
		log.Warn("reconciliation left failures",
			"index_failed", r.IndexFailed, "delete_failed", r.DeleteFailed)
	}
	if err := archive.Store(ctx, r); err != nil {
		log.Warn("store reconciliation report", "error", err)
	}
	return r, nil
}
