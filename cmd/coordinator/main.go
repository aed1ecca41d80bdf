// Command coordinator runs a Conveyor coordinator: six HTTP listeners at
// the configured base address, a UDP discovery beacon, and the built-in
// handler set for tasks it executes itself.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/dreamware/conveyor/internal/config"
	"github.com/dreamware/conveyor/internal/coordinator"
	"github.com/dreamware/conveyor/internal/discovery"
	"github.com/dreamware/conveyor/internal/tasks"
)

var log = logging.Logger("conveyor/cmd")

func main() {
	logging.SetAllLoggers(logging.LevelInfo)
	if lvl := os.Getenv("CONVEYOR_LOG_LEVEL"); lvl != "" {
		if err := logging.SetLogLevel("*", lvl); err != nil {
			log.Warnw("invalid log level", "value", lvl, "err", err)
		}
	}

	config.Load()
	cfg, err := config.LoadCoordinator()
	if err != nil {
		log.Fatalw("invalid configuration", "err", err)
	}

	coord, err := coordinator.New(coordinator.Options{
		CoordinatorID:      cfg.CoordinatorID,
		BaseAddr:           cfg.BaseAddr,
		Format:             cfg.Format,
		HealthTimeout:      cfg.HealthTimeout,
		HealthInterval:     cfg.HealthInterval,
		CacheSize:          cfg.CacheSize,
		CacheTTL:           cfg.CacheTTL,
		CacheSweepInterval: cfg.CacheSweepInterval,
		DispatchTick:       cfg.DispatchTick,
	}, tasks.Builtin())
	if err != nil {
		log.Fatalw("coordinator setup failed", "err", err)
	}

	srv := coordinator.NewServer(coord)
	if err := srv.Start(); err != nil {
		log.Fatalw("listen failed", "err", err)
	}
	coord.Start()

	announcer := discovery.NewAnnouncer(cfg.CoordinatorID, cfg.BaseAddr, cfg.DiscoveryAddr, cfg.AnnounceInterval)
	if err := announcer.Start(); err != nil {
		// Discovery is an optional convenience; static configuration
		// still works without it.
		log.Warnw("discovery announcements disabled", "target", cfg.DiscoveryAddr, "err", err)
	}

	log.Infow("coordinator running", "id", cfg.CoordinatorID, "base", cfg.BaseAddr,
		"discovery", cfg.DiscoveryAddr, "format", cfg.Format)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	announcer.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Warnw("listener shutdown", "err", err)
	}
	coord.Stop()
}
