// Command executor runs a Conveyor worker: it locates a coordinator
// (statically configured or via UDP discovery), registers, and executes
// dispatched tasks with the built-in handler set.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/dreamware/conveyor/internal/config"
	"github.com/dreamware/conveyor/internal/discovery"
	"github.com/dreamware/conveyor/internal/executor"
	"github.com/dreamware/conveyor/internal/tasks"
)

var log = logging.Logger("conveyor/cmd")

const discoveryWait = 30 * time.Second

func main() {
	logging.SetAllLoggers(logging.LevelInfo)
	if lvl := os.Getenv("CONVEYOR_LOG_LEVEL"); lvl != "" {
		if err := logging.SetLogLevel("*", lvl); err != nil {
			log.Warnw("invalid log level", "value", lvl, "err", err)
		}
	}

	config.Load()
	cfg, err := config.LoadExecutor()
	if err != nil {
		log.Fatalw("invalid configuration", "err", err)
	}

	coordAddr := cfg.CoordinatorAddr
	if coordAddr == "" {
		coordAddr, err = discoverCoordinator(cfg.DiscoveryAddr)
		if err != nil {
			log.Fatalw("no coordinator found", "discovery", cfg.DiscoveryAddr, "err", err)
		}
		log.Infow("coordinator discovered", "addr", coordAddr)
	}

	exec, err := executor.New(executor.Options{
		WorkerID:          cfg.WorkerID,
		ListenAddr:        cfg.ListenAddr,
		AdvertiseAddr:     cfg.AdvertiseAddr,
		CoordinatorAddr:   coordAddr,
		Format:            cfg.Format,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, tasks.Builtin())
	if err != nil {
		log.Fatalw("executor setup failed", "err", err)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = exec.Start(startCtx)
	cancel()
	if err != nil {
		log.Fatalw("executor start failed", "err", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := exec.Stop(ctx); err != nil {
		log.Warnw("shutdown incomplete", "err", err)
	}
}

// discoverCoordinator listens for announcement datagrams until one arrives
// or the wait expires.
func discoverCoordinator(discoveryAddr string) (string, error) {
	listener := discovery.NewListener(discoveryAddr, discovery.DefaultPruneAfter)
	if err := listener.Start(); err != nil {
		return "", err
	}
	defer listener.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), discoveryWait)
	defer cancel()
	return listener.WaitForCoordinator(ctx)
}
