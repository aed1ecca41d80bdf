// Package config loads process configuration from the environment, with an
// optional .env file merged in first. Every knob has a workable default so
// a bare `conveyor-coordinator` plus `conveyor-executor` pair comes up on
// loopback with no configuration at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/joho/godotenv"

	"github.com/dreamware/conveyor/internal/task"
)

var log = logging.Logger("conveyor/config")

// Defaults shared by the load functions.
const (
	DefaultBaseAddr      = "127.0.0.1:5555"
	DefaultDiscoveryAddr = "127.0.0.1:5550"
)

// Load merges a .env file from the working directory (if present) into the
// process environment. Real environment variables win over file entries.
func Load() {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			log.Warnw("failed to load .env file", "error", err)
		}
		return
	}
	log.Debug("loaded configuration from .env")
}

// Coordinator holds coordinator process settings.
type Coordinator struct {
	CoordinatorID      string
	BaseAddr           string
	DiscoveryAddr      string
	Format             task.Format
	CacheSize          int
	CacheTTL           time.Duration
	CacheSweepInterval time.Duration
	HealthTimeout      time.Duration
	HealthInterval     time.Duration
	DispatchTick       time.Duration
	AnnounceInterval   time.Duration
}

// LoadCoordinator reads coordinator settings from the environment.
func LoadCoordinator() (Coordinator, error) {
	c := Coordinator{
		CoordinatorID: envStr("CONVEYOR_COORDINATOR_ID", defaultID("coordinator")),
		BaseAddr:      envStr("CONVEYOR_BASE_ADDR", DefaultBaseAddr),
		DiscoveryAddr: envStr("CONVEYOR_DISCOVERY_ADDR", DefaultDiscoveryAddr),
	}

	var err error
	if c.Format, err = envFormat("CONVEYOR_SERIALIZATION_FORMAT"); err != nil {
		return Coordinator{}, err
	}
	if c.CacheSize, err = envInt("CONVEYOR_RESULT_CACHE_SIZE", 10000); err != nil {
		return Coordinator{}, err
	}
	if c.CacheTTL, err = envDuration("CONVEYOR_RESULT_CACHE_TTL", time.Hour); err != nil {
		return Coordinator{}, err
	}
	if c.CacheSweepInterval, err = envDuration("CONVEYOR_CACHE_SWEEP_INTERVAL", time.Minute); err != nil {
		return Coordinator{}, err
	}
	if c.HealthTimeout, err = envDuration("CONVEYOR_HEALTH_TIMEOUT", 30*time.Second); err != nil {
		return Coordinator{}, err
	}
	if c.HealthInterval, err = envDuration("CONVEYOR_HEALTH_INTERVAL", 5*time.Second); err != nil {
		return Coordinator{}, err
	}
	if c.DispatchTick, err = envDuration("CONVEYOR_DISPATCH_TICK", 500*time.Millisecond); err != nil {
		return Coordinator{}, err
	}
	if c.AnnounceInterval, err = envDuration("CONVEYOR_ANNOUNCE_INTERVAL", 2*time.Second); err != nil {
		return Coordinator{}, err
	}
	return c, nil
}

// Executor holds executor process settings.
type Executor struct {
	WorkerID          string
	ListenAddr        string
	AdvertiseAddr     string
	CoordinatorAddr   string
	DiscoveryAddr     string
	Format            task.Format
	HeartbeatInterval time.Duration
}

// LoadExecutor reads executor settings from the environment. The
// coordinator address may be left empty when discovery is in use.
func LoadExecutor() (Executor, error) {
	e := Executor{
		WorkerID:        envStr("CONVEYOR_WORKER_ID", defaultID("worker")),
		ListenAddr:      envStr("CONVEYOR_WORKER_ADDR", "127.0.0.1:0"),
		AdvertiseAddr:   envStr("CONVEYOR_WORKER_ADVERTISE_ADDR", ""),
		CoordinatorAddr: envStr("CONVEYOR_COORDINATOR_ADDR", ""),
		DiscoveryAddr:   envStr("CONVEYOR_DISCOVERY_ADDR", DefaultDiscoveryAddr),
	}

	var err error
	if e.Format, err = envFormat("CONVEYOR_SERIALIZATION_FORMAT"); err != nil {
		return Executor{}, err
	}
	if e.HeartbeatInterval, err = envDuration("CONVEYOR_HEARTBEAT_INTERVAL", 10*time.Second); err != nil {
		return Executor{}, err
	}
	return e, nil
}

// Client holds submission-side settings.
type Client struct {
	CoordinatorAddr string
	DiscoveryAddr   string
	Format          task.Format
	Timeout         time.Duration
	Retries         int
	BaseDelay       time.Duration
}

// LoadClient reads client settings from the environment.
func LoadClient() (Client, error) {
	c := Client{
		CoordinatorAddr: envStr("CONVEYOR_COORDINATOR_ADDR", ""),
		DiscoveryAddr:   envStr("CONVEYOR_DISCOVERY_ADDR", DefaultDiscoveryAddr),
	}

	var err error
	if c.Format, err = envFormat("CONVEYOR_SERIALIZATION_FORMAT"); err != nil {
		return Client{}, err
	}
	if c.Timeout, err = envDuration("CONVEYOR_CLIENT_TIMEOUT", 30*time.Second); err != nil {
		return Client{}, err
	}
	if c.Retries, err = envInt("CONVEYOR_CLIENT_RETRIES", 3); err != nil {
		return Client{}, err
	}
	if c.BaseDelay, err = envDuration("CONVEYOR_CLIENT_BASE_DELAY", 100*time.Millisecond); err != nil {
		return Client{}, err
	}
	return c, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, v, err)
	}
	return n, nil
}

// envDuration accepts Go duration strings ("30s", "1h") and, for
// compatibility with bare-number configs, plain integers read as seconds.
func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
	}
	return d, nil
}

func envFormat(key string) (task.Format, error) {
	v := os.Getenv(key)
	if v == "" {
		return task.FormatJSON, nil
	}
	f, err := task.ParseFormat(v)
	if err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func defaultID(role string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%s-%d", role, host, os.Getpid())
}
