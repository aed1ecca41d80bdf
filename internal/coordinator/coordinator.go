package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/dreamware/conveyor/internal/cluster"
	"github.com/dreamware/conveyor/internal/executor"
	"github.com/dreamware/conveyor/internal/queue"
	"github.com/dreamware/conveyor/internal/task"
	"github.com/dreamware/conveyor/internal/telemetry"
)

var log = logging.Logger("conveyor/coordinator")

// Timing defaults. Health and dispatch cadences are independent: dispatch
// is event-driven with the tick as a safety net, health is purely periodic.
const (
	DefaultHealthTimeout   = 30 * time.Second
	DefaultHealthInterval  = 5 * time.Second
	DefaultDispatchTick    = 500 * time.Millisecond
	DefaultDispatchTimeout = 2 * time.Second
)

// Options configures a Coordinator.
type Options struct {
	// CoordinatorID identifies this coordinator in announcements and in
	// execution spans for its local task runs.
	CoordinatorID string

	// BaseAddr is the base host:port; listeners bind at base+0..5.
	BaseAddr string

	// Format selects the wire serialization.
	Format task.Format

	// HealthTimeout is the last-seen age past which an executor is marked
	// inactive.
	HealthTimeout time.Duration

	// HealthInterval is the health-monitor tick.
	HealthInterval time.Duration

	// CacheSize and CacheTTL bound the result cache.
	CacheSize int
	CacheTTL  time.Duration

	// CacheSweepInterval is the expired-result cleanup tick.
	CacheSweepInterval time.Duration

	// DispatchTick is the low-frequency safety tick that re-runs dispatch
	// in case an event kick was missed.
	DispatchTick time.Duration

	// DispatchTimeout bounds each task hand-off to an executor.
	DispatchTimeout time.Duration
}

func (o *Options) withDefaults() {
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = DefaultHealthTimeout
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = DefaultHealthInterval
	}
	if o.CacheSweepInterval <= 0 {
		o.CacheSweepInterval = DefaultCacheSweepInterval
	}
	if o.DispatchTick <= 0 {
		o.DispatchTick = DefaultDispatchTick
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = DefaultDispatchTimeout
	}
	if o.Format == "" {
		o.Format = task.FormatJSON
	}
	if o.CoordinatorID == "" {
		o.CoordinatorID = "coordinator"
	}
}

// Coordinator owns the queues, the executor registry, the result cache and
// the dispatch loop. Construct with New, then Start background loops, then
// Stop; instances are passed explicitly, there is no process-wide state.
type Coordinator struct {
	opts Options

	queue    *queue.PriorityQueue
	registry *Registry
	cache    *ResultCache
	handlers executor.Registry

	// live execution records and callback registrations, keyed by task id.
	// Entries exist from enqueue until the terminal record is cached.
	mu        sync.Mutex
	records   map[string]*task.Record
	callbacks map[string]*task.Callback
	localLoad int

	kick chan struct{}

	dispatchClient *cluster.Client
	callbackClient *cluster.Client

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a coordinator. handlers is the injected task-name registry
// used for local execution when no executor is active; it may be an empty
// MapRegistry, in which case local runs fail with an unknown-task error.
func New(opts Options, handlers executor.Registry) (*Coordinator, error) {
	opts.withDefaults()

	if handlers == nil {
		handlers = executor.NewMapRegistry()
	}

	cache, err := NewResultCache(opts.CacheSize, opts.CacheTTL)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		opts:           opts,
		queue:          queue.New(),
		registry:       NewRegistry(),
		cache:          cache,
		handlers:       handlers,
		records:        make(map[string]*task.Record),
		callbacks:      make(map[string]*task.Callback),
		kick:           make(chan struct{}, 1),
		dispatchClient: cluster.NewClient(opts.Format, opts.DispatchTimeout),
		callbackClient: cluster.NewClient(opts.Format, opts.DispatchTimeout),
	}, nil
}

// Start launches the dispatch loop, the health tick and the cache sweep.
func (c *Coordinator) Start() {
	if c.opts.Format == task.FormatGob {
		log.Warnw("gob serialization enabled; do not use on untrusted networks")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(3)
	go c.dispatchLoop(ctx)
	go c.healthLoop(ctx)
	go c.sweepLoop(ctx)

	log.Infow("coordinator started", "id", c.opts.CoordinatorID,
		"cache_size", c.cache.Capacity(), "cache_ttl", c.opts.CacheTTL,
		"health_timeout", c.opts.HealthTimeout)
}

// Stop halts the background loops. In-memory state is discarded with the
// process; there is nothing to flush.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
	}
	log.Infow("coordinator stopped", "id", c.opts.CoordinatorID)
}

// Submit validates and enqueues a task, returning its id immediately.
// Execution is not awaited; the dispatch loop is kicked opportunistically.
//
// A re-sent submit for an id the coordinator has already seen is enqueued
// again: retry without idempotency keys can duplicate execution, and that
// at-most-once behavior is deliberate.
func (c *Coordinator) Submit(t *task.Task) (string, error) {
	if t == nil || t.ID == "" {
		return "", errors.New("missing task")
	}
	if t.Name == "" {
		return "", errors.New("missing task name")
	}
	if _, err := task.ParsePriority(string(t.Priority)); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.records[t.ID] = task.NewRecord(t.ID)
	if t.Callback != nil {
		c.callbacks[t.ID] = t.Callback
	}
	c.mu.Unlock()

	c.queue.Push(t)
	telemetry.RecordSubmitted(context.Background(), t.Name, string(t.Priority))
	log.Debugw("task enqueued", "task", t.ID, "name", t.Name, "priority", t.Priority)

	c.Kick()
	return t.ID, nil
}

// RegisterExecutor applies the registry's registration rules and, on
// success, kicks dispatch — fresh capacity may unblock a queued task.
func (c *Coordinator) RegisterExecutor(workerID, address string) error {
	if err := c.registry.Register(workerID, address); err != nil {
		return err
	}
	log.Infow("executor registered", "worker", workerID, "addr", address)
	c.Kick()
	return nil
}

// Heartbeat refreshes an executor's liveness.
func (c *Coordinator) Heartbeat(workerID string, reportedLoad int) error {
	return c.registry.Heartbeat(workerID, reportedLoad)
}

// DeregisterExecutor handles the best-effort shutdown notice: the executor
// is marked inactive but its registry entry is kept, so the same id can
// return later.
func (c *Coordinator) DeregisterExecutor(workerID string) {
	c.registry.MarkInactive(workerID)
	log.Infow("executor deregistered", "worker", workerID)
}

// ReportResult records a terminal outcome: the live record transitions to
// its final state, the executing party's load is decremented, the record is
// copied into the result cache, any registered callback fires best-effort,
// and dispatch is re-kicked because capacity just freed up.
//
// workerID is empty for the coordinator's own local executions.
func (c *Coordinator) ReportResult(workerID string, rec *task.Record) error {
	if rec == nil || rec.TaskID == "" {
		return errors.New("missing record")
	}
	if !rec.Terminal() {
		return fmt.Errorf("report for task %s is not terminal (%s)", rec.TaskID, rec.Status)
	}

	c.mu.Lock()
	if live, ok := c.records[rec.TaskID]; ok {
		// First terminal report wins; the live record is discarded once
		// cached.
		*live = *rec
		delete(c.records, rec.TaskID)
	}
	cb := c.callbacks[rec.TaskID]
	delete(c.callbacks, rec.TaskID)
	if workerID == "" && c.localLoad > 0 {
		c.localLoad--
	}
	c.mu.Unlock()

	if workerID != "" {
		c.registry.Release(workerID)
	}

	c.cache.Put(rec)
	log.Debugw("result cached", "task", rec.TaskID, "status", rec.Status, "worker", workerID)

	if cb != nil {
		go c.fireCallback(cb, rec)
	}

	c.Kick()
	return nil
}

// GetResult reads the result cache. A miss — unknown id, expired entry, or
// a task that simply has not completed — is not an error.
func (c *Coordinator) GetResult(taskID string) (*task.Record, bool) {
	return c.cache.Get(taskID)
}

// Kick nudges the dispatch loop without blocking; a kick while one is
// already pending is a no-op.
func (c *Coordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Status assembles the read-only snapshot served on /status.
func (c *Coordinator) Status() cluster.StatusSnapshot {
	c.mu.Lock()
	active := len(c.records)
	localLoad := c.localLoad
	c.mu.Unlock()

	return cluster.StatusSnapshot{
		CoordinatorID: c.opts.CoordinatorID,
		Executors:     c.registry.Snapshot(),
		QueueDepths:   c.queue.Depths(),
		ActiveTasks:   active,
		LocalLoad:     localLoad,
		CacheSize:     c.cache.Len(),
		CacheCapacity: c.cache.Capacity(),
	}
}

// dispatchLoop drains the queues whenever kicked, with a low-frequency
// safety tick in case an event was missed.
func (c *Coordinator) dispatchLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.DispatchTick)
	defer ticker.Stop()

	for {
		select {
		case <-c.kick:
			c.drainQueue(ctx)
		case <-ticker.C:
			c.drainQueue(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// drainQueue dispatches until the queues are empty. Tasks whose hand-off
// fails are returned to the front of their queue by dispatchOne and come
// around again on the next iteration, by then excluding the failed
// executor.
func (c *Coordinator) drainQueue(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		t, ok := c.queue.Pop()
		if !ok {
			return
		}
		c.dispatchOne(ctx, t)
	}
}

// dispatchOne selects a target for one task and hands it off. Selection
// (scan loads, pick minimum, increment) is atomic inside Registry.Acquire;
// the network send happens outside every lock.
func (c *Coordinator) dispatchOne(ctx context.Context, t *task.Task) {
	workerID, address, ok := c.registry.Acquire()
	if !ok {
		c.runLocal(t)
		return
	}

	c.markStarted(t.ID)

	url := dispatchURL(address)
	sendCtx, cancel := context.WithTimeout(ctx, c.opts.DispatchTimeout)
	err := c.dispatchClient.Post(sendCtx, url, cluster.DispatchRequest{Task: t}, nil)
	cancel()

	if err == nil {
		log.Debugw("task dispatched", "task", t.ID, "worker", workerID)
		return
	}

	// Transport-level failure: never surfaced to the caller. The executor
	// is taken out of rotation, the task keeps its place at the front of
	// its tier, and the next drain iteration retries against the next-best
	// candidate (or the local path).
	log.Warnw("dispatch hand-off failed, marking executor inactive",
		"task", t.ID, "worker", workerID, "err", err)
	c.registry.Release(workerID)
	c.registry.MarkInactive(workerID)
	telemetry.RecordFailover(ctx, workerID)

	c.markPending(t.ID)
	c.queue.PushFront(t)
}

// runLocal executes a task on the coordinator itself — it is a worker too.
// Execution is asynchronous so the dispatch loop keeps draining, and it
// detaches from the dispatch context: a coordinator shutdown mid-task does
// not abandon work already started. The result flows through the same
// ReportResult path as an executor's.
func (c *Coordinator) runLocal(t *task.Task) {
	c.markStarted(t.ID)

	c.mu.Lock()
	c.localLoad++
	c.mu.Unlock()

	go func() {
		rec := executor.Run(context.Background(), c.handlers, c.opts.CoordinatorID, t)
		if err := c.ReportResult("", rec); err != nil {
			log.Errorw("local result report failed", "task", t.ID, "err", err)
		}
	}()
}

func (c *Coordinator) markStarted(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[taskID]; ok {
		rec.Status = task.StatusStarted
	}
}

func (c *Coordinator) markPending(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[taskID]; ok {
		rec.Status = task.StatusPending
	}
}

// healthLoop periodically flips executors whose heartbeats have gone quiet.
func (c *Coordinator) healthLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, id := range c.registry.MarkStale(c.opts.HealthTimeout) {
				log.Warnw("executor went stale, marking inactive", "worker", id,
					"timeout", c.opts.HealthTimeout)
			}
		case <-ctx.Done():
			return
		}
	}
}

// sweepLoop periodically removes expired cache entries.
func (c *Coordinator) sweepLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.CacheSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.cache.Sweep(); n > 0 {
				log.Infow("swept expired results", "removed", n, "remaining", c.cache.Len())
			}
		case <-ctx.Done():
			return
		}
	}
}

// fireCallback delivers the one-shot completion notification. Best-effort,
// fire-once: a failure is logged and never retried.
func (c *Coordinator) fireCallback(cb *task.Callback, rec *task.Record) {
	note := cluster.CallbackNotification{
		TaskID:       rec.TaskID,
		Status:       rec.Status,
		Result:       rec.Result,
		Error:        rec.Error,
		StartedAt:    rec.StartedAt,
		CompletedAt:  rec.CompletedAt,
		CallbackData: cb.Data,
	}

	url := cb.Address
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DispatchTimeout)
	defer cancel()
	if err := c.callbackClient.Post(ctx, url, note, nil); err != nil {
		log.Warnw("callback delivery failed, not retrying", "task", rec.TaskID,
			"addr", cb.Address, "err", err)
		return
	}
	log.Debugw("callback delivered", "task", rec.TaskID, "addr", cb.Address)
}

func dispatchURL(address string) string {
	if strings.Contains(address, "://") {
		return address + "/dispatch"
	}
	return "http://" + address + "/dispatch"
}
