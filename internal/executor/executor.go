package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"

	"github.com/dreamware/conveyor/internal/cluster"
	"github.com/dreamware/conveyor/internal/task"
)

var log = logging.Logger("conveyor/executor")

// managementOffset is the coordinator listener executors talk to for
// registration, heartbeats and result reports.
const managementOffset = 5

// DefaultHeartbeatInterval is the fixed heartbeat schedule. The
// coordinator's inactivity threshold is a separate, longer constant.
const DefaultHeartbeatInterval = 10 * time.Second

// Options configures an Executor.
type Options struct {
	// WorkerID uniquely identifies this executor in the coordinator's
	// registry.
	WorkerID string

	// ListenAddr is the host:port this executor serves /dispatch on.
	ListenAddr string

	// AdvertiseAddr is the address the coordinator dispatches to. Defaults
	// to ListenAddr.
	AdvertiseAddr string

	// CoordinatorAddr is the coordinator's base address; management calls
	// go to base+5.
	CoordinatorAddr string

	// Format selects the wire serialization (JSON unless gob is opted
	// into).
	Format task.Format

	// HeartbeatInterval overrides the default heartbeat schedule.
	HeartbeatInterval time.Duration

	// RequestTimeout bounds each call to the coordinator.
	RequestTimeout time.Duration
}

// Executor is a worker process: it registers with the coordinator, executes
// dispatched tasks concurrently, reports results, and heartbeats on its own
// schedule.
type Executor struct {
	opts     Options
	registry Registry
	client   *cluster.Client

	registerURL   string
	heartbeatURL  string
	reportURL     string
	deregisterURL string

	srv      *http.Server
	inflight atomic.Int64
	tasks    sync.WaitGroup

	mu       sync.Mutex
	accept   bool
	cancel   context.CancelFunc
	stopped  chan struct{}
	serveErr chan error
}

// New builds an executor around the injected handler registry.
func New(opts Options, reg Registry) (*Executor, error) {
	if opts.WorkerID == "" {
		return nil, errors.New("worker id is required")
	}
	if opts.ListenAddr == "" {
		return nil, errors.New("listen address is required")
	}
	if opts.CoordinatorAddr == "" {
		return nil, errors.New("coordinator address is required")
	}
	if opts.AdvertiseAddr == "" {
		opts.AdvertiseAddr = opts.ListenAddr
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.Format == "" {
		opts.Format = task.FormatJSON
	}

	e := &Executor{
		opts:     opts,
		registry: reg,
		client:   cluster.NewClient(opts.Format, opts.RequestTimeout),
		serveErr: make(chan error, 1),
	}

	var err error
	for _, ep := range []struct {
		url  *string
		path string
	}{
		{&e.registerURL, "/register"},
		{&e.heartbeatURL, "/heartbeat"},
		{&e.reportURL, "/report"},
		{&e.deregisterURL, "/deregister"},
	} {
		*ep.url, err = cluster.URL(opts.CoordinatorAddr, managementOffset, ep.path)
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Start registers with the coordinator and, only once registration is
// acknowledged, begins serving dispatches and heartbeating. A registration
// rejection is returned as-is and the executor never serves.
func (e *Executor) Start(ctx context.Context) error {
	if e.opts.Format == task.FormatGob {
		log.Warnw("gob serialization enabled; do not use on untrusted networks", "worker", e.opts.WorkerID)
	}

	if err := e.register(ctx); err != nil {
		return fmt.Errorf("register with coordinator: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/dispatch", e.handleDispatch)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	e.srv = &http.Server{
		Addr:              e.opts.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.accept = true
	e.cancel = cancel
	e.stopped = make(chan struct{})
	e.mu.Unlock()

	go func() {
		log.Infow("executor listening", "worker", e.opts.WorkerID, "addr", e.opts.ListenAddr)
		if err := e.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.serveErr <- err
		}
	}()

	go e.heartbeatLoop(runCtx)

	// Surface an immediate bind failure instead of heartbeating a dead
	// listener.
	select {
	case err := <-e.serveErr:
		cancel()
		return fmt.Errorf("listen on %s: %w", e.opts.ListenAddr, err)
	case <-time.After(50 * time.Millisecond):
	}

	log.Infow("executor started", "worker", e.opts.WorkerID,
		"coordinator", e.opts.CoordinatorAddr, "tasks", e.registry.Names())
	return nil
}

func (e *Executor) register(ctx context.Context) error {
	var resp cluster.RegisterResponse
	err := e.client.Post(ctx, e.registerURL, cluster.RegisterRequest{
		WorkerID: e.opts.WorkerID,
		Address:  e.opts.AdvertiseAddr,
	}, &resp)
	if err != nil {
		return err
	}
	if resp.Status != "registered" {
		return fmt.Errorf("registration not acknowledged: %q", resp.Status)
	}
	log.Infow("registered with coordinator", "worker", e.opts.WorkerID)
	return nil
}

// heartbeatLoop sends (worker_id, in-flight count) on a fixed interval,
// independent of task execution so a long-running task never delays it.
//
// A heartbeat rejected as unknown-worker means the coordinator no longer
// has us in its registry (a restart wipes it); the executor re-registers
// itself rather than heartbeating into the void until someone restarts it.
func (e *Executor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
			err := e.client.Post(hbCtx, e.heartbeatURL, cluster.HeartbeatRequest{
				WorkerID: e.opts.WorkerID,
				Load:     int(e.inflight.Load()),
			}, nil)
			cancel()
			if err == nil {
				continue
			}

			var serr *cluster.StatusError
			if errors.As(err, &serr) && serr.Status == http.StatusNotFound {
				log.Warnw("coordinator does not know us, re-registering", "worker", e.opts.WorkerID)
				regCtx, regCancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
				if rerr := e.register(regCtx); rerr != nil {
					log.Warnw("re-registration failed", "worker", e.opts.WorkerID, "err", rerr)
				}
				regCancel()
				continue
			}
			log.Warnw("heartbeat failed", "worker", e.opts.WorkerID, "err", err)
		case <-ctx.Done():
			return
		}
	}
}

// handleDispatch acknowledges the hand-off immediately and runs the task in
// its own goroutine, keeping the dispatch channel free for further tasks.
func (e *Executor) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cluster.DispatchRequest
	if err := cluster.ReadMsg(r, &req); err != nil {
		cluster.WriteError(w, e.opts.Format, http.StatusBadRequest, err)
		return
	}
	if req.Task == nil || req.Task.ID == "" {
		cluster.WriteError(w, e.opts.Format, http.StatusBadRequest, errors.New("missing task"))
		return
	}

	e.mu.Lock()
	accepting := e.accept
	if accepting {
		e.tasks.Add(1)
	}
	e.mu.Unlock()

	if !accepting {
		cluster.WriteError(w, e.opts.Format, http.StatusServiceUnavailable, errors.New("executor shutting down"))
		return
	}

	w.WriteHeader(http.StatusAccepted)

	t := req.Task
	go func() {
		defer e.tasks.Done()
		e.inflight.Add(1)
		defer e.inflight.Add(-1)

		log.Infow("executing task", "worker", e.opts.WorkerID, "task", t.ID, "name", t.Name, "priority", t.Priority)
		rec := Run(context.Background(), e.registry, e.opts.WorkerID, t)
		e.report(rec)
	}()
}

func (e *Executor) report(rec *task.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.RequestTimeout)
	defer cancel()

	err := e.client.Post(ctx, e.reportURL, cluster.ReportRequest{
		WorkerID: e.opts.WorkerID,
		Record:   rec,
	}, nil)
	if err != nil {
		// The coordinator will surface the gap through its own health and
		// timeout paths; nothing to do here but log.
		log.Errorw("result report failed", "worker", e.opts.WorkerID, "task", rec.TaskID, "err", err)
		return
	}
	log.Debugw("reported result", "worker", e.opts.WorkerID, "task", rec.TaskID, "status", rec.Status)
}

// Inflight returns the number of tasks currently executing.
func (e *Executor) Inflight() int {
	return int(e.inflight.Load())
}

// Stop shuts the executor down: it refuses new dispatches, lets in-flight
// tasks finish reporting, sends a best-effort deregister notice, and closes
// the listener.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.accept = false
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel == nil {
		return nil // never started
	}
	cancel()

	var errs *multierror.Error

	// Drain in-flight tasks before announcing departure so their reports
	// land while the coordinator still knows us.
	done := make(chan struct{})
	go func() {
		e.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = multierror.Append(errs, fmt.Errorf("shutdown deadline with %d tasks in flight", e.inflight.Load()))
	}

	deregCtx, deregCancel := context.WithTimeout(context.Background(), e.opts.RequestTimeout)
	if err := e.client.Post(deregCtx, e.deregisterURL, cluster.DeregisterRequest{WorkerID: e.opts.WorkerID}, nil); err != nil {
		log.Debugw("deregister notice failed", "worker", e.opts.WorkerID, "err", err)
	}
	deregCancel()

	if e.srv != nil {
		if err := e.srv.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	log.Infow("executor stopped", "worker", e.opts.WorkerID)
	return errs.ErrorOrNil()
}
