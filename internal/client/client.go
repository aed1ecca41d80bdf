// Package client implements the caller side of the Conveyor task queue:
// blocking submission with timeout/retry, non-blocking delay submission,
// completion callbacks, and result queries against the coordinator's cache.
//
// The client builds tasks locally (including their ids) and keeps a local
// table of records for tasks whose outcome it has itself observed; that
// table is never populated by anyone else.
//
// Retry semantics: a blocking submit that sees no terminal result within
// its timeout re-sends an equivalent request with exponential backoff. If
// the original submit actually succeeded and only the acknowledgement was
// lost, the retry duplicates the execution — at-most-once delivery without
// idempotency keys makes that inherent, and this client does not mask it.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/dreamware/conveyor/internal/cluster"
	"github.com/dreamware/conveyor/internal/discovery"
	"github.com/dreamware/conveyor/internal/task"
)

var log = logging.Logger("conveyor/client")

// ErrTimeout is returned when a blocking submit exhausted its retries
// without observing a terminal result.
var ErrTimeout = errors.New("task submission timed out")

// ErrNotFound is returned by result queries that miss the coordinator's
// cache.
var ErrNotFound = errors.New("task result not found")

const resultsOffset = 4

// Defaults for the retry policy.
const (
	DefaultTimeout   = 30 * time.Second
	DefaultRetries   = 3
	DefaultBaseDelay = 100 * time.Millisecond
	DefaultPollEvery = 50 * time.Millisecond
)

// Options configures a Client.
type Options struct {
	// CoordinatorAddr is the coordinator base address. Leave empty to
	// resolve it through Discovery instead.
	CoordinatorAddr string

	// Discovery supplies coordinator endpoints when CoordinatorAddr is
	// empty. The listener must already be started.
	Discovery *discovery.Listener

	// Format selects the wire serialization.
	Format task.Format

	// Timeout bounds one blocking-submit attempt (submit + result wait).
	Timeout time.Duration

	// Retries is how many times a timed-out attempt is re-sent.
	Retries int

	// BaseDelay seeds the exponential backoff between attempts
	// (BaseDelay × 2^attempt).
	BaseDelay time.Duration

	// PollInterval is the cadence of result polling during a blocking
	// submit.
	PollInterval time.Duration
}

// Client submits tasks to a coordinator and retrieves their results.
// Safe for concurrent use.
type Client struct {
	opts Options
	http *cluster.Client

	mu    sync.Mutex
	local map[string]*task.Record
}

// New builds a client. Either a coordinator address or a discovery
// listener must be supplied.
func New(opts Options) (*Client, error) {
	if opts.CoordinatorAddr == "" && opts.Discovery == nil {
		return nil, errors.New("either a coordinator address or a discovery listener is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = DefaultRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollEvery
	}
	if opts.Format == "" {
		opts.Format = task.FormatJSON
	}
	return &Client{
		opts:  opts,
		http:  cluster.NewClient(opts.Format, opts.Timeout),
		local: make(map[string]*task.Record),
	}, nil
}

// coordinatorAddr resolves the coordinator base address, waiting on
// discovery when none was configured. Surfaces
// discovery.ErrNoCoordinator after the bounded wait.
func (c *Client) coordinatorAddr(ctx context.Context) (string, error) {
	if c.opts.CoordinatorAddr != "" {
		return c.opts.CoordinatorAddr, nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	return c.opts.Discovery.WaitForCoordinator(waitCtx)
}

// SubmitTask submits a task and blocks until a terminal record is
// available, retrying timed-out attempts with exponential backoff. After
// exhausting retries it fails with ErrTimeout.
func (c *Client) SubmitTask(ctx context.Context, name string, args []any, kwargs map[string]any, priority task.Priority) (*task.Record, error) {
	if _, err := task.ParsePriority(string(priority)); err != nil {
		return nil, err
	}
	t := task.New(name, args, kwargs, priority)
	c.storePlaceholder(t.ID)

	var lastErr error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if attempt > 0 {
			delay := c.opts.BaseDelay * (1 << (attempt - 1))
			log.Warnw("submit attempt timed out, retrying", "task", t.ID,
				"attempt", attempt, "of", c.opts.Retries, "backoff", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		rec, err := c.submitAndWait(ctx, t)
		if err == nil {
			c.storeRecord(rec)
			return rec, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w after %d retries: %v", ErrTimeout, c.opts.Retries, lastErr)
}

// submitAndWait performs one attempt: send the submit, then poll the
// results port until the record turns terminal or the attempt times out.
func (c *Client) submitAndWait(ctx context.Context, t *task.Task) (*task.Record, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	if err := c.submit(attemptCtx, t); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rec, err := c.GetTaskResult(attemptCtx, t.ID)
			if err == nil && rec.Terminal() {
				return rec, nil
			}
			if err != nil && !errors.Is(err, ErrNotFound) {
				// Transient transport failures ride out the attempt
				// timeout rather than aborting it.
				log.Debugw("result poll failed", "task", t.ID, "error", err)
			}
		case <-attemptCtx.Done():
			return nil, fmt.Errorf("no terminal result for task %s within %s", t.ID, c.opts.Timeout)
		}
	}
}

// submit sends the task to the coordinator's submit port for its priority.
func (c *Client) submit(ctx context.Context, t *task.Task) error {
	base, err := c.coordinatorAddr(ctx)
	if err != nil {
		return err
	}
	url, err := cluster.URL(base, t.Priority.Offset(), "/submit")
	if err != nil {
		return err
	}

	var resp cluster.SubmitResponse
	if err := c.http.Post(ctx, url, cluster.SubmitRequest{Task: t}, &resp); err != nil {
		return err
	}
	if resp.TaskID != t.ID {
		return fmt.Errorf("coordinator acknowledged wrong task id %q", resp.TaskID)
	}
	return nil
}

// Delay builds the task, stores a local PENDING placeholder, fires the
// submission without waiting for completion, and returns the task id
// immediately. The placeholder only updates if this client later learns
// the outcome; no background poll is started.
func (c *Client) Delay(ctx context.Context, name string, args []any, kwargs map[string]any, priority task.Priority) (string, error) {
	return c.delay(ctx, name, args, kwargs, priority, nil)
}

// DelayWithCallback is Delay plus a one-shot completion notification
// pushed to callbackAddr. The caller must have a listener bound at that
// address before submitting: delivery is best-effort with no queuing and
// no retry.
func (c *Client) DelayWithCallback(ctx context.Context, name, callbackAddr string, args []any, kwargs map[string]any, callbackData map[string]any, priority task.Priority) (string, error) {
	if callbackAddr == "" {
		return "", errors.New("callback address is required")
	}
	return c.delay(ctx, name, args, kwargs, priority, &task.Callback{
		Address: callbackAddr,
		Data:    callbackData,
	})
}

func (c *Client) delay(ctx context.Context, name string, args []any, kwargs map[string]any, priority task.Priority, cb *task.Callback) (string, error) {
	if _, err := task.ParsePriority(string(priority)); err != nil {
		return "", err
	}
	t := task.New(name, args, kwargs, priority)
	t.Callback = cb

	c.storePlaceholder(t.ID)
	if err := c.submit(ctx, t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// GetTaskResult queries the coordinator's result cache. A cache miss —
// unknown, expired, or not yet completed — returns ErrNotFound. A terminal
// record is remembered locally.
func (c *Client) GetTaskResult(ctx context.Context, taskID string) (*task.Record, error) {
	base, err := c.coordinatorAddr(ctx)
	if err != nil {
		return nil, err
	}
	url, err := cluster.URL(base, resultsOffset, "/results/"+taskID)
	if err != nil {
		return nil, err
	}

	var resp cluster.ResultResponse
	if err := c.http.Get(ctx, url, &resp); err != nil {
		var serr *cluster.StatusError
		if errors.As(err, &serr) && serr.Status == 404 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		return nil, err
	}
	if !resp.Found || resp.Record == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}

	if resp.Record.Terminal() {
		c.storeRecord(resp.Record)
	}
	return resp.Record, nil
}

// GetResult is the local-only lookup: it returns the record for taskID
// only if this client instance itself learned the outcome (or created the
// placeholder).
func (c *Client) GetResult(taskID string) (*task.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.local[taskID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (c *Client) storePlaceholder(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local[taskID] = task.NewRecord(taskID)
}

func (c *Client) storeRecord(rec *task.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local[rec.TaskID] = rec.Clone()
}
