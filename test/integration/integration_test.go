// Package integration wires real coordinator, executor and client
// processes together over loopback and exercises whole-system flows.
package integration

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/conveyor/internal/client"
	"github.com/dreamware/conveyor/internal/cluster"
	"github.com/dreamware/conveyor/internal/coordinator"
	"github.com/dreamware/conveyor/internal/executor"
	"github.com/dreamware/conveyor/internal/task"
	"github.com/dreamware/conveyor/internal/tasks"
)

func freeBasePort(t *testing.T) string {
	t.Helper()
	for attempt := 0; attempt < 10; attempt++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		base := ln.Addr().(*net.TCPAddr).Port
		ln.Close()

		ok := true
		for off := 0; off <= 5; off++ {
			probe, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", base+off))
			if err != nil {
				ok = false
				break
			}
			probe.Close()
		}
		if ok {
			return "127.0.0.1:" + strconv.Itoa(base)
		}
	}
	t.Fatal("could not find six consecutive free ports")
	return ""
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func startCoordinator(t *testing.T, opts coordinator.Options) (*coordinator.Coordinator, string) {
	t.Helper()
	if opts.BaseAddr == "" {
		opts.BaseAddr = freeBasePort(t)
	}
	if opts.CoordinatorID == "" {
		opts.CoordinatorID = "coord-integration"
	}
	if opts.DispatchTick == 0 {
		opts.DispatchTick = 20 * time.Millisecond
	}

	coord, err := coordinator.New(opts, tasks.Builtin())
	require.NoError(t, err)
	coord.Start()
	t.Cleanup(coord.Stop)

	srv := coordinator.NewServer(coord)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return coord, opts.BaseAddr
}

func startExecutor(t *testing.T, coordAddr, workerID string) *executor.Executor {
	t.Helper()
	e, err := executor.New(executor.Options{
		WorkerID:          workerID,
		ListenAddr:        freePort(t),
		CoordinatorAddr:   coordAddr,
		HeartbeatInterval: 50 * time.Millisecond,
	}, tasks.Builtin())
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

func newClient(t *testing.T, coordAddr string) *client.Client {
	t.Helper()
	c, err := client.New(client.Options{
		CoordinatorAddr: coordAddr,
		Timeout:         5 * time.Second,
		Retries:         1,
		BaseDelay:       20 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestRoundTripThroughExecutor(t *testing.T) {
	_, base := startCoordinator(t, coordinator.Options{})
	startExecutor(t, base, "w1")
	c := newClient(t, base)

	rec, err := c.SubmitTask(context.Background(), "add", []any{2, 3}, nil, task.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, rec.Status)
	assert.Equal(t, 5.0, rec.Result)
}

func TestRoundTripLocalExecution(t *testing.T) {
	// No executors registered: the coordinator runs the task itself.
	_, base := startCoordinator(t, coordinator.Options{})
	c := newClient(t, base)

	rec, err := c.SubmitTask(context.Background(), "multiply", []any{6, 7}, nil, task.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, rec.Status)
	assert.Equal(t, 42.0, rec.Result)
}

func TestLoadSpreadsAcrossExecutors(t *testing.T) {
	_, base := startCoordinator(t, coordinator.Options{})
	startExecutor(t, base, "w1")
	startExecutor(t, base, "w2")
	c := newClient(t, base)

	// Slow tasks so dispatches overlap and load balancing has something
	// to balance.
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := c.SubmitTask(context.Background(), "sleep", []any{0.1}, nil, task.PriorityNormal)
			assert.NoError(t, err)
			assert.Equal(t, task.StatusSuccess, rec.Status)
		}()
	}
	wg.Wait()
}

func TestFailoverToSecondExecutor(t *testing.T) {
	coord, base := startCoordinator(t, coordinator.Options{})
	startExecutor(t, base, "w1")

	// A second "executor" that registered and then died without notice.
	require.NoError(t, coord.RegisterExecutor("w-dead", "127.0.0.1:1"))

	c := newClient(t, base)
	for i := 0; i < 4; i++ {
		rec, err := c.SubmitTask(context.Background(), "add", []any{1, float64(i)}, nil, task.PriorityNormal)
		require.NoError(t, err)
		assert.Equal(t, task.StatusSuccess, rec.Status)
		assert.Equal(t, 1.0+float64(i), rec.Result)
	}
}

func TestExecutorRestartResumesDispatch(t *testing.T) {
	_, base := startCoordinator(t, coordinator.Options{})
	c := newClient(t, base)

	e := startExecutor(t, base, "w1")
	rec, err := c.SubmitTask(context.Background(), "add", []any{1, 1}, nil, task.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, rec.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	require.NoError(t, e.Stop(ctx))
	cancel()

	// Same worker id on a fresh port: deregistration left the slot
	// reusable.
	startExecutor(t, base, "w1")
	rec, err = c.SubmitTask(context.Background(), "add", []any{2, 2}, nil, task.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, 4.0, rec.Result)
}

func TestPriorityOrderAcrossTiers(t *testing.T) {
	base := freeBasePort(t)
	coord, err := coordinator.New(coordinator.Options{
		CoordinatorID: "coord-priority",
		BaseAddr:      base,
		DispatchTick:  20 * time.Millisecond,
	}, tasks.Builtin())
	require.NoError(t, err)

	// Record dispatch arrival order at a fake executor.
	var mu sync.Mutex
	var order []task.Priority
	fe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req cluster.DispatchRequest
		require.NoError(t, cluster.ReadMsg(r, &req))
		mu.Lock()
		order = append(order, req.Task.Priority)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer fe.Close()
	require.NoError(t, coord.RegisterExecutor("w1", fe.Listener.Addr().String()))

	// Enqueue across tiers before the dispatch loop starts, so one drain
	// sees them all.
	for _, p := range []task.Priority{task.PriorityLow, task.PriorityNormal, task.PriorityCritical, task.PriorityHigh} {
		_, err := coord.Submit(task.New("echo", nil, nil, p))
		require.NoError(t, err)
	}

	coord.Start()
	defer coord.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []task.Priority{
		task.PriorityCritical, task.PriorityHigh, task.PriorityNormal, task.PriorityLow,
	}, order)
}

func TestDelayDoesNotBlock(t *testing.T) {
	_, base := startCoordinator(t, coordinator.Options{})
	startExecutor(t, base, "w1")
	c := newClient(t, base)

	start := time.Now()
	id, err := c.Delay(context.Background(), "sleep", []any{0.2}, nil, task.PriorityLow)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	require.Eventually(t, func() bool {
		rec, err := c.GetTaskResult(context.Background(), id)
		return err == nil && rec.Status == task.StatusSuccess
	}, 5*time.Second, 25*time.Millisecond)
}

func TestResultExpiresFromCache(t *testing.T) {
	_, base := startCoordinator(t, coordinator.Options{
		CacheTTL:           80 * time.Millisecond,
		CacheSweepInterval: 20 * time.Millisecond,
	})
	c := newClient(t, base)

	rec, err := c.SubmitTask(context.Background(), "add", []any{1, 2}, nil, task.PriorityNormal)
	require.NoError(t, err)

	// Visible right away, gone after the TTL.
	_, err = c.GetTaskResult(context.Background(), rec.TaskID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := c.GetTaskResult(context.Background(), rec.TaskID)
		return err != nil
	}, 2*time.Second, 25*time.Millisecond)
}

func TestStatusReflectsCluster(t *testing.T) {
	_, base := startCoordinator(t, coordinator.Options{})
	startExecutor(t, base, "w1")
	startExecutor(t, base, "w2")

	url, err := cluster.URL(base, 4, "/status")
	require.NoError(t, err)

	hc := cluster.NewClient(task.FormatJSON, 2*time.Second)
	var snap cluster.StatusSnapshot
	require.NoError(t, hc.Get(context.Background(), url, &snap))

	assert.Equal(t, "coord-integration", snap.CoordinatorID)
	assert.Len(t, snap.Executors, 2)
}
