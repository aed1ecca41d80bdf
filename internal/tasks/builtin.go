// Package tasks provides the built-in handler set shared by the shipped
// coordinator and executor binaries. Deployments embed their own handlers
// instead; these exist so a fresh checkout has something to run.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/conveyor/internal/executor"
)

// Builtin returns a registry with the demo handlers registered.
func Builtin() *executor.MapRegistry {
	reg := executor.NewMapRegistry()
	reg.Register("add", Add)
	reg.Register("multiply", Multiply)
	reg.Register("echo", Echo)
	reg.Register("sleep", Sleep)
	return reg
}

// Add sums its numeric args.
func Add(_ context.Context, args []any, _ map[string]any) (any, error) {
	sum := 0.0
	for _, a := range args {
		n, err := asNumber(a)
		if err != nil {
			return nil, err
		}
		sum += n
	}
	return sum, nil
}

// Multiply multiplies its numeric args.
func Multiply(_ context.Context, args []any, _ map[string]any) (any, error) {
	product := 1.0
	for _, a := range args {
		n, err := asNumber(a)
		if err != nil {
			return nil, err
		}
		product *= n
	}
	return product, nil
}

// Echo returns its args and kwargs unchanged.
func Echo(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	return map[string]any{"args": args, "kwargs": kwargs}, nil
}

// Sleep waits for args[0] seconds, honoring cancellation. Useful for
// exercising load balancing and drain behavior.
func Sleep(ctx context.Context, args []any, _ map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("sleep requires a duration argument in seconds")
	}
	seconds, err := asNumber(args[0])
	if err != nil {
		return nil, err
	}

	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return fmt.Sprintf("slept %.2fs", seconds), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// asNumber accepts the numeric types produced by handler callers and wire
// decoding.
func asNumber(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
