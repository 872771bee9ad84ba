package main

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/registry"
)

type countingSweeper struct {
	calls atomic.Int32
}

func (s *countingSweeper) Sweep() []registry.HostRecord {
	s.calls.Add(1)
	return []registry.HostRecord{{ID: "stale"}}
}

func TestRunSweeper_TicksUntilCancelled(t *testing.T) {
	clk := clock.NewMock()
	s := &countingSweeper{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runSweeper(ctx, clk, time.Minute, s, logger)
	}()

	// Let the goroutine register its ticker before moving the clock.
	require.Eventually(t, func() bool {
		clk.Add(time.Minute)
		return s.calls.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper did not stop after cancel")
	}
}

func TestRunSweeper_ZeroIntervalDisabled(t *testing.T) {
	s := &countingSweeper{}
	runSweeper(context.Background(), clock.NewMock(), 0, s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Zero(t, s.calls.Load())
}
