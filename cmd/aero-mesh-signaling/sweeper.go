package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/registry"
)

type sweeper interface {
	Sweep() []registry.HostRecord
}

// runSweeper expires idle hosts every interval until ctx is done. Requests
// also sweep inline, so this only bounds how long an idle registry keeps
// stale entries. A zero interval disables it.
func runSweeper(ctx context.Context, clk clock.Clock, interval time.Duration, s sweeper, logger *slog.Logger) {
	if interval <= 0 {
		return
	}

	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := s.Sweep(); len(expired) > 0 {
				logger.Debug("host_sweep", "expired", len(expired))
			}
		}
	}
}
