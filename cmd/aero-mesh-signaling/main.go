package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/conntable"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/registry"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	scopePolicy, err := cfg.ScopePolicy()
	if err != nil {
		logger.Error("failed to configure scope policy", "err", err)
		os.Exit(2)
	}

	logger.Info("starting aero-mesh-signaling",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"host_ttl", cfg.HostTTL,
		"host_sweep_interval", cfg.HostSweepInterval,
		"scope_mode", cfg.ScopeMode,
		"trust_forwarded_for", cfg.TrustForwardedFor,
		"max_message_bytes", cfg.MaxMessageBytes,
		"max_messages_per_second", cfg.MaxMessagesPerSecond,
		"compression", cfg.Compression,
		"ice_servers", len(cfg.ICEServers),
	)
	logStartupWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt})

	m := metrics.New()
	router := signaling.NewRouter(signaling.RouterConfig{
		Registry: registry.New(cfg.HostTTL, clock.New()),
		Table:    conntable.New[signaling.Conn](),
		Scope:    scopePolicy,
		Metrics:  m,
		Logger:   logger,
	})
	ws := signaling.NewWebSocketServer(signaling.WebSocketConfig{
		Router:               router,
		Origins:              srv.Origins(),
		IdleTimeout:          cfg.WSIdleTimeout,
		PingInterval:         cfg.WSPingInterval,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		EnableCompression:    cfg.Compression,
		TrustForwardedFor:    cfg.TrustForwardedFor,
		Logger:               logger,
	})
	ws.RegisterRoutes(srv.Mux())
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		runSweeper(gctx, clock.New(), cfg.HostSweepInterval, router, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info("shutdown signal received")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		// Hijacked WebSocket connections are not covered by Shutdown.
		ws.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("http server exited", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info for
	// `go run` / dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
