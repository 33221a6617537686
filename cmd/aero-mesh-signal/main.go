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
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/history"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/store"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

// memoryDatabase is shared by every pooled connection of one process.
const memoryDatabase = "file:aero-mesh-signal?mode=memory&cache=shared"

const sessionSweepInterval = 10 * time.Minute

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

	logger.Info("starting aero-mesh-signal",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"config_file", cfg.ConfigFile,
		"room_history_limit", cfg.RoomHistoryLimit,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"signaling_connects_per_minute", cfg.SignalingConnectsPerMinute,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	logStartupSecurityWarnings(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	m := metrics.New()
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	hub := signaling.NewHub(signaling.HubConfig{
		Relay:   relay.Config{HistoryLimit: cfg.RoomHistoryLimit},
		Logger:  logger,
		Metrics: m,
	})
	hubDone := make(chan struct{})
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go func() {
		defer close(hubDone)
		_ = hub.Run(hubCtx)
	}()

	sigCfg := signaling.Config{
		Hub:                  hub,
		Logger:               logger,
		Metrics:              m,
		OriginPolicy:         srv.OriginPolicy(),
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		SendQueueLength:      cfg.SignalingSendQueueLength,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		ConnectsPerMinute:    cfg.SignalingConnectsPerMinute,
	}

	var db *store.Store
	if cfg.AuthMode == config.AuthModeAccount {
		path := cfg.DatabasePath
		if path == "" {
			path = memoryDatabase
		}
		db, err = store.Open(ctx, store.Config{Path: path, Logger: logger})
		if err != nil {
			logger.Error("failed to open database", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		srv.AddReadyCheck(func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return db.Ping(pingCtx)
		})

		accounts, err := auth.NewService(auth.Config{Accounts: db, TokenTTL: cfg.SessionTokenTTL})
		if err != nil {
			logger.Error("failed to configure accounts", "err", err)
			os.Exit(2)
		}
		meetings := history.NewService(accounts, db, nil)
		accounts.RegisterRoutes(srv, logger, m)
		meetings.RegisterRoutes(srv, logger)

		sigCfg.Tokens = accounts
		sigCfg.History = meetings

		go sweepSessions(ctx, db, logger)
	}

	sig, err := signaling.NewServer(sigCfg)
	if err != nil {
		logger.Error("failed to configure signaling", "err", err)
		os.Exit(2)
	}
	// The upgrader applies the origin policy itself, so /signal skips the
	// CORS middleware.
	sig.RegisterRoutes(srv.Mux())

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		stopHub()
		<-hubDone
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Stopping the hub first closes every send queue, which makes each write
	// pump send a going-away close frame; Shutdown does not wait for hijacked
	// WebSocket connections.
	stopHub()
	<-hubDone
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func sweepSessions(ctx context.Context, db *store.Store, logger *slog.Logger) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := db.DeleteExpiredSessions(ctx, now)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("expired session sweep failed", "err", err)
				}
				continue
			}
			if n > 0 {
				logger.Debug("expired sessions deleted", "count", n)
			}
		}
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info for
	// `go run` and dev builds.
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
