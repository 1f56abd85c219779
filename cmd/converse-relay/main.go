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

	"github.com/converse-chat/relay/internal/config"
	"github.com/converse-chat/relay/internal/httpserver"
	"github.com/converse-chat/relay/internal/metrics"
	"github.com/converse-chat/relay/internal/signaling"
	"github.com/converse-chat/relay/internal/store"
	"github.com/converse-chat/relay/internal/turnrest"
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

	logger.Info("starting converse-relay",
		"listen_addr", cfg.ListenAddr,
		"data_dir", cfg.DataDir,
		"mode", cfg.Mode,
		"auth_timeout", cfg.AuthTimeout,
		"ws_idle_timeout", cfg.WSIdleTimeout,
		"ws_ping_interval", cfg.WSPingInterval,
		"max_message_bytes", cfg.MaxMessageBytes,
		"max_messages_per_second", cfg.MaxMessagesPerSecond,
		"call_setup_timeout", cfg.CallSetupTimeout,
	)

	db, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		logger.Error("failed to open store", "err", err)
		os.Exit(2)
	}
	defer db.Close()

	conversations, err := store.NewConversationStore(db)
	if err != nil {
		logger.Error("failed to open conversation store", "err", err)
		os.Exit(2)
	}
	defer conversations.Close()

	identities := store.NewIdentityStore(db, cfg.BcryptCost)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	srv := httpserver.New(cfg, logger, resolveBuildInfo(buildCommit, buildTime))

	m := metrics.New()
	registry := signaling.NewRegistry(m, logger)
	calls := signaling.NewCallTable(nil)
	router := signaling.NewRouter(registry, calls, conversations, m, logger)

	ws := signaling.NewWSServer(signaling.WSConfig{
		Identities: identities,
		History:    conversations,
		Registry:   registry,
		Router:     router,
		Metrics:    m,
		Logger:     logger,

		AuthTimeout:          cfg.AuthTimeout,
		IdleTimeout:          cfg.WSIdleTimeout,
		PingInterval:         cfg.WSPingInterval,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		AllowedOrigins:       cfg.AllowedOrigins,
		CallSetupTimeout:     cfg.CallSetupTimeout,
	})
	ws.RegisterRoutes(srv.Mux())

	var turnCreds *turnrest.Generator
	if cfg.HasTURN() {
		turnCreds, err = turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret: cfg.TURNRESTSecret,
			TTL:          cfg.TURNCredentialTTL,
		})
		if err != nil {
			logger.Error("failed to configure turn credentials", "err", err)
			os.Exit(2)
		}
	}
	srv.Mux().Handle("GET /ice", httpserver.ICEHandler(cfg, turnCreds, logger))

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		ws.Close()
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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	ws.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) httpserver.BuildInfo {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
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

	return httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}
}
