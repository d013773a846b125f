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
	"sync"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/auth"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/config"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/console"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/session"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/telemetry"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/turnrest"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/uplink"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, logCloser, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	// Construct the WebRTC API early so misconfigurations are caught on startup.
	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		return 2
	}

	logger.Info("starting aero-gaze-gateway",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"aggregator_url", cfg.AggregatorURL,
		"auth_mode", cfg.AuthMode,
		"session_connect_timeout", cfg.SessionConnectTimeout,
		"max_pending_candidates", cfg.MaxPendingCandidates,
		"telemetry_queue_size", cfg.TelemetryQueueSize,
		"telemetry_workers", cfg.TelemetryWorkers,
		"console", cfg.Console,
		"config_file", cfg.ConfigFile,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	logStartupWarnings(logger, cfg)

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Error("failed to configure signaling auth", "err", err)
		return 2
	}

	var turnGen *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turnGen, err = turnrest.NewGenerator(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure TURN REST credentials", "err", err)
			return 2
		}
	}

	m := metrics.New()
	override := telemetry.NewOverrideState()

	pingInterval := cfg.UplinkPingInterval
	if pingInterval == 0 {
		pingInterval = -1
	}
	up := uplink.New(uplink.Config{
		URL:          cfg.AggregatorURL,
		RetryDelay:   cfg.UplinkRetryDelay,
		WriteTimeout: cfg.UplinkWriteTimeout,
		PingInterval: pingInterval,
	}, m, logger.With("component", "uplink"))

	emitter := telemetry.NewEmitter(telemetry.Config{
		QueueSize: cfg.TelemetryQueueSize,
		Workers:   cfg.TelemetryWorkers,
	}, override, up, m, logger.With("component", "telemetry"))

	reg := session.NewRegistry(session.Config{
		MaxPendingCandidates: cfg.MaxPendingCandidates,
		PendingCandidateTTL:  cfg.PendingCandidateTTL,
	}, m, logger, nil)

	ctrl := signaling.NewController(reg, signaling.PeerFactory(signaling.PeerFactoryConfig{
		API:                 api,
		ICEServers:          peerConnectionICEServers(cfg, logger),
		TURN:                turnGen,
		ICEGatheringTimeout: cfg.ICEGatheringTimeout,
		ConnectTimeout:      cfg.SessionConnectTimeout,
		KeyframeInterval:    cfg.KeyframeInterval,
		Emitter:             emitter,
		Metrics:             m,
		Logger:              logger,
	}), logger)

	sig, err := signaling.NewServer(ctrl, signaling.ServerConfig{
		AuthMode:          cfg.AuthMode,
		Verifier:          verifier,
		RequestsPerSecond: cfg.MaxSignalingRequestsPerSecond,
		MaxBodyBytes:      cfg.MaxSignalingBodyBytes,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("failed to configure signaling", "err", err)
		return 2
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built},
		httpserver.WithUplinkStatus(up.Connected),
		httpserver.WithMetrics(m, metrics.ProcessGauges(logger), gatewayGauges(reg, emitter, up)),
	)
	sig.RegisterRoutes(srv.Mux())

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		_ = up.Run(ctx)
	}()
	if cfg.Console {
		go func() {
			if err := console.New(override, os.Stdin, os.Stdout, m, logger).Run(ctx); err != nil {
				logger.Warn("console stopped", "err", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	exitCode := 0
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			exitCode = 1
		}
		errCh = nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}
	stop()
	srv.MarkReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if errCh != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited after shutdown", "err", err)
			exitCode = 1
		}
	}

	reg.CloseAll()
	if err := emitter.Close(shutdownCtx); err != nil {
		logger.Warn("telemetry did not drain before shutdown", "err", err, "pending", emitter.Pending())
	}
	bg.Wait()
	logger.Info("shutdown complete")
	return exitCode
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
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

	return commit, buildTime
}
