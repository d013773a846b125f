package main

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables signaling authentication",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSignalingRequestsPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_SIGNALING_REQUESTS_PER_SECOND is unset/0 (unlimited) while --mode=prod",
			"warning_code", "signaling_rate_limit_disabled_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.SessionConnectTimeout > 2*time.Minute {
		logger.Warn("startup security warning: SESSION_CONNECT_TIMEOUT is very large (half-open sessions hold media resources longer)",
			"warning_code", "session_connect_timeout_large",
			"session_connect_timeout", cfg.SessionConnectTimeout,
			"mode", cfg.Mode,
		)
	}

	if u, err := url.Parse(strings.TrimSpace(cfg.AggregatorURL)); err == nil &&
		strings.EqualFold(u.Scheme, "ws") && !isLoopbackHost(u.Hostname()) {
		logger.Warn("startup security warning: AGGREGATOR_URL uses plain ws:// to a remote host (telemetry is sent unencrypted)",
			"warning_code", "aggregator_url_insecure",
			"aggregator_host", safeURLHost(cfg.AggregatorURL),
			"mode", cfg.Mode,
		)
	}
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
