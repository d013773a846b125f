package main

import (
	"log/slog"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/config"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/turnrest"
)

// peerConnectionICEServers returns the ICE server list to use when constructing
// server-side PeerConnections.
//
// Pion refuses TURN servers without credentials. With TURN REST enabled those
// entries are kept and receive minted credentials per session; otherwise they
// are dropped with a warning rather than failing every /connect.
func peerConnectionICEServers(cfg config.Config, logger *slog.Logger) []webrtc.ICEServer {
	if cfg.TURNREST.Enabled() {
		return cfg.ICEServers
	}
	out := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, server := range cfg.ICEServers {
		if !turnrest.HasTURNURL(server) || hasTURNCredentials(server) {
			out = append(out, server)
			continue
		}
		if logger != nil {
			logger.Warn("dropping TURN server without credentials", "urls", server.URLs)
		}
	}
	return out
}

func hasTURNCredentials(server webrtc.ICEServer) bool {
	if strings.TrimSpace(server.Username) == "" {
		return false
	}
	cred, ok := server.Credential.(string)
	return ok && strings.TrimSpace(cred) != ""
}
