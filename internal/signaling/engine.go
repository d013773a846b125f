package signaling

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/relay"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/session"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/turnrest"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/webrtcpeer"
)

type PeerFactoryConfig struct {
	// API should come from webrtcpeer.NewAPI so the configured network
	// settings apply.
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	// TURN, when set, mints credentials for TURN servers configured without
	// static ones. Each session gets its own pair.
	TURN *turnrest.Generator

	ICEGatheringTimeout time.Duration
	ConnectTimeout      time.Duration
	KeyframeInterval    time.Duration

	Emitter relay.Emitter
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// PeerFactory returns a ConnFactory backed by pion PeerConnections. Each
// session's relays use the session as their frame counter and stop when the
// session's context is cancelled.
func PeerFactory(cfg PeerFactoryConfig) ConnFactory {
	return func(sess *session.Session, onTerminal func(string)) (session.Conn, error) {
		iceServers := cfg.ICEServers
		if cfg.TURN != nil {
			var err error
			if iceServers, err = cfg.TURN.Apply(iceServers); err != nil {
				return nil, fmt.Errorf("turn credentials: %w", err)
			}
		}
		return webrtcpeer.NewPeer(sess.Context(), cfg.API, webrtcpeer.PeerConfig{
			SessionID:           sess.ID(),
			ICEServers:          iceServers,
			ICEGatheringTimeout: cfg.ICEGatheringTimeout,
			ConnectTimeout:      cfg.ConnectTimeout,
			KeyframeInterval:    cfg.KeyframeInterval,
			Counter:             sess,
			Emitter:             cfg.Emitter,
			OnTerminal: func(reason webrtcpeer.TerminalReason) {
				onTerminal(string(reason))
			},
			Metrics: cfg.Metrics,
			Logger:  cfg.Logger,
		})
	}
}
