// Package uplink maintains the gateway's single WebSocket connection to the
// telemetry aggregator.
package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/telemetry"
)

const (
	DefaultURL          = "ws://localhost:3001"
	DefaultRetryDelay   = 3 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	DefaultDialTimeout  = 5 * time.Second
	DefaultPingInterval = 15 * time.Second
)

type notConnected struct{}

func (notConnected) Error() string      { return "uplink not connected" }
func (notConnected) NotConnected() bool { return true }

// ErrNotConnected is returned by Send while there is no aggregator
// connection. The event is dropped.
var ErrNotConnected error = notConnected{}

type Config struct {
	URL string
	// RetryDelay is the fixed wait between a lost or failed connection and
	// the next dial attempt.
	RetryDelay   time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	// PingInterval controls keepalive pings; a connection that misses two
	// pongs in a row is treated as lost. < 0 disables pings.
	PingInterval time.Duration
	Header       http.Header
}

func (c Config) WithDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	return c
}

// Manager owns the aggregator connection. Run keeps it alive; Send writes to
// it whenever it exists.
type Manager struct {
	cfg     Config
	dialer  websocket.Dialer
	metrics *metrics.Metrics
	log     *slog.Logger

	mu   sync.RWMutex
	conn *websocket.Conn

	// writeMu serializes writes; gorilla connections allow one concurrent
	// writer.
	writeMu sync.Mutex
}

func New(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Manager {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg: cfg,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		metrics: m,
		log:     logger.With("component", "uplink", "url", cfg.URL),
	}
}

// Connected reports whether an aggregator connection is currently open.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn != nil
}

// Run dials the aggregator and holds the connection open until it drops,
// then waits RetryDelay and dials again. It returns when ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if err := m.connectOnce(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("aggregator connection lost", "err", err, "retry_in", m.cfg.RetryDelay)
		}

		timer := time.NewTimer(m.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *Manager) connectOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, resp, err := m.dialer.DialContext(dialCtx, m.cfg.URL, m.cfg.Header)
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		m.metrics.Inc(metrics.UplinkDialFailed)
		return fmt.Errorf("dial: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.metrics.Inc(metrics.UplinkConnects)
	m.log.Info("connected to aggregator")

	connCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		// Unblock the read loop on shutdown.
		<-connCtx.Done()
		_ = conn.Close()
	}()
	if m.cfg.PingInterval > 0 {
		go m.pingLoop(connCtx, conn)
	}

	err = m.readLoop(conn)

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.Close()
	m.metrics.Inc(metrics.UplinkDisconnects)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readLoop discards anything the aggregator sends and returns when the
// connection fails.
func (m *Manager) readLoop(conn *websocket.Conn) error {
	if m.cfg.PingInterval > 0 {
		timeout := 2 * m.cfg.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(timeout))
		})
	}
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return err
		}
		if m.cfg.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * m.cfg.PingInterval))
		}
	}
}

func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(m.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		m.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteTimeout))
		m.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// Send writes ev as one JSON text message. Without a connection the event is
// dropped and ErrNotConnected returned. Write failures are logged and leave
// reconnection to Run.
func (m *Manager) Send(ctx context.Context, ev telemetry.Event) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		m.metrics.Inc(metrics.UplinkEncodeFailed)
		return fmt.Errorf("encode event: %w", err)
	}

	deadline := time.Now().Add(m.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		m.metrics.Inc(metrics.UplinkWriteFailed)
		// A failed write leaves the connection unusable. Only the send that
		// detaches it logs; later events see ErrNotConnected until Run redials.
		if m.detach(conn) && !errors.Is(err, websocket.ErrCloseSent) {
			m.log.Warn("send to aggregator failed; dropping connection", "session_id", ev.SocketID, "frame_id", ev.FrameID, "err", err)
		}
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// detach unpublishes conn and closes it so the read loop returns. It reports
// false when conn was no longer the published connection.
func (m *Manager) detach(conn *websocket.Conn) bool {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return false
	}
	m.conn = nil
	m.mu.Unlock()
	_ = conn.Close()
	return true
}
