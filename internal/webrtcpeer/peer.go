package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/relay"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/session"
)

const DefaultICEGatheringTimeout = 2 * time.Second

// TerminalReason says why the engine ended a connection on its own.
type TerminalReason string

const (
	ReasonFailed         TerminalReason = "failed"
	ReasonClosed         TerminalReason = "closed"
	ReasonConnectTimeout TerminalReason = "connect_timeout"
)

type PeerConfig struct {
	SessionID  string
	ICEServers []webrtc.ICEServer

	// ICEGatheringTimeout bounds how long CreateAnswer waits for candidate
	// gathering before returning the answer with what it has.
	ICEGatheringTimeout time.Duration
	// ConnectTimeout ends the connection if it has not reached connected
	// this long after creation. 0 disables.
	ConnectTimeout time.Duration
	// KeyframeInterval is passed to each track relay. 0 disables keyframe
	// requests.
	KeyframeInterval time.Duration

	Counter relay.FrameCounter
	Emitter relay.Emitter

	// OnTerminal is called at most once, from its own goroutine, when the
	// engine fails, closes, or times out the connection. It is not called
	// for connections closed through Close.
	OnTerminal func(TerminalReason)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Peer is a server-side PeerConnection for one session. It implements
// session.Conn.
type Peer struct {
	cfg PeerConfig
	ctx context.Context
	pc  *webrtc.PeerConnection
	log *slog.Logger

	mu   sync.Mutex
	echo *webrtc.TrackLocalStaticRTP

	connected    atomic.Bool
	closing      atomic.Bool
	terminalOnce sync.Once
	connectTimer *time.Timer

	relays sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

var _ session.Conn = (*Peer)(nil)

// NewPeer creates the PeerConnection. Relays started for inbound tracks run
// until ctx is cancelled or the track ends.
func NewPeer(ctx context.Context, api *webrtc.API, cfg PeerConfig) (*Peer, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if cfg.ICEGatheringTimeout <= 0 {
		cfg.ICEGatheringTimeout = DefaultICEGatheringTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p := &Peer{
		cfg: cfg,
		ctx: ctx,
		pc:  pc,
		log: logger.With("session_id", cfg.SessionID),
	}

	pc.OnTrack(p.handleTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			p.connected.Store(true)
			p.stopConnectTimer()
		case webrtc.PeerConnectionStateFailed:
			p.terminate(ReasonFailed)
		case webrtc.PeerConnectionStateClosed:
			p.terminate(ReasonClosed)
		}
	})

	if cfg.ConnectTimeout > 0 {
		p.mu.Lock()
		p.connectTimer = time.AfterFunc(cfg.ConnectTimeout, func() {
			if !p.connected.Load() {
				p.terminate(ReasonConnectTimeout)
			}
		})
		p.mu.Unlock()
	}

	return p, nil
}

// SetRemoteDescription applies the client's offer and, when it carries video,
// attaches the echo track so the answer includes a send direction for it.
// Errors from pion here mean the offer itself was unusable and wrap
// session.ErrInvalidOffer.
func (p *Peer) SetRemoteDescription(desc session.Description) error {
	if desc.Type != webrtc.SDPTypeOffer.String() {
		return fmt.Errorf("%w: type %q", session.ErrInvalidOffer, desc.Type)
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  desc.SDP,
	}); err != nil {
		return fmt.Errorf("%w: %v", session.ErrInvalidOffer, err)
	}

	codec, err := EchoCodec(desc.SDP)
	if err != nil {
		p.log.Info("not echoing video", "reason", err)
		return nil
	}
	echo, err := webrtc.NewTrackLocalStaticRTP(codec, "video", "gaze-echo-"+p.cfg.SessionID)
	if err != nil {
		return fmt.Errorf("new echo track: %w", err)
	}
	sender, err := p.pc.AddTrack(echo)
	if err != nil {
		return fmt.Errorf("add echo track: %w", err)
	}
	go drainRTCP(sender)

	p.mu.Lock()
	p.echo = echo
	p.mu.Unlock()
	return nil
}

func (p *Peer) AddICECandidate(c session.Candidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Raw,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

// CreateAnswer creates and applies the local answer, then waits for ICE
// gathering so the returned SDP carries the server's candidates. If gathering
// outlasts the configured timeout the answer is returned with whatever has
// been gathered so far.
func (p *Peer) CreateAnswer(ctx context.Context) (session.Description, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return session.Description{}, fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return session.Description{}, fmt.Errorf("set local description: %w", err)
	}

	t := time.NewTimer(p.cfg.ICEGatheringTimeout)
	defer t.Stop()
	select {
	case <-gathered:
	case <-t.C:
		p.log.Warn("ice gathering timed out; answering with partial candidates", "timeout", p.cfg.ICEGatheringTimeout)
	case <-ctx.Done():
		return session.Description{}, ctx.Err()
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return session.Description{}, errors.New("local description missing after SetLocalDescription")
	}
	return session.Description{Type: local.Type.String(), SDP: local.SDP}, nil
}

// Close stops every sender's track and closes the PeerConnection.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closing.Store(true)
		p.mu.Unlock()
		p.stopConnectTimer()
		for _, sender := range p.pc.GetSenders() {
			if err := sender.Stop(); err != nil {
				p.log.Debug("stopping sender failed", "err", err)
			}
		}
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}

// Wait blocks until every relay started by this peer has returned. Relays
// stop once Close has closed their tracks.
func (p *Peer) Wait() {
	p.relays.Wait()
}

func (p *Peer) stopConnectTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectTimer != nil {
		p.connectTimer.Stop()
		p.connectTimer = nil
	}
}

func (p *Peer) terminate(reason TerminalReason) {
	if p.closing.Load() {
		return
	}
	p.terminalOnce.Do(func() {
		p.log.Info("peer connection ended by engine", "reason", string(reason))
		if p.cfg.OnTerminal != nil {
			// Never block pion's callback goroutine on session teardown.
			go p.cfg.OnTerminal(reason)
		}
	})
}

func (p *Peer) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeVideo {
		p.log.Debug("ignoring non-video track", "kind", track.Kind().String())
		return
	}
	p.log.Info("relaying video track", "codec", track.Codec().MimeType, "ssrc", uint32(track.SSRC()))

	p.mu.Lock()
	echo := p.echo
	p.mu.Unlock()

	rcfg := relay.Config{
		SessionID:        p.cfg.SessionID,
		Counter:          p.cfg.Counter,
		Emitter:          p.cfg.Emitter,
		KeyframeInterval: p.cfg.KeyframeInterval,
		Metrics:          p.cfg.Metrics,
		Logger:           p.cfg.Logger,
	}
	if echo != nil {
		rcfg.Sink = echo
	}
	if p.cfg.KeyframeInterval > 0 {
		ssrc := uint32(track.SSRC())
		rcfg.RequestKeyframe = func() error {
			return p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
		}
	}

	r := relay.NewTrackRelay(track, rcfg)
	// Relays are only added before Close so Wait never races an Add.
	p.mu.Lock()
	if p.closing.Load() {
		p.mu.Unlock()
		return
	}
	p.relays.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.relays.Done()
		if err := r.Run(p.ctx); err != nil {
			p.log.Info("track relay stopped", "err", err)
		}
	}()
}

// drainRTCP reads the sender's inbound RTCP so interceptors (NACK responder,
// receiver reports) keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
