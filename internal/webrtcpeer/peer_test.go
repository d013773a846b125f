package webrtcpeer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtp"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/config"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/session"
)

type counter struct{ n atomic.Uint64 }

func (c *counter) NextFrame() uint64 { return c.n.Add(1) }

type recordingEmitter struct {
	mu     sync.Mutex
	frames []uint64
	ch     chan struct{}
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{ch: make(chan struct{}, 1024)}
}

func (e *recordingEmitter) Emit(_ string, frameID uint64) {
	e.mu.Lock()
	e.frames = append(e.frames, frameID)
	e.mu.Unlock()
	e.ch <- struct{}{}
}

func (e *recordingEmitter) snapshot() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint64(nil), e.frames...)
}

// newVNetPair returns two virtual networks joined by one router.
func newVNetPair(t *testing.T) (client, server *vnet.Net) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	client, err = vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new client net: %v", err)
	}
	server, err = vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new server net: %v", err)
	}
	if err := router.AddNet(client); err != nil {
		t.Fatalf("add client net: %v", err)
	}
	if err := router.AddNet(server); err != nil {
		t.Fatalf("add server net: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return client, server
}

func newClientAPI(t *testing.T, n *vnet.Net) *webrtc.API {
	t.Helper()
	se := webrtc.SettingEngine{}
	se.SetNet(n)

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("register codecs: %v", err)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(me))
}

type clientSide struct {
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticRTP
	echoed chan *webrtc.TrackRemote
}

func newClient(t *testing.T, api *webrtc.API) *clientSide {
	t.Helper()
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("client pc: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "client")
	if err != nil {
		t.Fatalf("client track: %v", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		t.Fatalf("client AddTrack: %v", err)
	}
	echoed := make(chan *webrtc.TrackRemote, 1)
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		select {
		case echoed <- tr:
		default:
		}
	})
	return &clientSide{pc: pc, track: track, echoed: echoed}
}

func (c *clientSide) offer(t *testing.T) session.Description {
	t.Helper()
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("client SetLocalDescription: %v", err)
	}
	select {
	case <-gathered:
	case <-time.After(5 * time.Second):
		t.Fatalf("client gathering timed out")
	}
	return session.Description{Type: "offer", SDP: c.pc.LocalDescription().SDP}
}

func TestPeer_RelaysFramesAndEchoesVideo(t *testing.T) {
	clientNet, serverNet := newVNetPair(t)

	api, err := NewAPI(config.Config{}, nil, WithNet(serverNet))
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	em := newRecordingEmitter()
	m := metrics.New()
	peer, err := NewPeer(ctx, api, PeerConfig{
		SessionID:           "sock-1",
		ICEGatheringTimeout: 5 * time.Second,
		KeyframeInterval:    time.Second,
		Counter:             &counter{},
		Emitter:             em,
		Metrics:             m,
	})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })

	client := newClient(t, newClientAPI(t, clientNet))
	if err := peer.SetRemoteDescription(client.offer(t)); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	answer, err := peer.CreateAnswer(ctx)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if answer.Type != "answer" {
		t.Fatalf("answer type=%q", answer.Type)
	}
	if err := client.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		t.Fatalf("client SetRemoteDescription: %v", err)
	}

	// Three frames of two packets each; the second packet of each frame
	// carries the marker bit.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		var seq uint16
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			seq++
			_ = client.track.WriteRTP(&rtp.Packet{
				Header:  rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: uint32(seq) * 3000, Marker: seq%2 == 0},
				Payload: []byte{0x10, 0x00, 0x00, 0x9d, 0x01, 0x2a},
			})
		}
	}()

	deadline := time.After(10 * time.Second)
	for len(em.snapshot()) < 3 {
		select {
		case <-em.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for frames; got %v", em.snapshot())
		}
	}
	got := em.snapshot()
	for i := 0; i < 3; i++ {
		if got[i] != uint64(i+1) {
			t.Fatalf("frame ids=%v, want 1,2,3 prefix", got)
		}
	}

	select {
	case tr := <-client.echoed:
		if tr.Codec().MimeType != webrtc.MimeTypeVP8 {
			t.Fatalf("echo codec=%q", tr.Codec().MimeType)
		}
		if _, _, err := tr.ReadRTP(); err != nil {
			t.Fatalf("read echo: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("client never received the echo track")
	}

	if m.Get(metrics.PacketsRelayed) == 0 {
		t.Fatalf("expected packets to be counted")
	}
}

func TestPeer_RejectsNonOffer(t *testing.T) {
	peer, err := NewPeer(context.Background(), nil, PeerConfig{SessionID: "x"})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })

	err = peer.SetRemoteDescription(session.Description{Type: "answer", SDP: "v=0"})
	if !errors.Is(err, session.ErrInvalidOffer) {
		t.Fatalf("err=%v, want ErrInvalidOffer", err)
	}
	err = peer.SetRemoteDescription(session.Description{Type: "offer", SDP: "garbage"})
	if !errors.Is(err, session.ErrInvalidOffer) {
		t.Fatalf("err=%v, want ErrInvalidOffer", err)
	}
}

func TestPeer_ConnectTimeoutReportsTerminal(t *testing.T) {
	reasons := make(chan TerminalReason, 2)
	peer, err := NewPeer(context.Background(), nil, PeerConfig{
		SessionID:      "slow",
		ConnectTimeout: 50 * time.Millisecond,
		OnTerminal:     func(r TerminalReason) { reasons <- r },
	})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })

	select {
	case r := <-reasons:
		if r != ReasonConnectTimeout {
			t.Fatalf("reason=%q, want %q", r, ReasonConnectTimeout)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("connect timeout never fired")
	}
}

func TestPeer_CloseDoesNotReportTerminal(t *testing.T) {
	var called atomic.Bool
	peer, err := NewPeer(context.Background(), nil, PeerConfig{
		SessionID:      "closing",
		ConnectTimeout: 20 * time.Millisecond,
		OnTerminal:     func(TerminalReason) { called.Store(true) },
	})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	if err := peer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := peer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if called.Load() {
		t.Fatalf("OnTerminal should not run for a locally closed peer")
	}
}

func TestApplyNetworkSettings_RejectsUnknownMDNSMode(t *testing.T) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, config.Config{WebRTCMDNSMode: "publish"}); err == nil {
		t.Fatalf("expected error for unknown mDNS mode")
	}
	if err := ApplyNetworkSettings(&se, config.Config{WebRTCMDNSMode: config.MDNSModeQuery}); err != nil {
		t.Fatalf("query mode: %v", err)
	}
}
