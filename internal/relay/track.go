package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"

	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/metrics"
)

// DefaultKeyframeInterval is how often the relay asks the sender for a
// keyframe so the echoed stream stays decodable after loss.
const DefaultKeyframeInterval = 3 * time.Second

// Source is the inbound side of a track. *webrtc.TrackRemote implements it.
type Source interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Sink receives every packet unmodified. *webrtc.TrackLocalStaticRTP
// implements it.
type Sink interface {
	WriteRTP(p *rtp.Packet) error
}

// FrameCounter hands out per-session frame ids starting at 1.
type FrameCounter interface {
	NextFrame() uint64
}

// Emitter is notified once per completed frame.
type Emitter interface {
	Emit(sessionID string, frameID uint64)
}

type Config struct {
	SessionID string
	Counter   FrameCounter
	Emitter   Emitter
	// Sink is optional; without one packets are only counted.
	Sink Sink
	// RequestKeyframe, if set, is called at start and every
	// KeyframeInterval. A zero interval uses the default; a negative one
	// asks only once.
	RequestKeyframe  func() error
	KeyframeInterval time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// TrackRelay forwards one inbound track.
type TrackRelay struct {
	cfg Config
	src Source
	log *slog.Logger
}

func NewTrackRelay(src Source, cfg Config) *TrackRelay {
	if cfg.KeyframeInterval == 0 {
		cfg.KeyframeInterval = DefaultKeyframeInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TrackRelay{
		cfg: cfg,
		src: src,
		log: logger.With("session_id", cfg.SessionID),
	}
}

// Run relays until the source fails or ctx is done. A source that ends
// normally (io.EOF) returns nil.
//
// ReadRTP is not interruptible; cancelling ctx stops the relay after the
// next packet or when the owning peer connection closes the track.
func (r *TrackRelay) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	kfCtx, stopKeyframes := context.WithCancel(ctx)
	if r.cfg.RequestKeyframe != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.keyframeLoop(kfCtx)
		}()
	}
	defer func() {
		stopKeyframes()
		wg.Wait()
	}()

	echoFailed := false
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		r.cfg.Metrics.Inc(metrics.PacketsRelayed)

		if r.cfg.Sink != nil {
			if err := r.cfg.Sink.WriteRTP(pkt); err != nil {
				r.cfg.Metrics.Inc(metrics.EchoWriteFailed)
				if !echoFailed && !errors.Is(err, io.ErrClosedPipe) {
					echoFailed = true
					r.log.Warn("echo write failed", "err", err)
				}
			}
		}

		if pkt.Marker {
			frameID := r.cfg.Counter.NextFrame()
			r.cfg.Metrics.Inc(metrics.FramesRelayed)
			if r.cfg.Emitter != nil {
				r.cfg.Emitter.Emit(r.cfg.SessionID, frameID)
			}
		}
	}
}

func (r *TrackRelay) keyframeLoop(ctx context.Context) {
	r.requestKeyframe()
	if r.cfg.KeyframeInterval < 0 {
		return
	}
	t := time.NewTicker(r.cfg.KeyframeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.requestKeyframe()
		}
	}
}

func (r *TrackRelay) requestKeyframe() {
	if err := r.cfg.RequestKeyframe(); err != nil {
		r.cfg.Metrics.Inc(metrics.KeyframeRequestError)
		if !errors.Is(err, io.ErrClosedPipe) {
			r.log.Debug("keyframe request failed", "err", err)
		}
		return
	}
	r.cfg.Metrics.Inc(metrics.KeyframeRequests)
}
