package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/metrics"
)

const (
	DefaultQueueSize = 256
	DefaultWorkers   = 4
)

// Sender delivers one event downstream. *uplink.Manager implements it.
type Sender interface {
	Send(ctx context.Context, ev Event) error
}

// notConnectedError is implemented by errors a Sender returns when it drops
// an event for lack of a downstream connection. Such drops are counted but
// not logged.
type notConnectedError interface {
	NotConnected() bool
}

type Config struct {
	// QueueSize bounds how many events may wait for a worker.
	QueueSize int
	// Workers is the number of goroutines calling Sender.Send.
	Workers int
}

func (c Config) WithDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	return c
}

// Emitter turns frame notifications into telemetry events and delivers them
// through a Sender from a fixed worker pool.
type Emitter struct {
	override *OverrideState
	sender   Sender
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time

	queue *eventQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewEmitter starts cfg.Workers workers. Close stops them.
func NewEmitter(cfg Config, override *OverrideState, sender Sender, m *metrics.Metrics, logger *slog.Logger) *Emitter {
	cfg = cfg.WithDefaults()
	if override == nil {
		override = NewOverrideState()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		override: override,
		sender:   sender,
		metrics:  m,
		log:      logger,
		now:      time.Now,
		queue:    newEventQueue(cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Emit records that frameID of sessionID completed. The event snapshots the
// current override state. Emit never blocks on delivery.
func (e *Emitter) Emit(sessionID string, frameID uint64) {
	o := e.override.Get()
	ev := Event{
		SocketID:  sessionID,
		FrameID:   frameID,
		Timestamp: e.now().UnixMilli(),
		Gaze:      Gaze{X: o.X, Y: o.Y},
		Blink:     o.Blinking,
	}
	accepted, evicted := e.queue.Enqueue(ev)
	if evicted {
		e.metrics.Inc(metrics.TelemetryDropped)
	}
	if accepted {
		e.metrics.Inc(metrics.TelemetryQueued)
	}
}

// Pending reports how many events are waiting for a worker.
func (e *Emitter) Pending() int {
	return e.queue.Len()
}

func (e *Emitter) worker() {
	defer e.wg.Done()
	for {
		ev, ok := e.queue.Dequeue()
		if !ok {
			return
		}
		e.deliver(ev)
	}
}

func (e *Emitter) deliver(ev Event) {
	if e.sender == nil {
		return
	}
	err := e.sender.Send(e.ctx, ev)
	if err == nil {
		e.metrics.Inc(metrics.TelemetrySent)
		return
	}
	var nc notConnectedError
	if errors.As(err, &nc) && nc.NotConnected() {
		e.metrics.Inc(metrics.TelemetryNotConnected)
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	e.metrics.Inc(metrics.TelemetrySendFailed)
	e.log.Debug("telemetry send failed", "session_id", ev.SocketID, "frame_id", ev.FrameID, "err", err)
}

// Close stops accepting events, delivers what is already queued unless ctx
// expires first, and waits for the workers to exit.
func (e *Emitter) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		e.queue.Close()
		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			// Unblock workers stuck in Send.
			e.cancel()
			<-done
			err = ctx.Err()
		}
		e.cancel()
	})
	return err
}
