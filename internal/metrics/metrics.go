package metrics

import "sync"

// Counter names. They surface as the `event` label of the Prometheus counter.
const (
	SessionsCreated          = "sessions_created"
	SessionsReplaced         = "sessions_replaced"
	SessionsClosed           = "sessions_closed"
	SessionsConnectTimeout   = "sessions_connect_timeout"
	SessionsEngineTerminated = "sessions_engine_terminated"
	OffersRejected           = "offers_rejected"
	AnswerFailed             = "answer_failed"

	CandidatesBuffered           = "candidates_buffered"
	CandidatesAdmitted           = "candidates_admitted"
	CandidateAdmitFailed         = "candidate_admit_failed"
	CandidatesRejectedBufferFull = "candidates_rejected_buffer_full"
	CandidatesExpired            = "candidates_expired"
	CandidatesDiscarded          = "candidates_discarded"
	CandidatesInvalid            = "candidates_invalid"

	FramesRelayed        = "frames_relayed"
	PacketsRelayed       = "packets_relayed"
	EchoWriteFailed      = "echo_write_failed"
	KeyframeRequests     = "keyframe_requests"
	KeyframeRequestError = "keyframe_request_failed"

	TelemetryQueued       = "telemetry_queued"
	TelemetryDropped      = "telemetry_dropped_queue_full"
	TelemetrySent         = "telemetry_sent"
	TelemetrySendFailed   = "telemetry_send_failed"
	TelemetryNotConnected = "telemetry_dropped_uplink_disconnected"

	UplinkConnects      = "uplink_connects"
	UplinkDialFailed    = "uplink_dial_failed"
	UplinkDisconnects   = "uplink_disconnects"
	UplinkWriteFailed   = "uplink_write_failed"
	UplinkEncodeFailed  = "uplink_encode_failed"
	SignalingAuthFailed = "signaling_auth_failed"
	SignalingRateLimit  = "signaling_rate_limited"
	RateLimiterEvicted  = "rate_limiter_evicted"
	OverrideUpdated     = "override_updated"
)

// Metrics is a concurrency-safe counter registry. A nil *Metrics discards
// every update so components can be constructed without one in tests.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil || delta == 0 {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
