package main

import (
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/session"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/telemetry"
)

type uplinkStatus interface {
	Connected() bool
}

// gatewayGauges reports live state on /metrics alongside the event counters.
func gatewayGauges(reg *session.Registry, emitter *telemetry.Emitter, up uplinkStatus) metrics.GaugeSource {
	return func() []metrics.Gauge {
		connected := 0.0
		if up.Connected() {
			connected = 1
		}
		return []metrics.Gauge{
			{Name: "aero_gaze_gateway_sessions", Help: "Registered media sessions.", Value: float64(reg.Len())},
			{Name: "aero_gaze_gateway_telemetry_pending", Help: "Telemetry events waiting for a worker.", Value: float64(emitter.Pending())},
			{Name: "aero_gaze_gateway_uplink_connected", Help: "1 while the aggregator link is up.", Value: connected},
		}
	}
}
