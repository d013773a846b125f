package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

const eventsMetric = "aero_gaze_gateway_events_total"

// Gauge is a point-in-time value exposed next to the event counters.
type Gauge struct {
	Name  string
	Help  string
	Value float64
}

// GaugeSource is polled on every scrape.
type GaugeSource func() []Gauge

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// All internal counters are exported as a single metric with an `event`
// label. Gauges from sources follow, one metric family each.
func PrometheusHandler(m *Metrics, sources ...GaugeSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP %s Internal event counters.\n", eventsMetric)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", eventsMetric)
		escape := strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", eventsMetric, escape.Replace(k), snap[k])
		}

		for _, src := range sources {
			if src == nil {
				continue
			}
			for _, g := range src() {
				if g.Help != "" {
					_, _ = fmt.Fprintf(w, "# HELP %s %s\n", g.Name, g.Help)
				}
				_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", g.Name)
				_, _ = fmt.Fprintf(w, "%s %s\n", g.Name, strconv.FormatFloat(g.Value, 'g', -1, 64))
			}
		}
	})
}
