package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// GaugeFunc reports a point-in-time value at scrape time.
type GaugeFunc func() int

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// All counters share one metric name with an `event` label. connectedPeers,
// when non-nil, is exported as a separate gauge.
func PrometheusHandler(m *Metrics, connectedPeers GaugeFunc) http.Handler {
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
		_, _ = fmt.Fprintln(w, "# HELP aero_mesh_signaling_events_total Signaling event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE aero_mesh_signaling_events_total counter")
		escape := strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "aero_mesh_signaling_events_total{event=\"%s\"} %d\n", escape.Replace(k), snap[k])
		}

		if connectedPeers != nil {
			_, _ = fmt.Fprintln(w, "# HELP aero_mesh_signaling_connected_peers Currently registered peers.")
			_, _ = fmt.Fprintln(w, "# TYPE aero_mesh_signaling_connected_peers gauge")
			_, _ = fmt.Fprintf(w, "aero_mesh_signaling_connected_peers %d\n", connectedPeers())
		}
	})
}
