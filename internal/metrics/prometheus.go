package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

const namespace = "aero_mesh_signal"

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// PrometheusHandler serves each known counter as its own Prometheus counter
// family. Ad-hoc counters share one family labelled by event name.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		var known, other []string
		for k := range snap {
			if _, ok := help[k]; ok {
				known = append(known, k)
			} else {
				other = append(other, k)
			}
		}
		sort.Strings(known)
		sort.Strings(other)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		for _, k := range known {
			name := fmt.Sprintf("%s_%s_total", namespace, k)
			writeFamily(w, name, help[k])
			_, _ = fmt.Fprintf(w, "%s %d\n", name, snap[k])
		}
		if len(other) > 0 {
			name := namespace + "_events_total"
			writeFamily(w, name, "Other signaling server events.")
			for _, k := range other {
				_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", name, labelEscaper.Replace(k), snap[k])
			}
		}
	})
}

func writeFamily(w io.Writer, name, text string) {
	_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, text)
	_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", name)
}
