// metrics.go exposes the scanner's prometheus instrumentation. The
// collectors register on the default registry; the control-plane server
// mounts promhttp on /metrics.
package arb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricOpportunityBuckets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arby",
		Name:      "opportunity_bucket_total",
		Help:      "Route evaluations whose raw score cleared a histogram bucket.",
	}, []string{"bucket"})

	metricOpportunities = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arby",
		Name:      "opportunities_total",
		Help:      "Sized opportunities by route type and outcome (dry_run, executed).",
	}, []string{"route_type", "outcome"})

	metricScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "arby",
		Name:      "scan_tick_seconds",
		Help:      "Wall time of one full route scan pass.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	})
)
