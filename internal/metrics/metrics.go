package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector tracks pipeline run outcomes for the /metrics endpoint. It
// implements the pipeline's RunObserver.
type Collector struct {
	runsTotal    *prometheus.CounterVec
	runDuration  prometheus.Histogram
	rowsWritten  prometheus.Counter
	runsInFlight prometheus.Gauge
}

// NewCollector registers the engine's metrics on the given registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkd_analysis_runs_total",
			Help: "Completed analysis runs by outcome.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pkd_analysis_run_duration_seconds",
			Help:    "Wall-clock duration of analysis runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		rowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pkd_analysis_results_written_total",
			Help: "Analysis result rows upserted across all runs.",
		}),
		runsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pkd_analysis_runs_in_flight",
			Help: "1 while an analysis run is executing.",
		}),
	}
	reg.MustRegister(c.runsTotal, c.runDuration, c.rowsWritten, c.runsInFlight)
	return c
}

// RunStarted marks a run as in flight.
func (c *Collector) RunStarted() {
	c.runsInFlight.Set(1)
}

// RunFinished records one run outcome.
func (c *Collector) RunFinished(status string, duration time.Duration, rowsWritten int) {
	c.runsInFlight.Set(0)
	c.runsTotal.WithLabelValues(status).Inc()
	c.runDuration.Observe(duration.Seconds())
	c.rowsWritten.Add(float64(rowsWritten))
}
