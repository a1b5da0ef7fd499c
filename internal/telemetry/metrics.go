package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "render_jobs_submitted_total", Help: "Render jobs accepted, by lane"}, []string{"lane"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_rate_limit_rejects_total", Help: "Submissions rejected by the per-owner rate limiter"})
	JobsStarted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_jobs_started_total", Help: "Render jobs picked up by a worker"})
	JobsFinished      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "render_jobs_finished_total", Help: "Render jobs reaching a terminal status"}, []string{"status"})
	JobsDegraded      = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_jobs_degraded_total", Help: "Jobs completed with at least one failed frame"})
	FramesRendered    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "render_frames_total", Help: "Frame dispatch outcomes"}, []string{"engine", "status"})
	FrameDuration     = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "render_frame_duration_seconds", Help: "Wall time of a single frame render", Buckets: prometheus.ExponentialBuckets(1, 2, 14)}, []string{"engine"})
	FrameRetries      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "render_frame_retries_total", Help: "Single-frame retry outcomes"}, []string{"status"})
	LaneDepthGauge    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "render_lane_depth", Help: "Ready tasks per lane"}, []string{"lane"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "render_tasks_inflight", Help: "Tasks currently leased by this worker"})
	LeasesReclaimed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_leases_reclaimed_total", Help: "Expired leases put back on their lane"})
	Revocations       = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_revocations_total", Help: "Running executions cancelled through revocation"})
	ThumbnailOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "render_thumbnails_total", Help: "Thumbnail sidecar outcomes"}, []string{"result"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			RateLimitRejects,
			JobsStarted,
			JobsFinished,
			JobsDegraded,
			FramesRendered,
			FrameDuration,
			FrameRetries,
			LaneDepthGauge,
			InFlightGauge,
			LeasesReclaimed,
			Revocations,
			ThumbnailOutcomes,
		)
	})
	return promhttp.Handler()
}
