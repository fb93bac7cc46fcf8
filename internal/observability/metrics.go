package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	regionsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_regions_processed_total",
			Help: "Regions that completed a pipeline stage.",
		},
		[]string{"stage", "outcome"},
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Duration of pipeline stages per region in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27m
		},
		[]string{"stage"},
	)

	downloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_download_bytes_total",
			Help: "Bytes streamed from the download provider.",
		},
	)

	wfsPagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_wfs_pages_total",
			Help: "Feature service pages fetched.",
		},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream"},
	)

	rasterTilesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_raster_tiles_total",
			Help: "Raster tiles written.",
		},
	)
)

func ObserveStage(stage, outcome string, seconds float64) {
	regionsProcessedTotal.WithLabelValues(stage, outcome).Inc()
	stageDurationSeconds.WithLabelValues(stage).Observe(seconds)
}

func AddDownloadBytes(n int64) {
	if n > 0 {
		downloadBytesTotal.Add(float64(n))
	}
}

func IncWFSPage() { wfsPagesTotal.Inc() }

func ObserveUpstreamLatency(upstream string, seconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(seconds)
}

func IncRasterTile() { rasterTilesTotal.Inc() }
