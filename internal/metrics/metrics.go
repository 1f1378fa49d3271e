// Package metrics provides Prometheus metrics for the download engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	chunksCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lanshare_chunks_completed_total",
			Help: "Total number of chunks downloaded and verified",
		},
	)

	chunksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanshare_chunks_failed_total",
			Help: "Total number of failed chunk transfers",
		},
		[]string{"reason"},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lanshare_bytes_downloaded_total",
			Help: "Total bytes received from peers",
		},
	)

	inFlightChunks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lanshare_in_flight_chunks",
			Help: "Chunk transfers currently running",
		},
	)

	queueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lanshare_queue_length",
			Help: "Number of entries in the download queue",
		},
	)

	downloadRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lanshare_download_rate_bytes_per_second",
			Help: "Aggregate download rate",
		},
	)

	hashRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lanshare_hash_requests_total",
			Help: "Total number of hash retrieval requests issued",
		},
	)
)

// ChunkCompleted records a verified chunk of n bytes.
func ChunkCompleted(n int64) {
	chunksCompleted.Inc()
	bytesDownloaded.Add(float64(n))
}

// ChunkFailed records a failed transfer with its reason.
func ChunkFailed(reason string) {
	chunksFailed.WithLabelValues(reason).Inc()
}

// SetInFlightChunks updates the in-flight gauge.
func SetInFlightChunks(n int) {
	inFlightChunks.Set(float64(n))
}

// SetQueueLength updates the queue length gauge.
func SetQueueLength(n int) {
	queueLength.Set(float64(n))
}

// SetDownloadRate updates the aggregate rate gauge.
func SetDownloadRate(bytesPerSecond int64) {
	downloadRate.Set(float64(bytesPerSecond))
}

// HashRequestIssued records one hash retrieval request.
func HashRequestIssued() {
	hashRequests.Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
