package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DownloadsTotal tracks terminal download outcomes by state
	DownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tubequeue_downloads_total",
			Help: "Total number of downloads by terminal state",
		},
		[]string{"state"},
	)

	// FetchDuration tracks fetch duration in seconds by quality
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tubequeue_fetch_duration_seconds",
			Help:    "Fetch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
		},
		[]string{"quality"},
	)

	// QueueSize tracks current queue size (non-terminal items)
	QueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tubequeue_queue_size",
			Help: "Current number of non-terminal queue items",
		},
	)

	// ActiveDownloads tracks number of downloads currently in flight
	ActiveDownloads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tubequeue_active_downloads",
			Help: "Number of downloads currently in flight",
		},
	)

	// RetriesTotal tracks retry re-admissions
	RetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tubequeue_retries_total",
			Help: "Total number of retry re-admissions",
		},
	)

	// ErrorsTotal tracks errors by type
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tubequeue_errors_total",
			Help: "Total number of errors",
		},
		[]string{"type"},
	)
)

// RecordFetchStart records the start of a fetch
func RecordFetchStart() {
	ActiveDownloads.Inc()
}

// RecordFetchEnd records a finished fetch attempt
func RecordFetchEnd(quality string, duration time.Duration) {
	FetchDuration.WithLabelValues(quality).Observe(duration.Seconds())
	ActiveDownloads.Dec()
}

// RecordTerminal records a download reaching a terminal state
func RecordTerminal(state string) {
	DownloadsTotal.WithLabelValues(state).Inc()
}

// RecordRetry records a retry re-admission
func RecordRetry() {
	RetriesTotal.Inc()
}

// RecordError records an error by taxonomy type
func RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

// UpdateQueueSize updates the queue size gauge
func UpdateQueueSize(size int) {
	QueueSize.Set(float64(size))
}
