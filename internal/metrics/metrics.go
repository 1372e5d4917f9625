// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storageChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hoadesk_storage_checks_total",
		Help: "Documents bucket readiness checks by trigger (check|retry) and result (ready or error kind)",
	}, []string{"trigger", "result"})

	storageReady = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hoadesk_storage_ready",
		Help: "1 when the most recent readiness check of any session succeeded, 0 otherwise",
	})

	storageRetriesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hoadesk_storage_retries_skipped_total",
		Help: "Manual retries ignored because a check was already in flight",
	})

	readinessSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hoadesk_storage_readiness_sessions",
		Help: "Sessions currently holding a readiness status",
	})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hoadesk_http_requests_total",
		Help: "HTTP requests by method and status class",
	}, []string{"method", "class"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hoadesk_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	documentBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hoadesk_document_bytes_total",
		Help: "Document bytes transferred by direction (upload|download)",
	}, []string{"direction"})
)

// RecordStorageCheck counts a finished readiness check. result is "ready" or an error kind.
func RecordStorageCheck(trigger, result string) {
	storageChecks.WithLabelValues(trigger, result).Inc()
	if result == "ready" {
		storageReady.Set(1)
	} else {
		storageReady.Set(0)
	}
}

func RecordRetrySkipped() { storageRetriesSkipped.Inc() }

func SetReadinessSessions(n int) { readinessSessions.Set(float64(n)) }

func RecordHTTPRequest(method string, status int, d time.Duration) {
	httpRequests.WithLabelValues(method, statusClass(status)).Inc()
	httpDuration.WithLabelValues(method).Observe(d.Seconds())
}

func RecordDocumentBytes(direction string, n int64) {
	if n > 0 {
		documentBytes.WithLabelValues(direction).Add(float64(n))
	}
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}
