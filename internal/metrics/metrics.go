// Package metrics exposes Prometheus counters for the node.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "picnode_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "picnode_upload_bytes_total",
			Help: "Total bytes committed by the upload pipeline",
		},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "picnode_uploads_total",
			Help: "Total uploads by mode and outcome",
		},
		[]string{"mode", "status"},
	)

	thumbnailsGenerated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "picnode_thumbnails_generated_total",
			Help: "Total thumbnails generated on cache misses",
		},
	)

	whitelistRejects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "picnode_whitelist_rejects_total",
			Help: "Connections dropped by the network whitelist",
		},
	)
)

func RecordRequest(method string, status int) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func RecordUpload(mode string, ok bool, bytes int64) {
	status := "ok"
	if !ok {
		status = "error"
	}
	uploadsTotal.WithLabelValues(mode, status).Inc()
	if ok && bytes > 0 {
		uploadBytesTotal.Add(float64(bytes))
	}
}

func RecordThumbnailGenerated() { thumbnailsGenerated.Inc() }

func RecordWhitelistReject() { whitelistRejects.Inc() }

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler { return promhttp.Handler() }
