package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusHandler returns an HTTP handler for the default registry
func PrometheusHandler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns an HTTP handler serving a specific registry
func HandlerFor(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
