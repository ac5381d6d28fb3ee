// SPDX-License-Identifier: MIT

package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Progress counters for long-running scrapes, served when the operator
// passes --metrics-addr. Registration is process-wide, like the logger.
var (
	metricAPIRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wikimirror_api_requests_total",
		Help: "HTTP round-trips issued against the wiki API.",
	})
	metricAPIRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wikimirror_api_retries_total",
		Help: "Transient API failures that triggered a backoff.",
	})
	metricPagesScraped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wikimirror_pages_scraped_total",
		Help: "Pages whose revisions were fetched and stored.",
	})
	metricRevisionsScraped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wikimirror_revisions_stored_total",
		Help: "Revisions newly written to the store.",
	})
	metricFilesDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wikimirror_files_downloaded_total",
		Help: "Media files downloaded and digest-verified.",
	})
)

// serveMetrics exposes /metrics on addr for the lifetime of the
// process. Scrapes run for hours; failures here are not worth
// stopping one for.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn().Err(err).Str("addr", addr).Msg("metrics listener stopped")
		}
	}()
	logger.Info().Str("addr", addr).Msg("serving metrics")
}
