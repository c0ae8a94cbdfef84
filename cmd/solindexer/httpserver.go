package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/solidx/indexer-sdk/internal/httpmw"
)

// newMetricsRouter builds the /metrics and /healthz surface the operator
// scrapes and probes; it never touches the indexing pipeline itself.
func newMetricsRouter(reg *prometheus.Registry) *mux.Router {
	r := mux.NewRouter()
	r.Use(httpmw.Logger)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// serveMetrics starts the metrics HTTP server in the background. A listen
// failure is logged, not fatal: the indexer keeps running without scrapable
// metrics rather than refusing to start.
func serveMetrics(addr string, reg *prometheus.Registry) {
	if addr == "" {
		return
	}
	go func() {
		logrus.WithField("addr", addr).Info("indexer: metrics server listening")
		if err := http.ListenAndServe(addr, newMetricsRouter(reg)); err != nil {
			logrus.WithError(err).Warn("indexer: metrics server stopped")
		}
	}()
}
