package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tilezen/quadcat/pkg/state"
)

type PrometheusMetricsWriter struct {
	requests   *prometheus.CounterVec
	stageTimes *prometheus.HistogramVec
	cacheHits  *prometheus.CounterVec
	bodySize   prometheus.Histogram
}

// NewPrometheusMetricsWriter registers its collectors on reg.
func NewPrometheusMetricsWriter(reg prometheus.Registerer, namespace string) *PrometheusMetricsWriter {
	pmw := &PrometheusMetricsWriter{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Resolution requests by layer type, response state and failed stage.",
		}, []string{"layer_type", "state", "stage"}),
		stageTimes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent per resolution stage.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"stage"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits per cache.",
		}, []string{"cache"}),
		bodySize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "blob_size_bytes",
			Help:      "Size of fetched blobs.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		}),
	}
	reg.MustRegister(pmw.requests, pmw.stageTimes, pmw.cacheHits, pmw.bodySize)
	return pmw
}

func (pmw *PrometheusMetricsWriter) WriteRequestState(reqState *state.RequestState) {
	stage := ""
	if reqState.FailedStage > state.Stage_Nil {
		stage = reqState.FailedStage.String()
	}
	pmw.requests.WithLabelValues(reqState.LayerType, reqState.ResponseState.String(), stage).Inc()

	for name, d := range map[string]float64{
		"lookup":   reqState.Duration.Lookup.Seconds(),
		"version":  reqState.Duration.Version.Seconds(),
		"metadata": reqState.Duration.Metadata.Seconds(),
		"blob":     reqState.Duration.BlobFetch.Seconds(),
		"total":    reqState.Duration.Total.Seconds(),
	} {
		pmw.stageTimes.WithLabelValues(name).Observe(d)
	}

	for name, hit := range map[string]bool{
		"locator":  reqState.Cache.LocatorHit,
		"metadata": reqState.Cache.MetadataHit,
		"blob":     reqState.Cache.BlobHit,
	} {
		if hit {
			pmw.cacheHits.WithLabelValues(name).Inc()
		}
	}

	if reqState.FetchSize.BodySize > 0 {
		pmw.bodySize.Observe(float64(reqState.FetchSize.BodySize))
	}
}

// NewRegistry returns a registry carrying the standard go and process
// collectors, and the handler serving it.
func NewRegistry() (*prometheus.Registry, http.Handler) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
