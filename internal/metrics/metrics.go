// Package metrics holds the process-local prometheus collectors.
package metrics

import (
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

var (
	ClassifyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cropdoc",
		Subsystem: "dispatcher",
		Name:      "classify_total",
		Help:      "Classification requests by path and outcome",
	}, []string{"path", "outcome"})
	ClassifyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cropdoc",
		Subsystem: "dispatcher",
		Name:      "classify_duration_seconds",
		Help:      "Duration of classification requests in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"path"})
	ModelDownloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cropdoc",
		Subsystem: "models",
		Name:      "downloads_total",
		Help:      "Model downloads by category and outcome",
	}, []string{"category", "outcome"})
	ModelsLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cropdoc",
		Subsystem: "models",
		Name:      "loaded",
		Help:      "Number of categories with a loaded inference session",
	})
	InferenceDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cropdoc",
		Subsystem: "inference",
		Name:      "duration_seconds",
		Help:      "Local inference duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"category"})
	ConnectivityTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cropdoc",
		Subsystem: "connectivity",
		Name:      "transitions_total",
		Help:      "Online/offline flips",
	}, []string{"to"})
	ProbeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cropdoc",
		Subsystem: "connectivity",
		Name:      "probe_latency_seconds",
		Help:      "Health probe round-trip latency in seconds",
		Buckets:   []float64{0.05, 0.1, 0.2, 0.35, 0.5, 1, 2, 5},
	})
	AdviceRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cropdoc",
		Subsystem: "advice",
		Name:      "refresh_total",
		Help:      "Advice snapshot refreshes by outcome",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(ClassifyTotal)
	prometheus.MustRegister(ClassifyDuration)
	prometheus.MustRegister(ModelDownloads)
	prometheus.MustRegister(ModelsLoaded)
	prometheus.MustRegister(InferenceDuration)
	prometheus.MustRegister(ConnectivityTransitions)
	prometheus.MustRegister(ProbeLatency)
	prometheus.MustRegister(AdviceRefreshTotal)
}

// WriteText dumps every cropdoc_* family in the text exposition format.
func WriteText(w io.Writer) error {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "cropdoc_") {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
