// Copyright 2025 Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_queries_total",
			Help: "Total number of queries processed, by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)
	promQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quorum_query_duration_milliseconds",
			Help:    "End-to-end query duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
		[]string{"mode"},
	)
	promModelCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_model_calls_total",
			Help: "Total number of model inference calls, by model and outcome",
		},
		[]string{"model", "outcome"},
	)
	promRetrievalCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_retrieval_calls_total",
			Help: "Total number of retrieval calls, by outcome",
		},
		[]string{"outcome"},
	)
	promSynthesisPath = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_synthesis_path_total",
			Help: "How council answers were produced, by synthesis path",
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(promQueriesTotal)
	prometheus.MustRegister(promQueryDuration)
	prometheus.MustRegister(promModelCalls)
	prometheus.MustRegister(promRetrievalCalls)
	prometheus.MustRegister(promSynthesisPath)
}
