package loop

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ciloop_attempts_total",
		Help: "Completed loop attempts by outcome.",
	}, []string{"outcome"})

	triggerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ciloop_trigger_errors_total",
		Help: "Rejected workflow triggers by error kind.",
	}, []string{"kind"})

	classifiedFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ciloop_classified_failures_total",
		Help: "Failed runs by classification tag.",
	}, []string{"tag"})

	pollSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ciloop_poll_seconds",
		Help:    "Time spent polling one target in one attempt.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	loopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ciloop_loops_total",
		Help: "Finished loop invocations by result (success, exhausted, cancelled).",
	}, []string{"result"})
)
