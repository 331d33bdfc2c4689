package activity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("podium.activity")

var (
	queryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "podium_activity_query_duration_seconds",
		Help:    "Duration of participant queries, cached or not",
		Buckets: []float64{.005, .025, .1, .25, .5, 1, 2, 5, 10},
	})
	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podium_activity_records_total",
		Help: "Workout records parsed, by whether every required field was valid",
	}, []string{"valid"})
)
