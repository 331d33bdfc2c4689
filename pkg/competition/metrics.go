package competition

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("podium.competition")

var (
	reads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podium_competition_reads_total",
		Help: "Leaderboard reads by the tier that served them",
	}, []string{"path"})
	joins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podium_competition_joins_total",
		Help: "Join attempts by result",
	}, []string{"result"})
)
