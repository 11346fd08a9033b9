package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "vetta_pipeline_stage_duration_sec",
	Help: "Duration of single-image pipeline stages, by stage and outcome",
}, []string{"stage", "outcome"})
