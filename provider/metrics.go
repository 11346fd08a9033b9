package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var providerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "vetta_provider_duration_sec",
	Help: "Duration of analysis provider calls",
}, []string{"provider"})

var providerCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vetta_provider_count",
	Help: "Number of analysis provider calls, by provider and outcome",
}, []string{"provider", "outcome"})
