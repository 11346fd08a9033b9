package module

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var reloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vetta_module_reloads_total",
	Help: "Number of module registry reload cycles, by outcome",
}, []string{"outcome"})

var moduleFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vetta_module_load_failures_total",
	Help: "Number of module load or refresh failures, by module",
}, []string{"module"})

var activeModules = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "vetta_modules_active",
	Help: "Number of modules in the installed snapshot",
})
