package media

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vetta_batch_scans_total",
	Help: "Number of batch media scans, by outcome",
}, []string{"outcome"})

var scanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "vetta_batch_scan_duration_sec",
	Help: "Duration of batch media scans including extraction",
})

var framesSampled = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "vetta_batch_frames_sampled",
	Help:    "Number of frames scored per batch scan",
	Buckets: []float64{1, 2, 4, 8, 12, 16, 24, 32, 60},
})

var frameCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vetta_batch_frame_cache_hits_total",
	Help: "Frames whose provider results were served from the cache",
})
