package media

import (
	"sort"
	"strings"
)

const (
	// MaxFrames is the hard ceiling on frames extracted per request
	MaxFrames = 60

	// VideoStep samples every 20th frame of a video
	VideoStep = 20

	// GIFStep samples every 5th frame of a GIF or unknown media
	GIFStep = 5

	// MaxTags caps the tag list of a verdict
	MaxTags = 200
)

// StepFor returns the sampling step for a MIME type
func StepFor(mimeType string) int {
	mt := strings.ToLower(mimeType)
	if strings.Contains(mt, "video") && !strings.Contains(mt, "gif") {
		return VideoStep
	}
	return GIFStep
}

// SampleIndices returns the first, the last and every step-th frame index,
// ascending and unique. total=12, step=5 gives [0 5 10 11].
func SampleIndices(total, step int) []int {
	if total <= 0 {
		return []int{}
	}
	if step <= 0 {
		step = 1
	}

	seen := map[int]struct{}{0: {}, total - 1: {}}
	for i := 0; i < total; i += step {
		seen[i] = struct{}{}
	}

	indices := make([]int, 0, len(seen))
	for i := range seen {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices
}
