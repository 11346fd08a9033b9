// Package provider defines the analysis capabilities vetta consumes: risk
// scoring, primary tagging and secondary tagging.
//
// Providers are opaque. The core only sees RiskScorer and TagClassifier and
// the tagged Result they return; HTTPClient adapts a provider served by an
// inference sidecar.
package provider

import (
	"context"
	"fmt"

	"github.com/teranos/vetta/errors"
)

// RiskScores maps content categories (hentai, porn, sexy, neutral, drawings) to probabilities
type RiskScores map[string]float64

// Tag is one classifier label
type Tag struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// RiskScorer scores an image for explicit content
type RiskScorer interface {
	Score(ctx context.Context, image []byte) Result[RiskScores]
}

// TagClassifier assigns labels to an image
type TagClassifier interface {
	Classify(ctx context.Context, image []byte) Result[[]Tag]
}

// Set groups the three providers the fixed analysis stages use
type Set struct {
	Risk      RiskScorer
	Tagging   TagClassifier
	Secondary TagClassifier
}

// Labels returns the labels of tags in order, skipping empty ones
func Labels(tags []Tag) []string {
	labels := make([]string, 0, len(tags))
	for _, t := range tags {
		if t.Label != "" {
			labels = append(labels, t.Label)
		}
	}
	return labels
}

// Guard runs call and converts a panic into an Err result
func Guard[T any](name string, call func() Result[T]) (res Result[T]) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.Recovered(r)
			res = Err[T](fmt.Sprintf("%s: %v", name, err))
		}
	}()
	return call()
}

// ScoreSafe calls s and contains panics and nil providers
func ScoreSafe(ctx context.Context, s RiskScorer, image []byte) Result[RiskScores] {
	if s == nil {
		return Err[RiskScores]("risk provider not configured")
	}
	return Guard("risk", func() Result[RiskScores] { return s.Score(ctx, image) })
}

// ClassifySafe calls c and contains panics and nil providers
func ClassifySafe(ctx context.Context, name string, c TagClassifier, image []byte) Result[[]Tag] {
	if c == nil {
		return Err[[]Tag](name + " provider not configured")
	}
	return Guard(name, func() Result[[]Tag] { return c.Classify(ctx, image) })
}

// Unavailable is a provider that always fails; used when no endpoint is configured
type Unavailable struct {
	Name string
}

func (u Unavailable) Score(ctx context.Context, image []byte) Result[RiskScores] {
	return Err[RiskScores](u.Name + " provider not configured")
}

func (u Unavailable) Classify(ctx context.Context, image []byte) Result[[]Tag] {
	return Err[[]Tag](u.Name + " provider not configured")
}
