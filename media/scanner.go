// Package media scores GIFs and short videos.
//
// A scan persists the upload to a temporary blob, extracts at most MaxFrames
// frames with ffmpeg, samples them (first, last and every step-th frame),
// scores the sample concurrently against the three providers and folds the
// per-frame results into a single Verdict. The blob and frame directory are
// removed on every exit path.
package media

import (
	"context"
	"crypto/sha256"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/teranos/vetta/errors"
	"github.com/teranos/vetta/logger"
	"github.com/teranos/vetta/provider"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Verdict is the aggregated result of a batch scan
type Verdict struct {
	Risk       float64  `json:"risk"`
	Tags       []string `json:"tags"`
	FrameCount int      `json:"frameCount"`
}

// EmptyVerdict is returned when no frames could be extracted
func EmptyVerdict() Verdict {
	return Verdict{Risk: 0, Tags: []string{}, FrameCount: 0}
}

// FrameScore holds the three provider results for one frame
type FrameScore struct {
	Risk      provider.Result[provider.RiskScores]
	Tags      provider.Result[[]provider.Tag]
	Secondary provider.Result[[]provider.Tag]
}

func (f FrameScore) allOk() bool {
	return f.Risk.IsOk() && f.Tags.IsOk() && f.Secondary.IsOk()
}

// Options configures a Scanner
type Options struct {
	MaxFrames int    // extraction ceiling, defaults to and capped at MaxFrames
	Workers   int    // concurrent frame tasks, at least 1
	TempDir   string // parent of the input blob, empty means os.TempDir()
	CacheSize int    // frame result cache entries, 0 disables
}

// Scanner runs batch scans
type Scanner struct {
	extractor FrameExtractor
	providers provider.Set
	opts      Options
	cache     *lru.Cache[[sha256.Size]byte, FrameScore]
	logger    *zap.SugaredLogger
}

// NewScanner creates a scanner
func NewScanner(extractor FrameExtractor, providers provider.Set, opts Options, log *zap.SugaredLogger) (*Scanner, error) {
	if opts.MaxFrames <= 0 || opts.MaxFrames > MaxFrames {
		opts.MaxFrames = MaxFrames
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}

	s := &Scanner{
		extractor: extractor,
		providers: providers,
		opts:      opts,
		logger:    log.Named("media"),
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[[sha256.Size]byte, FrameScore](opts.CacheSize)
		if err != nil {
			return nil, errors.Wrap(err, "create frame cache")
		}
		s.cache = cache
	}
	return s, nil
}

// Scan scores a media blob. Only extraction failures are returned as errors
// (marked errors.ErrExtraction); provider failures count as neutral frames.
func (s *Scanner) Scan(ctx context.Context, data []byte, mimeType string) (verdict Verdict, err error) {
	log := logger.FromContext(ctx, s.logger)
	start := time.Now()

	blob := filepath.Join(s.opts.TempDir, "batch_"+uuid.NewString()+".bin")
	var frameDir string
	defer func() {
		s.cleanup(log, blob, frameDir)
		outcome := "ok"
		if err != nil {
			outcome = "extraction_failed"
		}
		scansTotal.WithLabelValues(outcome).Inc()
		scanDuration.Observe(time.Since(start).Seconds())
	}()

	if err := os.WriteFile(blob, data, 0600); err != nil {
		return EmptyVerdict(), errors.Mark(errors.Wrap(err, "persist batch input"), errors.ErrExtraction)
	}

	frames, dir, err := s.extractor.Extract(ctx, blob, s.opts.MaxFrames)
	frameDir = dir
	if err != nil {
		if !errors.Is(err, errors.ErrExtraction) {
			err = errors.Mark(err, errors.ErrExtraction)
		}
		log.Warnw("Frame extraction failed", logger.FieldMime, mimeType, "error", err)
		return EmptyVerdict(), err
	}

	total := len(frames)
	if total == 0 {
		log.Infow("No frames extracted", logger.FieldMime, mimeType)
		return EmptyVerdict(), nil
	}

	indices := SampleIndices(total, StepFor(mimeType))
	scores := s.scoreFrames(ctx, frames, indices)
	verdict = Aggregate(scores, total)

	framesSampled.Observe(float64(len(indices)))
	log.Infow("Batch scanned",
		logger.FieldMime, mimeType,
		logger.FieldFrames, total,
		logger.FieldSampled, len(indices),
		logger.FieldRisk, verdict.Risk,
		"tags", len(verdict.Tags),
	)
	return verdict, nil
}

// scoreFrames scores the sampled frames concurrently. Every scheduled task
// runs to completion; results keep sample order.
func (s *Scanner) scoreFrames(ctx context.Context, frames []Frame, indices []int) []FrameScore {
	scores := make([]FrameScore, len(indices))

	g := new(errgroup.Group)
	g.SetLimit(s.opts.Workers)
	for i, idx := range indices {
		frame := frames[idx]
		g.Go(func() error {
			scores[i] = s.scoreFrame(ctx, frame)
			return nil
		})
	}
	_ = g.Wait()

	return scores
}

// scoreFrame runs the three providers sequentially on one frame
func (s *Scanner) scoreFrame(ctx context.Context, frame Frame) FrameScore {
	var key [sha256.Size]byte
	if s.cache != nil {
		key = sha256.Sum256(frame.Data)
		if cached, ok := s.cache.Get(key); ok {
			frameCacheHits.Inc()
			return cached
		}
	}

	score := FrameScore{
		Risk:      provider.ScoreSafe(ctx, s.providers.Risk, frame.Data),
		Tags:      provider.ClassifySafe(ctx, "tagging", s.providers.Tagging, frame.Data),
		Secondary: provider.ClassifySafe(ctx, "secondary", s.providers.Secondary, frame.Data),
	}

	// Failures are not cached so a recovered provider is retried
	if s.cache != nil && score.allOk() {
		s.cache.Add(key, score)
	}
	return score
}

// cleanup removes the input blob and frame directory, ignoring errors
func (s *Scanner) cleanup(log *zap.SugaredLogger, blob, frameDir string) {
	if err := os.Remove(blob); err != nil && !os.IsNotExist(err) {
		log.Debugw("Failed to remove batch input", "path", blob, "error", err)
	}
	if frameDir != "" {
		if err := os.RemoveAll(frameDir); err != nil {
			log.Debugw("Failed to remove frame directory", "path", frameDir, "error", err)
		}
	}
}

// Aggregate folds per-frame scores into a verdict. It stops consuming
// scores once risk reaches 1.0, so tags from later frames are not merged.
// frameCount is the number of extracted frames, not sampled ones.
func Aggregate(scores []FrameScore, frameCount int) Verdict {
	if frameCount <= 0 {
		return EmptyVerdict()
	}

	maxRisk := 0.0
	tagSet := make(map[string]struct{})

	for _, score := range scores {
		maxRisk = math.Max(maxRisk, FrameRisk(score.Risk, score.Secondary))

		for _, res := range []provider.Result[[]provider.Tag]{score.Tags, score.Secondary} {
			if !res.IsOk() {
				continue
			}
			for _, label := range provider.Labels(res.Value()) {
				tagSet[label] = struct{}{}
			}
		}

		if maxRisk >= 1.0 {
			break
		}
	}

	tags := make([]string, 0, len(tagSet))
	for tag := range tagSet {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	if len(tags) > MaxTags {
		tags = tags[:MaxTags]
	}

	return Verdict{Risk: roundRisk(maxRisk), Tags: tags, FrameCount: frameCount}
}

// riskCategories are the risk scorer categories that count towards risk
var riskCategories = []string{"hentai", "porn", "sexy"}

const (
	explicitLabel     = "rating:explicit"
	questionableLabel = "rating:questionable"
)

// FrameRisk computes one frame's risk: the highest of the explicit
// categories, raised to 1.0 for rating:explicit and to 0.7 for
// rating:questionable. An Err risk result counts as 0.
func FrameRisk(risk provider.Result[provider.RiskScores], secondary provider.Result[[]provider.Tag]) float64 {
	base := 0.0
	if risk.IsOk() {
		scores := risk.Value()
		for _, category := range riskCategories {
			base = math.Max(base, scores[category])
		}
	}

	if secondary.IsOk() {
		explicit, questionable := false, false
		for _, t := range secondary.Value() {
			switch t.Label {
			case explicitLabel:
				explicit = true
			case questionableLabel:
				questionable = true
			}
		}
		if explicit {
			base = math.Max(base, 1.0)
		} else if questionable {
			base = math.Max(base, 0.7)
		}
	}
	return base
}

// roundRisk rounds to 3 decimal places and clamps to [0, 1]
func roundRisk(r float64) float64 {
	if math.IsNaN(r) || r < 0 {
		return 0
	}
	if r > 1 {
		r = 1
	}
	return math.Round(r*1000) / 1000
}
