// Package pipeline runs the single-image analysis stages.
//
// Five fixed stages run in order: risk scoring, tagging, secondary tagging,
// statistics and storage. Every module of the registry snapshot that
// processes images runs after them. Stages are isolated: a failing or
// panicking stage yields {"error": ...} under its key and never stops the
// remaining stages.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/teranos/vetta/errors"
	"github.com/teranos/vetta/logger"
	"github.com/teranos/vetta/module"
	"github.com/teranos/vetta/provider"
	"github.com/teranos/vetta/storage"
	"go.uber.org/zap"
)

// Fixed stage keys
const (
	StageRisk       = "modules.nsfw_scanner"
	StageTagging    = "modules.tagging"
	StageSecondary  = "modules.deepdanbooru_tags"
	StageStatistics = "modules.statistics"
	StageStorage    = "modules.image_storage"
)

// fixedStages are skipped when a dynamic module uses the same name
var fixedStages = map[string]struct{}{
	StageRisk:       {},
	StageTagging:    {},
	StageSecondary:  {},
	StageStatistics: {},
	StageStorage:    {},
}

// IsFixedStage reports whether name is reserved for a built-in stage
func IsFixedStage(name string) bool {
	_, ok := fixedStages[name]
	return ok
}

// StageResult is a stage outcome: the value itself or {"error": message} in JSON
type StageResult = provider.Result[any]

// Results maps stage keys to their outcome
type Results map[string]StageResult

// Ok wraps a stage value
func Ok(v any) StageResult { return provider.Ok(v) }

// Err wraps a stage failure
func Err(msg string) StageResult { return provider.Err[any](msg) }

// Recorder counts processed images and their tags
type Recorder interface {
	Record(ctx context.Context, tags []string) (int64, error)
}

// Storer persists an image with its analysis metadata
type Storer interface {
	Store(ctx context.Context, image []byte, meta storage.Metadata) (storage.Stored, error)
}

// Orchestrator runs the pipeline
type Orchestrator struct {
	providers provider.Set
	stats     Recorder
	store     Storer
	logger    *zap.SugaredLogger
}

// New creates an orchestrator. A nil stats or store makes that stage report an error.
func New(providers provider.Set, stats Recorder, store Storer, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		providers: providers,
		stats:     stats,
		store:     store,
		logger:    log.Named("pipeline"),
	}
}

// Process runs every stage on image against one registry snapshot
func (o *Orchestrator) Process(ctx context.Context, image []byte, snap module.Snapshot) Results {
	log := logger.FromContext(ctx, o.logger)
	results := make(Results, 5+snap.Len())

	risk := provider.ScoreSafe(ctx, o.providers.Risk, image)
	results[StageRisk] = lift(risk)

	tags := provider.ClassifySafe(ctx, "tagging", o.providers.Tagging, image)
	results[StageTagging] = liftTags(tags)

	secondary := provider.ClassifySafe(ctx, "secondary", o.providers.Secondary, image)
	results[StageSecondary] = liftTags(secondary)

	labels := append(tagLabels(tags), tagLabels(secondary)...)

	results[StageStatistics] = o.run(log, StageStatistics, func() (any, error) {
		if o.stats == nil {
			return nil, errors.New("statistics store not configured")
		}
		count, err := o.stats.Record(ctx, labels)
		if err != nil {
			return nil, err
		}
		return map[string]any{"recorded": len(labels), "count": count}, nil
	})

	results[StageStorage] = o.run(log, StageStorage, func() (any, error) {
		if o.store == nil {
			return nil, errors.New("image storage not configured")
		}
		meta := storage.Metadata{Risk: risk.Value()}
		if tags.IsOk() {
			meta.Tags = tags.Value()
		}
		if secondary.IsOk() {
			meta.DanbooruTags = secondary.Value()
		}
		return o.store.Store(ctx, image, meta)
	})

	snap.Each(func(name string, m module.Module) {
		if IsFixedStage(name) {
			return
		}
		processor, ok := m.(module.ImageProcessor)
		if !ok {
			return
		}
		results[name] = o.run(log, name, func() (any, error) {
			return processor.ProcessImage(ctx, image)
		})
	})

	return results
}

// run executes one stage, containing errors and panics
func (o *Orchestrator) run(log *zap.SugaredLogger, stage string, fn func() (any, error)) (res StageResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err := errors.Recovered(r)
			log.Errorw("Stage panicked", logger.FieldStage, stage, "error", err)
			res = Err(err.Error())
		}
		outcome := "ok"
		if !res.IsOk() {
			outcome = "error"
		}
		stageDuration.WithLabelValues(stage, outcome).Observe(time.Since(start).Seconds())
	}()

	v, err := fn()
	if err != nil {
		log.Warnw("Stage failed", logger.FieldStage, stage, "error", err)
		return Err(err.Error())
	}
	return Ok(v)
}

// lift converts a provider result into a stage result
func lift[T any](r provider.Result[T]) StageResult {
	if !r.IsOk() {
		return Err(r.Message())
	}
	return Ok(r.Value())
}

// liftTags wraps tags as {"tags": [...]}
func liftTags(r provider.Result[[]provider.Tag]) StageResult {
	if !r.IsOk() {
		return Err(r.Message())
	}
	tags := r.Value()
	if tags == nil {
		tags = []provider.Tag{}
	}
	return Ok(map[string]any{"tags": tags})
}

// tagLabels returns the labels of an Ok result, or none
func tagLabels(r provider.Result[[]provider.Tag]) []string {
	if !r.IsOk() {
		return []string{}
	}
	return provider.Labels(r.Value())
}

// Summary renders results as short strings for CLI output
func (r Results) Summary() map[string]string {
	out := make(map[string]string, len(r))
	for stage, res := range r {
		if res.IsOk() {
			out[stage] = "ok"
		} else {
			out[stage] = fmt.Sprintf("error: %s", res.Message())
		}
	}
	return out
}
