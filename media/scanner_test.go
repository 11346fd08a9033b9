package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teranos/vetta/errors"
	"github.com/teranos/vetta/provider"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// Test Fixtures
// =============================================================================

// fakeExtractor writes frames into a real directory so cleanup can be observed
type fakeExtractor struct {
	frames  [][]byte
	err     error
	gotSrc  string
	gotMax  int
	lastDir string
}

func (f *fakeExtractor) Extract(ctx context.Context, src string, maxFrames int) ([]Frame, string, error) {
	f.gotSrc = src
	f.gotMax = maxFrames
	if _, err := os.Stat(src); err != nil {
		return nil, "", err
	}

	dir, err := os.MkdirTemp(filepath.Dir(src), "frames_")
	if err != nil {
		return nil, "", err
	}
	f.lastDir = dir
	if f.err != nil {
		return nil, dir, f.err
	}

	frames := make([]Frame, len(f.frames))
	for i, data := range f.frames {
		os.WriteFile(filepath.Join(dir, fmt.Sprintf("frame_%05d.png", i+1)), data, 0644)
		frames[i] = Frame{Index: i, Data: data}
	}
	return frames, dir, nil
}

// frameProviders answers per frame content: a frame's bytes name its scores
type frameProviders struct {
	mu    sync.Mutex
	risk  map[string]provider.Result[provider.RiskScores]
	tags  map[string]provider.Result[[]provider.Tag]
	sec   map[string]provider.Result[[]provider.Tag]
	calls atomic.Int32
	seen  []string
}

func newFrameProviders() *frameProviders {
	return &frameProviders{
		risk: make(map[string]provider.Result[provider.RiskScores]),
		tags: make(map[string]provider.Result[[]provider.Tag]),
		sec:  make(map[string]provider.Result[[]provider.Tag]),
	}
}

func (p *frameProviders) set() provider.Set {
	return provider.Set{
		Risk:      riskFunc(p.score),
		Tagging:   classifyFunc(func(img []byte) provider.Result[[]provider.Tag] { return lookup(p.tags, img) }),
		Secondary: classifyFunc(func(img []byte) provider.Result[[]provider.Tag] { return lookup(p.sec, img) }),
	}
}

func (p *frameProviders) score(img []byte) provider.Result[provider.RiskScores] {
	p.calls.Add(1)
	p.mu.Lock()
	p.seen = append(p.seen, string(img))
	p.mu.Unlock()
	if strings.HasPrefix(string(img), "panic") {
		panic("scorer crashed")
	}
	r, ok := p.risk[string(img)]
	if !ok {
		return provider.Ok(provider.RiskScores{})
	}
	return r
}

func lookup(m map[string]provider.Result[[]provider.Tag], img []byte) provider.Result[[]provider.Tag] {
	if r, ok := m[string(img)]; ok {
		return r
	}
	return provider.Ok([]provider.Tag{})
}

type riskFunc func([]byte) provider.Result[provider.RiskScores]

func (f riskFunc) Score(ctx context.Context, img []byte) provider.Result[provider.RiskScores] {
	return f(img)
}

type classifyFunc func([]byte) provider.Result[[]provider.Tag]

func (f classifyFunc) Classify(ctx context.Context, img []byte) provider.Result[[]provider.Tag] {
	return f(img)
}

func framesNamed(n int) [][]byte {
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = []byte(fmt.Sprintf("f%d", i))
	}
	return frames
}

func newTestScanner(t *testing.T, ex FrameExtractor, p provider.Set, cacheSize int) (*Scanner, string) {
	t.Helper()
	tmp := t.TempDir()
	s, err := NewScanner(ex, p, Options{Workers: 4, TempDir: tmp, CacheSize: cacheSize}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return s, tmp
}

func assertCleanedUp(t *testing.T, tmp string) {
	t.Helper()
	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary blob and frames must be removed")
}

// =============================================================================
// Scan
// =============================================================================

func TestScanSamplesAndAggregates(t *testing.T) {
	p := newFrameProviders()
	p.risk["f5"] = provider.Ok(provider.RiskScores{"porn": 0.41234, "neutral": 0.9})
	p.tags["f0"] = provider.Ok([]provider.Tag{{Label: "cat"}, {Label: "sofa"}})
	p.sec["f10"] = provider.Ok([]provider.Tag{{Label: "animal"}, {Label: "cat"}})
	p.tags["f3"] = provider.Ok([]provider.Tag{{Label: "never-sampled"}})

	ex := &fakeExtractor{frames: framesNamed(12)}
	s, tmp := newTestScanner(t, ex, p.set(), 0)

	v, err := s.Scan(context.Background(), []byte("GIF89a..."), "image/gif")
	require.NoError(t, err)

	assert.Equal(t, 0.412, v.Risk)
	assert.Equal(t, []string{"animal", "cat", "sofa"}, v.Tags)
	assert.Equal(t, 12, v.FrameCount)
	assert.ElementsMatch(t, []string{"f0", "f5", "f10", "f11"}, p.seen)

	assert.Equal(t, MaxFrames, ex.gotMax)
	assert.True(t, strings.HasPrefix(filepath.Base(ex.gotSrc), "batch_"))
	assert.True(t, strings.HasSuffix(ex.gotSrc, ".bin"))
	assertCleanedUp(t, tmp)
}

func TestScanVideoStep(t *testing.T) {
	p := newFrameProviders()
	s, _ := newTestScanner(t, &fakeExtractor{frames: framesNamed(45)}, p.set(), 0)

	_, err := s.Scan(context.Background(), []byte("mp4"), "video/mp4")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"f0", "f20", "f40", "f44"}, p.seen)
}

func TestScanRiskExplicitRating(t *testing.T) {
	p := newFrameProviders()
	p.risk["f0"] = provider.Ok(provider.RiskScores{"hentai": 0.9, "porn": 0.2, "sexy": 0.1})
	p.sec["f0"] = provider.Ok([]provider.Tag{{Label: "rating:explicit"}})

	s, _ := newTestScanner(t, &fakeExtractor{frames: framesNamed(1)}, p.set(), 0)
	v, err := s.Scan(context.Background(), []byte("x"), "image/gif")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v.Risk)
}

func TestScanRiskQuestionableWithFailedScorer(t *testing.T) {
	p := newFrameProviders()
	p.risk["f0"] = provider.Err[provider.RiskScores]("x")
	p.sec["f0"] = provider.Ok([]provider.Tag{{Label: "rating:questionable"}})

	s, _ := newTestScanner(t, &fakeExtractor{frames: framesNamed(1)}, p.set(), 0)
	v, err := s.Scan(context.Background(), []byte("x"), "image/gif")
	require.NoError(t, err)
	assert.Equal(t, 0.7, v.Risk)
	assert.Equal(t, []string{"rating:questionable"}, v.Tags)
}

func TestScanNoFrames(t *testing.T) {
	p := newFrameProviders()
	ex := &fakeExtractor{}
	s, tmp := newTestScanner(t, ex, p.set(), 0)

	v, err := s.Scan(context.Background(), []byte("x"), "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, EmptyVerdict(), v)
	assert.Zero(t, p.calls.Load())
	assertCleanedUp(t, tmp)

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"risk": 0, "tags": [], "frameCount": 0}`, string(out))
}

func TestScanExtractionFailureCleansUp(t *testing.T) {
	p := newFrameProviders()
	ex := &fakeExtractor{err: errors.New("ffmpeg: exit status 1")}
	s, tmp := newTestScanner(t, ex, p.set(), 0)

	_, err := s.Scan(context.Background(), []byte("garbage"), "image/gif")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrExtraction))
	assert.Zero(t, p.calls.Load())
	assertCleanedUp(t, tmp)
}

func TestScanProviderPanicIsNeutral(t *testing.T) {
	p := newFrameProviders()
	p.tags["f1"] = provider.Ok([]provider.Tag{{Label: "dog"}})

	frames := [][]byte{[]byte("panic-0"), []byte("f1")}
	s, tmp := newTestScanner(t, &fakeExtractor{frames: frames}, p.set(), 0)

	v, err := s.Scan(context.Background(), []byte("x"), "image/gif")
	require.NoError(t, err)
	assert.Equal(t, 0.0, v.Risk)
	assert.Equal(t, []string{"dog"}, v.Tags)
	assert.Equal(t, 2, v.FrameCount)
	assertCleanedUp(t, tmp)
}

func TestScanAllFramesScoredDespiteSaturation(t *testing.T) {
	p := newFrameProviders()
	p.sec["f0"] = provider.Ok([]provider.Tag{{Label: "rating:explicit"}})

	s, _ := newTestScanner(t, &fakeExtractor{frames: framesNamed(12)}, p.set(), 0)
	v, err := s.Scan(context.Background(), []byte("x"), "image/gif")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v.Risk)
	assert.Equal(t, int32(4), p.calls.Load(), "every sampled frame is scored")
}

func TestScanClampsFrameCeiling(t *testing.T) {
	for _, requested := range []int{0, 5000} {
		ex := &fakeExtractor{frames: framesNamed(2)}
		s, err := NewScanner(ex, provider.Set{}, Options{MaxFrames: requested, TempDir: t.TempDir()}, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)

		_, err = s.Scan(context.Background(), []byte("x"), "video/mp4")
		require.NoError(t, err)
		assert.Equal(t, MaxFrames, ex.gotMax, "requested %d", requested)
	}

	ex := &fakeExtractor{frames: framesNamed(2)}
	s, err := NewScanner(ex, provider.Set{}, Options{MaxFrames: 10, TempDir: t.TempDir()}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	_, err = s.Scan(context.Background(), []byte("x"), "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, 10, ex.gotMax)
}

func TestScanScoresFramesConcurrently(t *testing.T) {
	const sampled = 4 // 12 frames at the GIF step sample [0 5 10 11]

	var inFlight, peak, done atomic.Int32
	allStarted := make(chan struct{})
	var once sync.Once

	risk := riskFunc(func(img []byte) provider.Result[provider.RiskScores] {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if n == sampled {
			once.Do(func() { close(allStarted) })
		}
		// a sequential scorer would never get past one in flight
		select {
		case <-allStarted:
		case <-time.After(2 * time.Second):
		}
		done.Add(1)
		return provider.Ok(provider.RiskScores{})
	})
	tags := classifyFunc(func(img []byte) provider.Result[[]provider.Tag] {
		return provider.Ok([]provider.Tag{{Label: "seen-" + string(img)}})
	})

	s, _ := newTestScanner(t, &fakeExtractor{frames: framesNamed(12)}, provider.Set{Risk: risk, Tagging: tags}, 0)
	v, err := s.Scan(context.Background(), []byte("x"), "image/gif")
	require.NoError(t, err)

	assert.Greater(t, peak.Load(), int32(1))
	assert.Equal(t, int32(sampled), peak.Load())
	assert.Equal(t, int32(sampled), done.Load())
	assert.Equal(t, []string{"seen-f0", "seen-f10", "seen-f11", "seen-f5"}, v.Tags, "every frame result reaches the verdict")
}

func TestScanFrameCache(t *testing.T) {
	p := newFrameProviders()
	frames := [][]byte{[]byte("same"), []byte("same"), []byte("same")}
	s, _ := newTestScanner(t, &fakeExtractor{frames: frames}, p.set(), 16)
	s.opts.Workers = 1

	_, err := s.Scan(context.Background(), []byte("x"), "image/gif")
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load())

	_, err = s.Scan(context.Background(), []byte("x"), "image/gif")
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load(), "identical frames are served from the cache")
}

func TestScanFrameCacheSkipsFailures(t *testing.T) {
	p := newFrameProviders()
	p.risk["same"] = provider.Err[provider.RiskScores]("warming up")
	frames := [][]byte{[]byte("same"), []byte("same")}
	s, _ := newTestScanner(t, &fakeExtractor{frames: frames}, p.set(), 16)

	_, err := s.Scan(context.Background(), []byte("x"), "image/gif")
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestScanMissingProviders(t *testing.T) {
	s, _ := newTestScanner(t, &fakeExtractor{frames: framesNamed(3)}, provider.Set{}, 0)
	v, err := s.Scan(context.Background(), []byte("x"), "image/gif")
	require.NoError(t, err)
	assert.Equal(t, 0.0, v.Risk)
	assert.Equal(t, []string{}, v.Tags)
	assert.Equal(t, 3, v.FrameCount)
}

// =============================================================================
// Aggregate
// =============================================================================

func TestAggregateTagCap(t *testing.T) {
	tags := make([]provider.Tag, 0, 250)
	for i := 0; i < 250; i++ {
		tags = append(tags, provider.Tag{Label: fmt.Sprintf("tag%03d", i)})
	}
	score := FrameScore{
		Risk:      provider.Ok(provider.RiskScores{}),
		Tags:      provider.Ok(tags),
		Secondary: provider.Ok([]provider.Tag{{Label: "tag000"}}),
	}

	v := Aggregate([]FrameScore{score}, 1)
	require.Len(t, v.Tags, MaxTags)
	assert.Equal(t, "tag000", v.Tags[0])
	assert.Equal(t, "tag199", v.Tags[MaxTags-1])
}

func TestAggregateStopsAtSaturation(t *testing.T) {
	explicit := FrameScore{
		Risk:      provider.Ok(provider.RiskScores{}),
		Tags:      provider.Ok([]provider.Tag{{Label: "first"}}),
		Secondary: provider.Ok([]provider.Tag{{Label: "rating:explicit"}}),
	}
	later := FrameScore{
		Risk:      provider.Ok(provider.RiskScores{"porn": 0.2}),
		Tags:      provider.Ok([]provider.Tag{{Label: "later"}}),
		Secondary: provider.Ok([]provider.Tag{}),
	}

	v := Aggregate([]FrameScore{explicit, later}, 2)
	assert.Equal(t, 1.0, v.Risk)
	assert.Equal(t, []string{"first", "rating:explicit"}, v.Tags)
}

func TestAggregateZeroFrames(t *testing.T) {
	assert.Equal(t, EmptyVerdict(), Aggregate(nil, 0))
}

func TestFrameRisk(t *testing.T) {
	tests := []struct {
		name      string
		risk      provider.Result[provider.RiskScores]
		secondary provider.Result[[]provider.Tag]
		want      float64
	}{
		{"max of categories", provider.Ok(provider.RiskScores{"hentai": 0.3, "porn": 0.6, "sexy": 0.5, "neutral": 0.99}), provider.Ok([]provider.Tag{}), 0.6},
		{"missing categories", provider.Ok(provider.RiskScores{"neutral": 1}), provider.Ok([]provider.Tag{}), 0},
		{"error scorer", provider.Err[provider.RiskScores]("down"), provider.Ok([]provider.Tag{}), 0},
		{"questionable raises", provider.Ok(provider.RiskScores{"sexy": 0.2}), provider.Ok([]provider.Tag{{Label: "rating:questionable"}}), 0.7},
		{"questionable keeps higher", provider.Ok(provider.RiskScores{"sexy": 0.8}), provider.Ok([]provider.Tag{{Label: "rating:questionable"}}), 0.8},
		{"explicit wins", provider.Ok(provider.RiskScores{}), provider.Ok([]provider.Tag{{Label: "rating:questionable"}, {Label: "rating:explicit"}}), 1.0},
		{"error secondary", provider.Ok(provider.RiskScores{"porn": 0.4}), provider.Err[[]provider.Tag]("down"), 0.4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FrameRisk(tt.risk, tt.secondary))
		})
	}
}

func TestRoundRisk(t *testing.T) {
	assert.Equal(t, 0.123, roundRisk(0.12345))
	assert.Equal(t, 1.0, roundRisk(0.9996))
	assert.Equal(t, 1.0, roundRisk(1.7))
	assert.Equal(t, 0.0, roundRisk(-0.2))
}
