package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// Result
// =============================================================================

func TestResultJSON(t *testing.T) {
	ok, err := json.Marshal(Ok(RiskScores{"porn": 0.5}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"porn": 0.5}`, string(ok))

	failed, err := json.Marshal(Err[RiskScores]("model missing"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"error": "model missing"}`, string(failed))
}

func TestResultAccessors(t *testing.T) {
	r := Ok([]Tag{{Label: "cat", Score: 0.9}})
	assert.True(t, r.IsOk())
	assert.Empty(t, r.Message())
	assert.Equal(t, "cat", r.Value()[0].Label)

	e := Err[[]Tag]("boom")
	assert.False(t, e.IsOk())
	assert.Equal(t, "boom", e.Message())
	assert.Nil(t, e.Value())

	var zero Result[int]
	assert.False(t, zero.IsOk())
}

func TestFromError(t *testing.T) {
	assert.True(t, FromError(1, nil).IsOk())

	r := FromError(0, io.ErrUnexpectedEOF)
	assert.False(t, r.IsOk())
	assert.Equal(t, io.ErrUnexpectedEOF.Error(), r.Message())
}

// =============================================================================
// Guard
// =============================================================================

type panickingScorer struct{}

func (panickingScorer) Score(ctx context.Context, image []byte) Result[RiskScores] {
	panic("tensor shape mismatch")
}

func TestScoreSafeRecoversPanic(t *testing.T) {
	r := ScoreSafe(context.Background(), panickingScorer{}, []byte("x"))
	require.False(t, r.IsOk())
	assert.Contains(t, r.Message(), "tensor shape mismatch")
}

func TestSafeCallsWithNilProvider(t *testing.T) {
	assert.False(t, ScoreSafe(context.Background(), nil, nil).IsOk())

	r := ClassifySafe(context.Background(), "tagging", nil, nil)
	assert.False(t, r.IsOk())
	assert.Equal(t, "tagging provider not configured", r.Message())
}

func TestUnavailable(t *testing.T) {
	u := Unavailable{Name: "secondary"}
	assert.Equal(t, "secondary provider not configured", u.Classify(context.Background(), nil).Message())
	assert.False(t, u.Score(context.Background(), nil).IsOk())
}

func TestLabels(t *testing.T) {
	labels := Labels([]Tag{{Label: "a"}, {Label: ""}, {Label: "b"}})
	assert.Equal(t, []string{"a", "b"}, labels)
	assert.NotNil(t, Labels(nil))
}

// =============================================================================
// HTTPClient
// =============================================================================

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient("test", srv.URL, 5*time.Second, 0, zaptest.NewLogger(t).Sugar())
}

func TestHTTPScore(t *testing.T) {
	var got []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		got, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"hentai": 0.1, "porn": 0.85, "sexy": 0.02, "model": "v2"}`))
	})

	r := c.Score(context.Background(), []byte("image-bytes"))
	require.True(t, r.IsOk(), r.Message())
	assert.Equal(t, []byte("image-bytes"), got)
	assert.Equal(t, RiskScores{"hentai": 0.1, "porn": 0.85, "sexy": 0.02}, r.Value())
}

func TestHTTPScoreErrorBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": "nsfw_detector not installed"}`))
	})

	r := c.Score(context.Background(), []byte("x"))
	require.False(t, r.IsOk())
	assert.Equal(t, "nsfw_detector not installed", r.Message())
}

func TestHTTPClassify(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tags": [{"label": "rating:safe", "score": 0.97}, {"label": "1girl", "score": 0.4}]}`))
	})

	r := c.Classify(context.Background(), []byte("x"))
	require.True(t, r.IsOk(), r.Message())
	assert.Equal(t, []Tag{{Label: "rating:safe", Score: 0.97}, {Label: "1girl", Score: 0.4}}, r.Value())
}

func TestHTTPClassifyNoTags(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	r := c.Classify(context.Background(), []byte("x"))
	require.True(t, r.IsOk())
	assert.NotNil(t, r.Value())
	assert.Empty(t, r.Value())
}

func TestHTTPClassifyMalformed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tags": "cat"}`))
	})

	r := c.Classify(context.Background(), []byte("x"))
	require.False(t, r.IsOk())
	assert.Contains(t, r.Message(), "malformed tags")
}

func TestHTTPStatusError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error": "warming up"}`))
	})

	r := c.Classify(context.Background(), []byte("x"))
	require.False(t, r.IsOk())
	assert.Contains(t, r.Message(), "statusCode=503")
	assert.Contains(t, r.Message(), "warming up")
}

func TestHTTPInvalidJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>`))
	})

	r := c.Score(context.Background(), []byte("x"))
	assert.False(t, r.IsOk())
}

func TestHTTPUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewHTTPClient("gone", url, time.Second, 0, zaptest.NewLogger(t).Sugar())
	r := c.Score(context.Background(), []byte("x"))
	require.False(t, r.IsOk())
	assert.Contains(t, r.Message(), "gone request failed")
}

func TestHTTPRateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewHTTPClient("slow", srv.URL, time.Second, 0.001, zaptest.NewLogger(t).Sugar())
	require.True(t, c.Score(context.Background(), []byte("x")).IsOk(), "first call uses the burst")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r := c.Score(ctx, []byte("x"))
	require.False(t, r.IsOk())
	assert.Contains(t, r.Message(), "rate limit")
}
