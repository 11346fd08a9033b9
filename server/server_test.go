package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teranos/vetta/auth"
	"github.com/teranos/vetta/errors"
	"github.com/teranos/vetta/media"
	"github.com/teranos/vetta/module"
	"github.com/teranos/vetta/module/builtin"
	"github.com/teranos/vetta/pipeline"
	"github.com/teranos/vetta/stats"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// Test Fixtures
// =============================================================================

type fakeTokens struct {
	mu    sync.Mutex
	email string
	renew bool
	err   error
}

func (f *fakeTokens) Issue(ctx context.Context, email string, renew bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.email, f.renew = email, renew
	if f.err != nil {
		return "", f.err
	}
	return "tok-" + email, nil
}

type fakeStats struct {
	n int
}

func (f *fakeStats) Summary(ctx context.Context, n int) (stats.Summary, error) {
	f.n = n
	return stats.Summary{Count: 7, TopTags: []string{"cat", "dog"}}, nil
}

type fakeChecker struct {
	mu      sync.Mutex
	calls   int
	version uint64
	size    int
}

func (f *fakeChecker) Process(ctx context.Context, image []byte, snap module.Snapshot) pipeline.Results {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.version = snap.Version()
	f.size = len(image)
	return pipeline.Results{
		pipeline.StageRisk:    pipeline.Ok(map[string]float64{"porn": 0.1}),
		pipeline.StageStorage: pipeline.Err("disk full"),
	}
}

type fakeScanner struct {
	mime    string
	verdict media.Verdict
	err     error
}

func (f *fakeScanner) Scan(ctx context.Context, data []byte, mimeType string) (media.Verdict, error) {
	f.mime = mimeType
	return f.verdict, f.err
}

type staticValidator map[string]bool

func (v staticValidator) Valid(ctx context.Context, token string) (bool, error) {
	return v[token], nil
}

type testEnv struct {
	server   *Server
	registry *module.Registry
	tokens   *fakeTokens
	stats    *fakeStats
	checker  *fakeChecker
	scanner  *fakeScanner
}

func newTestRegistry(t *testing.T, log *zap.SugaredLogger) *module.Registry {
	t.Helper()
	loader := module.NewBuiltinLoader()
	builtin.Register(loader, log)
	registry := module.NewRegistry(module.StaticListSource{builtin.SizeName}, loader, log)
	require.NoError(t, registry.Initialize(context.Background()))
	t.Cleanup(func() { registry.Close() })
	return registry
}

func newTestEnv(t *testing.T, opts Options, validator auth.Validator) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()

	env := &testEnv{
		registry: newTestRegistry(t, log),
		tokens:   &fakeTokens{},
		stats:    &fakeStats{},
		checker:  &fakeChecker{},
		scanner:  &fakeScanner{verdict: media.Verdict{Risk: 0.7, Tags: []string{"cat"}, FrameCount: 12}},
	}

	var mw *auth.Middleware
	if validator != nil {
		mw = auth.NewMiddleware(validator, log)
	}

	s, err := New(Deps{
		Registry: env.registry,
		Pipeline: env.checker,
		Scanner:  env.scanner,
		Tokens:   env.tokens,
		Stats:    env.stats,
		Auth:     mw,
	}, opts, log)
	require.NoError(t, err)
	env.server = s
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// multipartRequest builds a POST with one file part
func multipartRequest(t *testing.T, path, field, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

// =============================================================================
// Tests
// =============================================================================

func TestNewRequiresRegistry(t *testing.T) {
	_, err := New(Deps{}, Options{}, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestToken(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/token?email=a@example.com", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tok-a@example.com", rec.Body.String())
	assert.False(t, env.tokens.renew)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/token?email=a@example.com&renew", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.tokens.renew)
}

func TestTokenRequiresEmail(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/token", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTokenIssueFailure(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	env.tokens.err = errors.New("database is locked")

	rec := env.do(httptest.NewRequest(http.MethodGet, "/token?email=a@example.com", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGuardedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, Options{}, staticValidator{"good": true})

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/stats"},
		{http.MethodGet, "/modules"},
		{http.MethodPost, "/check"},
		{http.MethodPost, "/batch"},
		{http.MethodGet, "/ws/modules"},
	}
	for _, p := range paths {
		t.Run(p.path, func(t *testing.T) {
			req := httptest.NewRequest(p.method, p.path, nil)
			req.Header.Set("Authorization", "bad")
			rec := env.do(req)
			assert.Equal(t, http.StatusForbidden, rec.Code)
		})
	}

	// /token and /healthz stay open
	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "good")
	rec = env.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var summary stats.Summary
	decodeBody(t, rec, &summary)
	assert.Equal(t, int64(7), summary.Count)
	assert.Equal(t, []string{"cat", "dog"}, summary.TopTags)
	assert.Equal(t, stats.DefaultTopN, env.stats.n)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/stats?n=1000", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxTopTags, env.stats.n)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/stats?n=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheck(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	img := pngBytes(t)

	rec := env.do(multipartRequest(t, "/check", imageField, "cat.png", "image/png", img))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, 1, env.checker.calls)
	assert.Equal(t, len(img), env.checker.size)
	assert.Equal(t, env.registry.Snapshot().Version(), env.checker.version)

	var body map[string]map[string]any
	decodeBody(t, rec, &body)
	assert.Equal(t, 0.1, body[pipeline.StageRisk]["porn"])
	assert.Equal(t, "disk full", body[pipeline.StageStorage]["error"])
}

func TestCheckRejectsBadUploads(t *testing.T) {
	env := newTestEnv(t, Options{MaxImageBytes: 1024}, nil)

	tests := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{
			name:   "missing field",
			req:    multipartRequest(t, "/check", "other", "cat.png", "image/png", pngBytes(t)),
			status: http.StatusBadRequest,
		},
		{
			name:   "not an image",
			req:    multipartRequest(t, "/check", imageField, "notes.txt", "text/plain", []byte("hello")),
			status: http.StatusBadRequest,
		},
		{
			name:   "over limit",
			req:    multipartRequest(t, "/check", imageField, "big.png", "image/png", bytes.Repeat([]byte{1}, 2048)),
			status: http.StatusRequestEntityTooLarge,
		},
		{
			name:   "body far over limit",
			req:    multipartRequest(t, "/check", imageField, "huge.png", "image/png", bytes.Repeat([]byte{1}, 256<<10)),
			status: http.StatusRequestEntityTooLarge,
		},
		{
			name:   "not multipart",
			req:    httptest.NewRequest(http.MethodPost, "/check", strings.NewReader("raw")),
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(tt.req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
	assert.Zero(t, env.checker.calls)
}

func TestBatch(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)

	rec := env.do(multipartRequest(t, "/batch", batchField, "clip.mp4", "application/octet-stream", []byte("not really mp4")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "video/mp4", env.scanner.mime)

	var verdict media.Verdict
	decodeBody(t, rec, &verdict)
	assert.Equal(t, 0.7, verdict.Risk)
	assert.Equal(t, 12, verdict.FrameCount)
	assert.Equal(t, []string{"cat"}, verdict.Tags)

	rec = env.do(multipartRequest(t, "/batch", batchField, "loop.bin", "image/gif", []byte("GIF89a")))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/gif", env.scanner.mime)
}

func TestBatchExtractionFailure(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	env.scanner.err = errors.Wrap(errors.ErrExtraction, "ffmpeg exited with status 1")

	rec := env.do(multipartRequest(t, "/batch", batchField, "clip.gif", "image/gif", []byte("GIF89a")))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Contains(t, body["error"], "frame extraction failed")
}

func TestUploadMimeType(t *testing.T) {
	tests := []struct {
		filename    string
		contentType string
		want        string
	}{
		{"a.gif", "image/gif", "image/gif"},
		{"a.bin", "video/webm; codecs=vp9", "video/webm"},
		{"a.gif", "", "image/gif"},
		{"a.MOV", "application/octet-stream", "video/quicktime"},
		{"a", "", "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.filename+"|"+tt.contentType, func(t *testing.T) {
			header := &multipart.FileHeader{Filename: tt.filename, Header: textproto.MIMEHeader{}}
			if tt.contentType != "" {
				header.Header.Set("Content-Type", tt.contentType)
			}
			assert.Equal(t, tt.want, uploadMimeType(header))
		})
	}
}

func TestModules(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/modules", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ModulesResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, uint64(1), resp.Version)
	require.Len(t, resp.Modules, 1)
	assert.Equal(t, builtin.SizeName, resp.Modules[0].Name)
	assert.NotEmpty(t, resp.Modules[0].Description)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, uint64(1), resp.RegistryVersion)
	require.Contains(t, resp.Modules, builtin.SizeName)
	assert.True(t, resp.Modules[builtin.SizeName].Healthy)
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vetta_modules_active")
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-123")
	rec = env.do(req)
	assert.Equal(t, "req-123", rec.Header().Get(requestIDHeader))
}

func TestUnknownMethod(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/check", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServeStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- env.server.ListenAndServe(ctx, "127.0.0.1:0")
	}()
	cancel()
	assert.NoError(t, <-done)
}
