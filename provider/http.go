package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/teranos/vetta/errors"
	"github.com/teranos/vetta/version"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxResponseBytes bounds a provider response body
const maxResponseBytes = 4 << 20

// HTTPClient calls a provider served over HTTP. The raw image is POSTed as
// application/octet-stream; the response is JSON, either the provider's
// result or {"error": "..."}.
//
// Risk endpoints answer with an object of category scores:
//
//	{"hentai": 0.01, "porn": 0.02, "sexy": 0.10, "neutral": 0.80, "drawings": 0.07}
//
// Tagging endpoints answer with
//
//	{"tags": [{"label": "cat", "score": 0.93}]}
type HTTPClient struct {
	name    string
	url     string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

var (
	_ RiskScorer    = (*HTTPClient)(nil)
	_ TagClassifier = (*HTTPClient)(nil)
)

// NewHTTPClient creates a client for the provider at url.
// ratePerSecond <= 0 disables rate limiting.
func NewHTTPClient(name, url string, timeout time.Duration, ratePerSecond float64, logger *zap.SugaredLogger) *HTTPClient {
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	burst := int(ratePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &HTTPClient{
		name:    name,
		url:     url,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.Named(name),
	}
}

// Name returns the provider name used in logs and metrics
func (c *HTTPClient) Name() string { return c.name }

// Score requests risk scores for image
func (c *HTTPClient) Score(ctx context.Context, image []byte) Result[RiskScores] {
	var raw map[string]json.RawMessage
	if err := c.post(ctx, image, &raw); err != nil {
		return Err[RiskScores](err.Error())
	}
	if msg, ok := errorMessage(raw); ok {
		c.observe("error")
		return Err[RiskScores](msg)
	}

	scores := make(RiskScores, len(raw))
	for category, v := range raw {
		var score float64
		if err := json.Unmarshal(v, &score); err != nil {
			// Non-numeric fields are metadata, not scores
			continue
		}
		scores[category] = score
	}
	c.observe("ok")
	return Ok(scores)
}

// Classify requests tags for image
func (c *HTTPClient) Classify(ctx context.Context, image []byte) Result[[]Tag] {
	var raw map[string]json.RawMessage
	if err := c.post(ctx, image, &raw); err != nil {
		return Err[[]Tag](err.Error())
	}
	if msg, ok := errorMessage(raw); ok {
		c.observe("error")
		return Err[[]Tag](msg)
	}

	tags := []Tag{}
	if body, ok := raw["tags"]; ok {
		if err := json.Unmarshal(body, &tags); err != nil {
			c.observe("malformed")
			return Err[[]Tag](fmt.Sprintf("%s: malformed tags: %v", c.name, err))
		}
	}
	c.observe("ok")
	return Ok(tags)
}

// post sends image and decodes the JSON response into out
func (c *HTTPClient) post(ctx context.Context, image []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		c.observe("throttled")
		return errors.Wrapf(err, "%s: rate limit wait", c.name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(image))
	if err != nil {
		c.observe("request_error")
		return errors.Wrapf(err, "%s: build request", c.name)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "vetta/"+version.Version)

	start := time.Now()
	defer func() {
		providerDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
	}()

	res, err := c.client.Do(req)
	if err != nil {
		c.observe("request_error")
		return errors.Wrapf(err, "%s request failed", c.name)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		c.observe("request_error")
		return errors.Wrapf(err, "%s: read response", c.name)
	}

	if res.StatusCode != http.StatusOK {
		c.observe(fmt.Sprint(res.StatusCode))
		var raw map[string]json.RawMessage
		if json.Unmarshal(body, &raw) == nil {
			if msg, ok := errorMessage(raw); ok {
				return errors.Newf("%s request failed statusCode=%d: %s", c.name, res.StatusCode, msg)
			}
		}
		return errors.Newf("%s request failed statusCode=%d", c.name, res.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		c.observe("malformed")
		return errors.Wrapf(err, "%s: parse response JSON", c.name)
	}
	c.logger.Debugw("Provider response", "bytes", len(body))
	return nil
}

func (c *HTTPClient) observe(outcome string) {
	providerCount.WithLabelValues(c.name, outcome).Inc()
}

// errorMessage extracts {"error": "..."} from a decoded response
func errorMessage(raw map[string]json.RawMessage) (string, bool) {
	v, ok := raw["error"]
	if !ok {
		return "", false
	}
	var msg string
	if err := json.Unmarshal(v, &msg); err != nil {
		return string(v), true
	}
	return msg, true
}
