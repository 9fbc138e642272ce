package social

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// apiClient wraps outbound provider calls with a per-platform rate limiter and
// a bounded retry policy: two retries with exponential backoff, only on
// transport errors and 5xx responses. 4xx is returned immediately because
// authorization codes are single-use and retrying cannot succeed.
type apiClient struct {
	platform string
	hc       *http.Client
	limiter  *rate.Limiter
}

var retryBackoffs = []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond}

func newAPIClient(platform string, hc *http.Client) *apiClient {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	cfg, ok := defaultRateLimits[platform]
	if !ok {
		cfg = rateLimitConfig{rps: 1, burst: 2}
	}
	return &apiClient{
		platform: platform,
		hc:       hc,
		limiter:  rate.NewLimiter(rate.Limit(cfg.rps), cfg.burst),
	}
}

type rateLimitConfig struct {
	rps   float64
	burst int
}

// Conservative defaults per network quota policy.
var defaultRateLimits = map[string]rateLimitConfig{
	"facebook":  {rps: 1, burst: 2},
	"instagram": {rps: 1, burst: 2},
	"twitter":   {rps: 1, burst: 1},
	"linkedin":  {rps: 1, burst: 2},
	"tiktok":    {rps: 1, burst: 2},
	"youtube":   {rps: 3, burst: 3},
}

const maxBodyBytes = 1 << 20

// do issues the request built by build, retrying per policy. It returns the
// response body and status code; a non-2xx final response becomes an
// *UpstreamError tagged with op.
func (c *apiClient) do(ctx context.Context, op string, build func() (*http.Request, error)) ([]byte, int, error) {
	var lastErr error
	var body []byte
	var status int

	for attempt := 0; attempt <= len(retryBackoffs); attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, err
		}
		req, err := build()
		if err != nil {
			return nil, 0, err
		}
		res, err := c.hc.Do(req)
		if err != nil {
			lastErr = err
			log.Printf("[Social] transport error platform=%s op=%s attempt=%d err=%v", c.platform, op, attempt+1, err)
		} else {
			body, _ = io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
			_ = res.Body.Close()
			status = res.StatusCode
			if status >= 200 && status < 300 {
				return body, status, nil
			}
			lastErr = &UpstreamError{Platform: c.platform, Op: op, StatusCode: status, Body: truncate(string(body), 1200)}
			if status < 500 {
				return body, status, lastErr
			}
			log.Printf("[Social] upstream 5xx platform=%s op=%s attempt=%d status=%d", c.platform, op, attempt+1, status)
		}
		if attempt < len(retryBackoffs) {
			select {
			case <-ctx.Done():
				return nil, status, ctx.Err()
			case <-time.After(retryBackoffs[attempt]):
			}
		}
	}
	return body, status, lastErr
}

func (c *apiClient) get(ctx context.Context, op, endpoint string, header http.Header) ([]byte, int, error) {
	return c.do(ctx, op, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		applyHeader(req, header)
		return req, nil
	})
}

func (c *apiClient) postForm(ctx context.Context, op, endpoint string, header http.Header, form url.Values) ([]byte, int, error) {
	encoded := form.Encode()
	return c.do(ctx, op, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		applyHeader(req, header)
		return req, nil
	})
}

func (c *apiClient) postJSON(ctx context.Context, op, endpoint string, header http.Header, payload any) ([]byte, int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	return c.do(ctx, op, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		applyHeader(req, header)
		return req, nil
	})
}

func applyHeader(req *http.Request, header http.Header) {
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
}

func bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
