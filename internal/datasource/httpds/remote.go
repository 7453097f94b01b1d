// Package httpds opens datasets served over HTTP(S). Transient failures
// (transport errors, 429 and 5xx) are retried with exponential backoff.
package httpds

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Config configures a Remote. Zero durations get defaults: Timeout 30s,
// InitialBackoff 200ms, MaxBackoff 5s.
type Config struct {
	Timeout time.Duration
	// MaxRetries is the number of attempts after the first one. Zero means
	// a single attempt.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	InsecureSkipVerify bool
	Headers            http.Header

	// Transport overrides the default *http.Transport.
	Transport http.RoundTripper
}

// Remote opens one dataset URL.
type Remote struct {
	url            string
	client         *http.Client
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	headers        http.Header
}

// IsURL reports whether path names an HTTP(S) resource.
func IsURL(path string) bool {
	p := strings.ToLower(path)
	return strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://")
}

// NewRemote returns a Remote bound to url.
func NewRemote(url string, cfg Config) *Remote {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in
			},
		}
	}
	return &Remote{
		url:            url,
		client:         &http.Client{Timeout: cfg.Timeout, Transport: transport},
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		headers:        cfg.Headers.Clone(),
	}
}

// Path returns the bound URL.
func (r *Remote) Path() string { return r.url }

// Open GETs the URL and returns the response body. Statuses other than 2xx
// that are not retried are reported as errors.
func (r *Remote) Open(ctx context.Context) (io.ReadCloser, error) {
	attempts := r.maxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
		if err != nil {
			return nil, fmt.Errorf("httpds: build request: %w", err)
		}
		for k, vs := range r.headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := r.client.Do(req)
		switch {
		case err != nil:
			lastErr = fmt.Errorf("httpds: get %s: %w", r.url, err)
		case retryable(resp.StatusCode):
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("httpds: get %s: status %d", r.url, resp.StatusCode)
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			_ = resp.Body.Close()
			return nil, fmt.Errorf("httpds: get %s: status %d", r.url, resp.StatusCode)
		default:
			return resp.Body, nil
		}

		if attempt+1 >= attempts {
			break
		}
		d := backoff(r.initialBackoff, attempt, r.maxBackoff)
		slog.Warn("httpds: retry", "url", r.url, "attempt", attempt+1, "backoff", d, "err", lastErr)
		if err := sleep(ctx, d); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
}

// backoff returns initial*2^attempt clamped to max.
func backoff(initial time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt <= 0 {
		return min(initial, max)
	}
	d := initial << attempt
	if d <= 0 || d > max {
		return max
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
