package httpds

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastConfig(retries int) Config {
	return Config{
		Timeout:        2 * time.Second,
		MaxRetries:     retries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func TestRemote_RetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Accept") != "text/csv" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, "id\n1\n")
	}))
	defer srv.Close()

	cfg := fastConfig(3)
	cfg.Headers = http.Header{"Accept": {"text/csv"}}
	rc, err := NewRemote(srv.URL, cfg).Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()

	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "id\n1\n", string(b))
	require.EqualValues(t, 3, atomic.LoadInt32(&hits))
}

func TestRemote_GivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewRemote(srv.URL, fastConfig(2)).Open(context.Background())
	require.ErrorContains(t, err, "status 429")
	require.EqualValues(t, 3, atomic.LoadInt32(&hits))
}

func TestRemote_NotFoundIsFinal(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := NewRemote(srv.URL, fastConfig(3)).Open(context.Background())
	require.ErrorContains(t, err, "status 404")
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestRemote_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRemote("http://127.0.0.1:1/x", fastConfig(0)).Open(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	require.Equal(t, 100*time.Millisecond, backoff(100*time.Millisecond, 0, time.Second))
	require.Equal(t, 400*time.Millisecond, backoff(100*time.Millisecond, 2, time.Second))
	require.Equal(t, time.Second, backoff(100*time.Millisecond, 5, time.Second))
	require.Equal(t, time.Second, backoff(5*time.Second, 0, time.Second))
}

func TestIsURL(t *testing.T) {
	t.Parallel()

	require.True(t, IsURL("https://example.org/a.csv"))
	require.True(t, IsURL("HTTP://example.org/a.csv"))
	require.False(t, IsURL("/data/a.csv"))
	require.False(t, IsURL("s3://bucket/a.csv"))
}
