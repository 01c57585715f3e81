package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/himitsu/internal/model"
)

func TestHealthyOK(t *testing.T) {
	var method atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method.Store(r.Method)
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL + "/"})
	require.NoError(t, c.Healthy(context.Background()))
	assert.Equal(t, http.MethodHead, method.Load())
}

func TestHealthyNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := New(Config{URL: srv.URL}).Healthy(context.Background())
	assert.ErrorIs(t, err, model.ErrGatewayUnavailable)
	assert.Contains(t, err.Error(), "502")
}

func TestHealthyUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := New(Config{URL: url}).Healthy(context.Background())
	assert.ErrorIs(t, err, model.ErrGatewayUnavailable)
}

func TestHealthyNoURL(t *testing.T) {
	err := New(Config{}).Healthy(context.Background())
	assert.ErrorIs(t, err, model.ErrGatewayUnavailable)
}

func TestHealthyTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	err := New(Config{URL: srv.URL, ProbeTimeout: 20 * time.Millisecond}).Healthy(context.Background())
	assert.ErrorIs(t, err, model.ErrGatewayUnavailable)
}

func TestHealthyCachesResult(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, CacheTTL: time.Minute})
	for range 5 {
		require.NoError(t, c.Healthy(context.Background()))
	}
	assert.Equal(t, int32(1), hits.Load())

	c.Invalidate()
	require.NoError(t, c.Healthy(context.Background()))
	assert.Equal(t, int32(2), hits.Load())
}

func TestHealthyDeduplicatesConcurrentProbes(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(30 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, CacheTTL: time.Minute})
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Healthy(context.Background()))
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, hits.Load(), int32(2))
}
