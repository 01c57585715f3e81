// Package gateway probes the external decryption gateway used by the FHE backend.
//
// The gateway decrypts query results asynchronously and writes them back to the
// ledger; this process never talks to it beyond a liveness check. A failed probe
// is what triggers the session's automatic fallback to the mock backend.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/himitsu/internal/model"
)

const (
	defaultCacheTTL     = 5 * time.Second
	defaultProbeTimeout = 3 * time.Second
)

// Config configures a gateway Client.
type Config struct {
	URL          string
	ProbeTimeout time.Duration // Per-probe deadline; defaults to 3s.
	CacheTTL     time.Duration // How long a probe result is reused; defaults to 5s.
	HTTPClient   *http.Client
}

// Client checks gateway liveness with HEAD {url}/health.
type Client struct {
	healthURL    string
	httpClient   *http.Client
	probeTimeout time.Duration
	cacheTTL     time.Duration

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error
	healthAt    atomic.Int64 // unix nanos of last probe
}

// New creates a gateway Client. An empty URL yields a client whose probe
// always fails with ErrGatewayUnavailable.
func New(cfg Config) *Client {
	c := &Client{
		healthURL:    strings.TrimRight(cfg.URL, "/") + "/health",
		httpClient:   cfg.HTTPClient,
		probeTimeout: cfg.ProbeTimeout,
		cacheTTL:     cfg.CacheTTL,
	}
	if cfg.URL == "" {
		c.healthURL = ""
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.probeTimeout <= 0 {
		c.probeTimeout = defaultProbeTimeout
	}
	if c.cacheTTL <= 0 {
		c.cacheTTL = defaultCacheTTL
	}
	return c
}

// Healthy returns nil if the gateway answered its health probe with 2xx.
// Results are cached for CacheTTL and concurrent probes are deduplicated.
// Failures wrap model.ErrGatewayUnavailable.
func (c *Client) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, c.healthAt.Load())) < c.cacheTTL {
		return c.loadHealthErr()
	}

	// Probe on a detached context: singleflight shares the first caller's
	// context with every waiter.
	result, _, _ := c.healthGroup.Do("health", func() (any, error) {
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.probeTimeout)
		defer cancel()

		c.storeHealthErr(c.probe(probeCtx))
		c.healthAt.Store(time.Now().UnixNano())
		return c.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// Invalidate drops the cached probe result so the next Healthy call probes again.
func (c *Client) Invalidate() {
	c.healthAt.Store(0)
}

func (c *Client) probe(ctx context.Context) error {
	if c.healthURL == "" {
		return fmt.Errorf("%w: no gateway configured", model.ErrGatewayUnavailable)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.healthURL, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %w", model.ErrGatewayUnavailable, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: probe timed out after %s", model.ErrGatewayUnavailable, c.probeTimeout)
		}
		return fmt.Errorf("%w: %w", model.ErrGatewayUnavailable, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: health returned %d", model.ErrGatewayUnavailable, resp.StatusCode)
	}
	return nil
}

// atomic.Value cannot store a nil interface, so the error is boxed.
func (c *Client) storeHealthErr(err error) {
	c.healthErr.Store(&err)
}

func (c *Client) loadHealthErr() error {
	v := c.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}
