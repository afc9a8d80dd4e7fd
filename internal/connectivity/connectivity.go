// Package connectivity answers whether the fintrack server is reachable.
package connectivity

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultTimeout bounds a probe.
const DefaultTimeout = 3 * time.Second

// Prober checks reachability with a GET to a probe URL. Any HTTP response
// counts as online, including errors: the server answered.
type Prober struct {
	url    string
	client *http.Client
}

// NewProber creates a prober for serverURL's /health endpoint. probeURL,
// when non-empty, overrides the endpoint.
func NewProber(serverURL, probeURL string, timeout time.Duration) *Prober {
	if probeURL == "" {
		probeURL = strings.TrimRight(serverURL, "/") + "/health"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{
		url:    probeURL,
		client: &http.Client{Timeout: timeout},
	}
}

// URL returns the probed address.
func (p *Prober) URL() string {
	return p.url
}

// Online reports whether the probe URL answered.
func (p *Prober) Online(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Static is an oracle with a fixed answer, for forced offline mode and
// tests.
type Static struct {
	online atomic.Bool
}

// NewStatic returns a Static oracle.
func NewStatic(online bool) *Static {
	s := &Static{}
	s.online.Store(online)
	return s
}

// Set changes the answer.
func (s *Static) Set(online bool) {
	s.online.Store(online)
}

// Online implements sync.Connectivity.
func (s *Static) Online(context.Context) bool {
	return s.online.Load()
}
