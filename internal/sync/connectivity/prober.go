package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/kimhsiao/invsync/backend/internal/logging"
)

// Prober polls a health endpoint and feeds the result into a Monitor.
type Prober struct {
	url      string
	interval time.Duration
	client   *http.Client
	monitor  *Monitor
}

// NewProber creates a Prober. A nil client uses one with a 5s timeout.
func NewProber(url string, interval time.Duration, monitor *Monitor, client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Prober{
		url:      url,
		interval: interval,
		client:   client,
		monitor:  monitor,
	}
}

// Probe performs one health check and reports whether it succeeded.
func (p *Prober) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		logging.Debug("Health probe failed", map[string]interface{}{
			"url":   p.url,
			"error": err.Error(),
		})
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		ok := p.Probe(ctx)
		if ctx.Err() != nil {
			return
		}
		p.monitor.Set(ok)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
