package sandbox

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/wronai/pactown/internal/domain"
	"github.com/wronai/pactown/internal/ports"
)

// errExitedDuringProbe signals that the supervised process died while
// the health probe was still waiting. The caller owns the exit details.
var errExitedDuringProbe = errors.New("process exited during health probe")

// probeBackoff escalates the wait between attempts; the last step caps.
var probeBackoff = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

// prober polls a health endpoint until the service answers.
type prober struct {
	client  *http.Client
	metrics ports.MetricsCollector
}

func newProber(requestTimeout time.Duration, metrics ports.MetricsCollector) *prober {
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Second
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &prober{
		client:  &http.Client{Timeout: requestTimeout},
		metrics: metrics,
	}
}

// waitHealthy blocks until the endpoint answers with a status in
// 200-399, the budget elapses (HealthTimeoutError), the process exits
// (errExitedDuringProbe), or ctx is cancelled.
func (p *prober) waitHealthy(ctx context.Context, service string, endpoint domain.ServiceEndpoint, budget time.Duration, exited <-chan struct{}) error {
	deadline := time.Now().Add(budget)
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return errExitedDuringProbe
		default:
		}

		if p.probeOnce(ctx, service, endpoint) {
			return nil
		}
		if time.Now().After(deadline) {
			return &domain.HealthTimeoutError{Service: service, Timeout: budget}
		}

		wait := probeBackoff[len(probeBackoff)-1]
		if attempt < len(probeBackoff) {
			wait = probeBackoff[attempt]
		}
		attempt++

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-exited:
			timer.Stop()
			return errExitedDuringProbe
		case <-timer.C:
		}
	}
}

// probeOnce performs a single GET against the health URL. Any status in
// 200-399 counts as healthy.
func (p *prober) probeOnce(ctx context.Context, service string, endpoint domain.ServiceEndpoint) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.HealthURL(), nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.metrics.RecordHealthProbe(service, false)
		return false
	}
	resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 400
	p.metrics.RecordHealthProbe(service, ok)
	return ok
}

// check performs one liveness probe against a running service. Used by
// the steady-state health monitor.
func (p *prober) check(ctx context.Context, service string, endpoint domain.ServiceEndpoint) bool {
	return p.probeOnce(ctx, service, endpoint)
}
