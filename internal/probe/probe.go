// Package probe classifies registered hosts as reachable or unreachable
// before a build session starts.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fentz26/ninjateam/internal/logging"
	"github.com/fentz26/ninjateam/internal/models"
	"github.com/fentz26/ninjateam/internal/observability"
)

// MinDistributedHosts is the smallest fleet that justifies distributing work.
const MinDistributedHosts = 2

// Pinger performs one lightweight handshake with a host.
type Pinger interface {
	Ping(ctx context.Context, host models.HostRecord) error
}

// ConnectivityError reports a host that did not answer in time.
type ConnectivityError struct {
	Host    string
	Timeout bool
	Err     error
}

func (e *ConnectivityError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("host %s: no answer within timeout: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("host %s unreachable: %v", e.Host, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// Result partitions hosts in registry order.
type Result struct {
	Reachable   []models.HostRecord
	Unreachable []models.HostRecord
	// Errors holds the failure for each unreachable host, keyed by address.
	Errors map[string]error
}

// Prober checks hosts concurrently, each within its own timeout. Failures are
// not retried here.
type Prober struct {
	pinger  Pinger
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a prober. A zero timeout means five seconds.
func New(pinger Pinger, timeout time.Duration, logger *slog.Logger) *Prober {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{pinger: pinger, timeout: timeout, logger: logging.OrDiscard(logger)}
}

// Probe classifies hosts. Loopback hosts are reachable without a round-trip.
func (p *Prober) Probe(ctx context.Context, hosts []models.HostRecord) Result {
	ctx, span := observability.StartSpan(ctx, "probe.hosts", attribute.Int("hosts", len(hosts)))
	defer span.End()

	errs := make([]error, len(hosts))
	var wg sync.WaitGroup
	for i, h := range hosts {
		if h.IsLoopback() {
			continue
		}
		wg.Add(1)
		go func(i int, h models.HostRecord) {
			defer wg.Done()
			errs[i] = p.probeOne(ctx, h)
		}(i, h)
	}
	wg.Wait()

	res := Result{Errors: make(map[string]error)}
	for i, h := range hosts {
		if errs[i] != nil {
			res.Unreachable = append(res.Unreachable, h)
			res.Errors[h.Address] = errs[i]
			p.logger.Warn("host unreachable", "host", h.Address, "port", h.Port, "reason", errs[i])
			continue
		}
		res.Reachable = append(res.Reachable, h)
		p.logger.Debug("host reachable", "host", h.Address)
	}
	span.SetAttributes(attribute.Int("reachable", len(res.Reachable)))
	return res
}

func (p *Prober) probeOne(ctx context.Context, h models.HostRecord) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.pinger.Ping(ctx, h) }()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		return &ConnectivityError{Host: h.Address, Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
	case <-ctx.Done():
		// The pinger ignored its context; stop waiting for it.
		return &ConnectivityError{Host: h.Address, Timeout: true, Err: ctx.Err()}
	}
}

// Decision is the outcome of the fallback policy.
type Decision struct {
	Mode      models.BuildMode
	Downgrade bool
	Reason    string
}

// Decide applies the fallback policy: any mode other than single needs at
// least MinDistributedHosts reachable hosts, otherwise the session runs in
// single mode.
func Decide(requested models.BuildMode, res Result) Decision {
	if requested == models.ModeSingle || len(res.Reachable) >= MinDistributedHosts {
		return Decision{Mode: requested}
	}
	return Decision{
		Mode:      models.ModeSingle,
		Downgrade: true,
		Reason: fmt.Sprintf("%d of %d hosts reachable, %s mode needs at least %d",
			len(res.Reachable), len(res.Reachable)+len(res.Unreachable), requested, MinDistributedHosts),
	}
}
