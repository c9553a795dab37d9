// Package probe classifies advertised game endpoints as publicly reachable
// or not by dialing them once.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"

	"github.com/1ureka/gamelink/internal/protocol"
	"github.com/1ureka/gamelink/internal/util"
)

var (
	// ErrUnreachable wraps the dial error of a failed probe.
	ErrUnreachable = errors.New("probe: endpoint not reachable")
	// ErrOverloaded is returned by Submit when every worker is busy.
	ErrOverloaded = errors.New("probe: all workers busy")
)

// Options configures a Prober.
type Options struct {
	Timeout time.Duration // per-dial bound, expiry counts as failure
	Rate    float64       // dials per second across all probes, <= 0 disables
	Workers int           // concurrent dials
}

// Prober dials endpoints on a bounded worker pool with a global rate limit.
type Prober struct {
	dialer  net.Dialer
	pool    *ants.Pool
	limiter *rate.Limiter
}

// New creates a Prober. Release must be called when it is no longer needed.
func New(opts Options) (*Prober, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 16
	}

	pool, err := ants.NewPool(opts.Workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("probe: create pool: %w", err)
	}

	limit := rate.Inf
	burst := 1
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
		burst = max(1, int(opts.Rate))
	}

	return &Prober{
		dialer:  net.Dialer{Timeout: opts.Timeout},
		pool:    pool,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

// Probe dials address:port once and closes the connection without sending
// anything. A nil error means the endpoint is publicly reachable.
func (p *Prober) Probe(ctx context.Context, address string, port int) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	target := protocol.JoinHostPort(address, port)
	conn, err := p.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, target, err)
	}
	_ = conn.Close()
	return nil
}

// Submit runs Probe on the worker pool and calls done with the result. It
// never blocks: with no idle worker it returns ErrOverloaded and done is
// not called.
func (p *Prober) Submit(ctx context.Context, address string, port int, done func(error)) error {
	err := p.pool.Submit(func() {
		err := p.Probe(ctx, address, port)
		if err != nil {
			util.LogDebug("probe %s failed: %v", protocol.JoinHostPort(address, port), err)
		}
		done(err)
	})
	if errors.Is(err, ants.ErrPoolOverload) {
		return ErrOverloaded
	}
	return err
}

// Release stops the worker pool.
func (p *Prober) Release() {
	p.pool.Release()
}
