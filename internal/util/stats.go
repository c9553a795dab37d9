package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide connection/envelope counter.
var Stats = &stats{}

type stats struct {
	TotalConns   atomic.Int64 // cumulative count of accepted connections since process start
	ClosedConns  atomic.Int64 // cumulative count of closed connections since process start
	Envelopes    atomic.Int64 // cumulative envelopes routed between peers
	BytesRelayed atomic.Int64 // cumulative relay-mode application payload bytes
	BytesDirect  atomic.Int64 // cumulative bytes written to direct data channels
}

func (s *stats) AddConn()         { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()      { s.ClosedConns.Add(1) }
func (s *stats) AddEnvelope()     { s.Envelopes.Add(1) }
func (s *stats) AddRelayed(n int) { s.BytesRelayed.Add(int64(n)) }
func (s *stats) AddDirect(n int)  { s.BytesDirect.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// sample is one reading of the counters.
type sample struct {
	conns, closed, envelopes, relayed, direct int64
}

func takeSample() sample {
	return sample{
		conns:     Stats.TotalConns.Load(),
		closed:    Stats.ClosedConns.Load(),
		envelopes: Stats.Envelopes.Load(),
		relayed:   Stats.BytesRelayed.Load(),
		direct:    Stats.BytesDirect.Load(),
	}
}

// StartStatsReporter logs a line of traffic rates every interval in which
// anything changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := takeSample()
		for {
			select {
			case <-ticker.C:
				cur := takeSample()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(cur, prev, interval.Seconds()))
				}
				prev = cur
			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats renders the change from prev to cur over secs seconds.
func formatStats(cur, prev sample, secs float64) string {
	return fmt.Sprintf("Env: %6.1f/s | Relay: %s/s | Direct: %s/s | Conn: %2d↑ %2d↓ (%d live)",
		float64(cur.envelopes-prev.envelopes)/secs,
		formatBytes(float64(cur.relayed-prev.relayed)/secs),
		formatBytes(float64(cur.direct-prev.direct)/secs),
		cur.conns-prev.conns,
		cur.closed-prev.closed,
		cur.conns-cur.closed,
	)
}
