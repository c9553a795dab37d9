package directory

import (
	"time"

	"github.com/1ureka/gamelink/internal/protocol"
)

// Tick sends a ping to every entry with no ping outstanding. An entry whose
// previous ping never got a pong is skipped, so probes never pile up.
// It returns the number of pings sent.
func (d *Directory) Tick(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	sent := 0
	for _, rec := range d.records {
		if rec.inFlight {
			continue
		}
		rec.inFlight = true
		rec.pingStart = now
		_ = rec.conn.Send(protocol.Ping())
		sent++
	}
	return sent
}

// Pong completes the outstanding ping of connection id and stores the
// round-trip time in milliseconds. It reports false when no ping was
// outstanding.
func (d *Directory) Pong(id string, now time.Time) (time.Duration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[id]
	if !ok || !rec.inFlight {
		return 0, false
	}
	rtt := now.Sub(rec.pingStart)
	ms := rtt.Milliseconds()
	rec.entry.Ping = &ms
	rec.inFlight = false
	return rtt, true
}
