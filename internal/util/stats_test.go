package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{100, " 0.1 KiB"},
		{1536, " 1.5 KiB"},
		{5 * 1024 * 1024, " 5.0 MiB"},
	}
	for _, tt := range tests {
		got := formatBytes(tt.in)
		assert.Equal(t, tt.want, got, "formatBytes(%v)", tt.in)
		assert.Len(t, got, 8)
	}
}

func TestFormatStats(t *testing.T) {
	prev := sample{conns: 10, closed: 6, envelopes: 100, relayed: 0, direct: 500}
	cur := sample{conns: 13, closed: 7, envelopes: 125, relayed: 4096, direct: 550}

	got := formatStats(cur, prev, 2)
	assert.Equal(t, "Env:   12.5/s | Relay:  2.0 KiB/s | Direct: 25.0   B/s | Conn:  3↑  1↓ (6 live)", got)
}

func TestTakeSample(t *testing.T) {
	before := takeSample()
	Stats.AddConn()
	Stats.AddEnvelope()
	Stats.AddRelayed(10)
	Stats.AddDirect(20)
	Stats.RemoveConn()

	after := takeSample()
	assert.Equal(t, sample{
		conns:     before.conns + 1,
		closed:    before.closed + 1,
		envelopes: before.envelopes + 1,
		relayed:   before.relayed + 10,
		direct:    before.direct + 20,
	}, after)
}
