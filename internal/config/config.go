// Package config holds the broker and peer configuration, loaded from a
// YAML file and GAMELINK_ environment variables and overridable by flags.
package config

import (
	"time"

	"github.com/spf13/pflag"
)

// Role represents the peer's chosen role (host or client).
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

type Config struct {
	Broker Broker `fig:"broker"`
	Peer   Peer   `fig:"peer"`
	Log    Log    `fig:"log"`
}

// Broker configures the signaling broker process.
type Broker struct {
	Address      string        `fig:"address" default:":8080"`
	RawAddress   string        `fig:"rawAddress"` // empty disables the raw-stream listener
	Subprotocol  string        `fig:"subprotocol" default:"gamelink"`
	DisableRelay bool          `fig:"disableRelay"`
	PingInterval time.Duration `fig:"pingInterval" default:"5s"`
	ProbeTimeout time.Duration `fig:"probeTimeout" default:"3s"`
	ProbeRate    float64       `fig:"probeRate" default:"20"`
	ProbeWorkers int           `fig:"probeWorkers" default:"64"`
	// MaxFrameSize caps a single raw-stream frame, MaxMessageSize a whole message.
	MaxFrameSize   int           `fig:"maxFrameSize" default:"1048576"`
	MaxMessageSize int           `fig:"maxMessageSize" default:"65536"`
	SendQueue      int           `fig:"sendQueue" default:"256"`
	MetricsPath    string        `fig:"metricsPath" default:"/metrics"`
	StatsInterval  time.Duration `fig:"statsInterval" default:"10s"`
}

// AllowRelay reports whether hosts are offered relayed data transport.
func (b *Broker) AllowRelay() bool { return !b.DisableRelay }

func (b *Broker) AddFlags(fs *pflag.FlagSet) *Broker {
	fs.StringVar(&b.Address, "addr", b.Address, "WebSocket and HTTP listen address")
	fs.StringVar(&b.RawAddress, "raw-addr", b.RawAddress, "raw-stream listen address (empty disables it)")
	fs.StringVar(&b.Subprotocol, "subprotocol", b.Subprotocol, "required WebSocket subprotocol")
	fs.BoolVar(&b.DisableRelay, "no-relay", b.DisableRelay, "refuse relayed data transport")
	fs.DurationVar(&b.PingInterval, "ping-interval", b.PingInterval, "interval between latency probes of registered games")
	fs.DurationVar(&b.ProbeTimeout, "probe-timeout", b.ProbeTimeout, "reachability dial timeout")
	fs.Float64Var(&b.ProbeRate, "probe-rate", b.ProbeRate, "reachability dials per second")
	fs.IntVar(&b.ProbeWorkers, "probe-workers", b.ProbeWorkers, "concurrent reachability dials")
	fs.StringVar(&b.MetricsPath, "metrics-path", b.MetricsPath, "Prometheus metrics path (empty disables it)")
	fs.DurationVar(&b.StatsInterval, "stats-interval", b.StatsInterval, "interval between stats log lines")
	return b
}

// Peer configures the gamelink host/client CLI.
type Peer struct {
	SignalingURL string   `fig:"signalingURL" default:"ws://localhost:8080"`
	Subprotocol  string   `fig:"subprotocol" default:"gamelink"`
	ICEServers   []string `fig:"iceServers"`
	Relay        bool     `fig:"relay"`
}

// DefaultICEServers are used when no ICE servers are configured. No TURN:
// when a direct path cannot be found the session falls back to relay.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

func (p *Peer) AddFlags(fs *pflag.FlagSet) *Peer {
	fs.StringVar(&p.SignalingURL, "url", p.SignalingURL, "broker WebSocket URL")
	fs.StringVar(&p.Subprotocol, "subprotocol", p.Subprotocol, "WebSocket subprotocol")
	fs.StringSliceVar(&p.ICEServers, "ice", p.ICEServers, "ICE server URLs")
	fs.BoolVar(&p.Relay, "relay", p.Relay, "skip the direct channel and relay through the broker")
	return p
}

// Log configures logging output.
type Log struct {
	Debug      bool   `fig:"debug"`
	File       string `fig:"file"` // empty logs to the terminal only
	MaxSizeMB  int    `fig:"maxSizeMB" default:"10"`
	MaxBackups int    `fig:"maxBackups" default:"3"`
	MaxAgeDays int    `fig:"maxAgeDays" default:"28"`
}

func (l *Log) AddFlags(fs *pflag.FlagSet) *Log {
	fs.BoolVar(&l.Debug, "debug", l.Debug, "enable debug logging")
	fs.StringVar(&l.File, "log-file", l.File, "also write logs to this file, rotated")
	return l
}
