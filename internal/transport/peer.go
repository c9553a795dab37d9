package transport

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/gamelink/internal/util"
)

// channelLabel names the data channel both peers create.
const channelLabel = "gamelink"

// Options configures the PeerConnection behind a Transport.
type Options struct {
	ICEServers []string
	// IncludeLoopback gathers loopback candidates so two peers on one
	// machine without a LAN can still connect directly.
	IncludeLoopback bool
}

// newPeerConnection creates a PeerConnection using the configured ICE
// servers, with pion's logging routed through the process logger.
func newPeerConnection(opts Options) (*webrtc.PeerConnection, error) {
	var se webrtc.SettingEngine
	se.LoggerFactory = util.PionLogger{}
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	config := webrtc.Configuration{}
	if len(opts.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	return api.NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated, ordered DataChannel on the given
// PeerConnection. Negotiated mode (ID 0) lets both sides create the channel
// independently without relying on OnDataChannel; ordered delivery keeps
// game messages in the order they were sent.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
