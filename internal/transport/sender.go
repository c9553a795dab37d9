package transport

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/gamelink/internal/util"
)

// Flow-control thresholds on the DataChannel's buffered amount. Game traffic
// is many small JSON messages, so the queue is deep and the marks are low.
const (
	pauseAbove  = 256 * 1024
	resumeBelow = 64 * 1024
	queueDepth  = 256
)

// outbox is the only writer of a DataChannel. Messages queued before the
// channel opens are held and flushed in order once it does.
type outbox struct {
	queue   chan []byte
	drained chan struct{}
}

func newOutbox(ctx context.Context, dc *webrtc.DataChannel, opened <-chan struct{}) *outbox {
	o := &outbox{
		queue:   make(chan []byte, queueDepth),
		drained: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(resumeBelow)
	dc.OnBufferedAmountLow(func() {
		select {
		case o.drained <- struct{}{}:
		default:
		}
	})

	go o.run(ctx, dc, opened)
	return o
}

func (o *outbox) run(ctx context.Context, dc *webrtc.DataChannel, opened <-chan struct{}) {
	select {
	case <-opened:
	case <-ctx.Done():
		return
	}

	for {
		var msg []byte
		select {
		case msg = <-o.queue:
		case <-ctx.Done():
			return
		}

		for dc.BufferedAmount() > pauseAbove {
			select {
			case <-o.drained:
			case <-ctx.Done():
				return
			}
		}

		if err := dc.SendText(string(msg)); err != nil {
			util.LogWarning("direct send of %d bytes failed: %v", len(msg), err)
			return
		}
		util.Stats.AddDirect(len(msg))
	}
}

// push queues msg, waiting while the queue is full. It fails with ErrClosed
// once ctx is done.
func (o *outbox) push(ctx context.Context, msg []byte) error {
	if ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case o.queue <- msg:
		return nil
	case <-ctx.Done():
		return ErrClosed
	}
}
