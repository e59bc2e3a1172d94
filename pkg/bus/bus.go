package bus

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/nanobot-oss/gateway/pkg/logger"
)

// ErrBusClosed is returned when publishing to, or consuming from, a closed MessageBus.
var ErrBusClosed = errors.New("message bus closed")

const defaultBufferSize = 64

// MessageBus is a pair of independent bounded FIFO queues: inbound
// (adapter → agent) and outbound (agent → manager). It has no knowledge
// of channels, sessions, or retry — it is pure transport. Ordering is
// FIFO per queue only; there is no ordering guarantee across the two
// queues or across concurrent producers on the same queue.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	done     chan struct{}
	closed   atomic.Bool
}

// NewMessageBus constructs a MessageBus with the default bounded capacity.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, defaultBufferSize),
		outbound: make(chan OutboundMessage, defaultBufferSize),
		done:     make(chan struct{}),
	}
}

// PublishInbound enqueues an inbound message. It blocks until there is
// room in the queue, the bus is closed, or ctx is cancelled.
func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	if mb.closed.Load() {
		return ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case mb.inbound <- msg:
		return nil
	case <-mb.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound dequeues the next inbound message, suspending the caller
// until one is available, the bus is closed, or ctx is cancelled. The
// second return value is false in the latter two cases.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, ok := <-mb.inbound:
		return msg, ok
	case <-mb.done:
		return InboundMessage{}, false
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues an outbound message, analogous to PublishInbound.
func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	if mb.closed.Load() {
		return ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case mb.outbound <- msg:
		return nil
	case <-mb.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeOutbound dequeues the next outbound message, analogous to ConsumeInbound.
func (mb *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg, ok := <-mb.outbound:
		return msg, ok
	case <-mb.done:
		return OutboundMessage{}, false
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Close shuts the bus down. It is idempotent and safe to call concurrently
// with publishers and consumers. Buffered messages are drained (not
// delivered) rather than left to leak; the channels themselves are never
// closed, so a concurrent publisher can never panic on a send to a closed
// channel.
func (mb *MessageBus) Close() {
	if !mb.closed.CompareAndSwap(false, true) {
		return
	}
	close(mb.done)

	drained := 0
	for {
		select {
		case <-mb.inbound:
			drained++
		default:
			goto doneInbound
		}
	}
doneInbound:
	for {
		select {
		case <-mb.outbound:
			drained++
		default:
			goto doneOutbound
		}
	}
doneOutbound:
	if drained > 0 {
		logger.DebugCF("bus", "drained buffered messages on close", map[string]any{
			"count": drained,
		})
	}
}
