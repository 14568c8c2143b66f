// Package bus carries messages between transports and the gateway.
package bus

import (
	"context"
	"sync"
)

// OutboundHandler delivers one message on a transport.
type OutboundHandler func(msg OutboundMessage)

// MessageBus is a pair of buffered queues. Transports push to Inbound; the
// gateway pushes replies to Outbound and DispatchOutbound routes them to the
// handler subscribed for the message's channel.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]OutboundHandler
	dropped     func(msg OutboundMessage)
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize < 0 {
		bufSize = 0
	}
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string]OutboundHandler),
	}
}

// SubscribeOutbound registers the handler for channel, replacing any
// previous one.
func (b *MessageBus) SubscribeOutbound(channel string, fn OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = fn
}

// OnDropped is called for outbound messages no handler is subscribed for.
func (b *MessageBus) OnDropped(fn func(msg OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropped = fn
}

// PublishInbound enqueues msg unless ctx is done first.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	select {
	case b.Inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishOutbound enqueues msg unless ctx is done first.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	select {
	case b.Outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DispatchOutbound delivers outbound messages until ctx is cancelled.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.mu.RLock()
			fn, ok := b.subscribers[msg.Channel]
			dropped := b.dropped
			b.mu.RUnlock()
			switch {
			case ok:
				fn(msg)
			case dropped != nil:
				dropped(msg)
			}
		case <-ctx.Done():
			return
		}
	}
}
