// Package channel adapts chat transports to the message bus.
package channel

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/stellarlinkco/memoria/internal/bus"
	"github.com/stellarlinkco/memoria/internal/logging"
)

// Channel is one transport. Start must not block; inbound messages are
// pushed to the bus from a background goroutine.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// BaseChannel holds what every transport shares: its name, the bus and
// the sender allow-list.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom []string
	logger    *zap.Logger
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	return BaseChannel{
		name:      name,
		bus:       b,
		allowFrom: slices.Clone(allowFrom),
		logger:    zap.NewNop(),
	}
}

func (c *BaseChannel) Name() string { return c.name }

// IsAllowed reports whether senderID may talk to the bot. An empty
// allow-list admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	return slices.Contains(c.allowFrom, senderID)
}

func (c *BaseChannel) SetLogger(l *zap.Logger) {
	c.logger = logging.OrNop(l).Named(c.name)
}
