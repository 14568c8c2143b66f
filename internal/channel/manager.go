package channel

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/stellarlinkco/memoria/internal/bus"
	"github.com/stellarlinkco/memoria/internal/config"
	"github.com/stellarlinkco/memoria/internal/logging"
)

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	logger   *zap.Logger
}

func NewChannelManager(cfg config.ChannelsConfig, b *bus.MessageBus, logger *zap.Logger) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
		logger:   logging.OrNop(logger).Named("channels"),
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram, b)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		ch.SetLogger(logger)
		m.Register(ch)
	}

	b.OnDropped(func(msg bus.OutboundMessage) {
		m.logger.Warn("no channel for outbound message", zap.String("channel", msg.Channel), zap.String("chat", msg.ChatID))
	})
	return m, nil
}

// Register adds ch and subscribes it to outbound messages for its name.
func (m *ChannelManager) Register(ch Channel) {
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
		if err := ch.Send(msg); err != nil {
			m.logger.Warn("send failed", zap.String("channel", ch.Name()), zap.Error(err))
		}
	})
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			m.logger.Info("starting channel", zap.String("channel", name))
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

// StopAll stops every channel. Errors are logged, not returned.
func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		m.logger.Info("stopping channel", zap.String("channel", name))
		if err := ch.Stop(); err != nil {
			m.logger.Warn("stop failed", zap.String("channel", name), zap.Error(err))
		}
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
