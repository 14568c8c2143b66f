// Package gateway connects transports, the generation runtime and the
// memory engine, and runs the engine's scheduled jobs.
package gateway

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/memoria/internal/bus"
	"github.com/stellarlinkco/memoria/internal/channel"
	"github.com/stellarlinkco/memoria/internal/config"
	"github.com/stellarlinkco/memoria/internal/cron"
	"github.com/stellarlinkco/memoria/internal/engine"
	"github.com/stellarlinkco/memoria/internal/logging"
	"github.com/stellarlinkco/memoria/internal/metrics"
	"github.com/stellarlinkco/memoria/internal/storage"
)

const (
	defaultBufSize = 100

	JobInsightTick = "insight-tick"
	JobMaintenance = "maintenance"

	// CommandNewSession starts a fresh session for the sender.
	CommandNewSession = "/new"

	agentErrorReply = "Sorry, I encountered an error processing your message."
)

// Runtime interface for agent runtime (allows mocking in tests)
type Runtime interface {
	Run(ctx context.Context, req api.Request) (*api.Response, error)
	Close()
}

// runtimeAdapter wraps api.Runtime to implement Runtime interface
type runtimeAdapter struct {
	rt *api.Runtime
}

func (r *runtimeAdapter) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	return r.rt.Run(ctx, req)
}

func (r *runtimeAdapter) Close() {
	r.rt.Close()
}

// RuntimeFactory creates a Runtime instance
type RuntimeFactory func(cfg *config.Config, sysPrompt string) (Runtime, error)

// DefaultRuntimeFactory creates the default agentsdk-go runtime
func DefaultRuntimeFactory(cfg *config.Config, sysPrompt string) (Runtime, error) {
	var provider api.ModelFactory
	switch cfg.Provider.Type {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	}

	rt, err := api.New(context.Background(), api.Options{
		ProjectRoot:   cfg.Agent.Workspace,
		ModelFactory:  provider,
		SystemPrompt:  sysPrompt,
		MaxIterations: cfg.Agent.MaxToolIterations,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return &runtimeAdapter{rt: rt}, nil
}

// Options for creating a Gateway
type Options struct {
	RuntimeFactory RuntimeFactory
	SignalChan     chan os.Signal // for testing signal handling
	Logger         *zap.Logger
	// Store overrides the configured storage backend. The gateway closes
	// it on shutdown either way.
	Store storage.Store
	// CronStorePath overrides where job run state is kept.
	CronStorePath string
}

type Gateway struct {
	cfg        *config.Config
	logger     *zap.Logger
	bus        *bus.MessageBus
	runtime    Runtime
	assistant  *Assistant
	channels   *channel.ChannelManager
	cron       *cron.Service
	engine     *engine.Engine
	store      storage.Store
	metrics    *metrics.Server
	signalChan chan os.Signal // for testing

	shutdownOnce sync.Once
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	ctx := context.Background()
	g := &Gateway{
		cfg:        cfg,
		logger:     logging.OrNop(opts.Logger),
		signalChan: opts.SignalChan,
	}

	g.bus = bus.NewMessageBus(defaultBufSize)

	store := opts.Store
	if store == nil {
		var err error
		if store, err = OpenStore(ctx, cfg); err != nil {
			return nil, err
		}
	}
	g.store = store

	eng, err := NewEngine(ctx, cfg, store, g.logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create memory engine: %w", err)
	}
	g.engine = eng

	factory := opts.RuntimeFactory
	if factory == nil {
		factory = DefaultRuntimeFactory
	}
	rt, err := factory(cfg, g.buildSystemPrompt())
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	g.runtime = rt
	g.assistant = NewAssistant(eng, rt, g.logger)

	cronStorePath := opts.CronStorePath
	if cronStorePath == "" {
		cronStorePath = filepath.Join(config.ConfigDir(), "data", "cron", "jobs.json")
	}
	g.cron = cron.NewService(cronStorePath, g.logger)
	if err := g.registerJobs(); err != nil {
		_ = g.closeResources()
		return nil, err
	}

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus, g.logger)
	if err != nil {
		_ = g.closeResources()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	if cfg.Metrics.Enabled {
		addr := cfg.Metrics.Addr
		if addr == "" {
			addr = config.DefaultMetricsAddr
		}
		g.metrics = metrics.NewServer(addr, g.logger)
	}

	g.logger = g.logger.Named("gateway")
	return g, nil
}

func (g *Gateway) registerJobs() error {
	insightSpec := orDefault(g.cfg.Memory.InsightSchedule, config.DefaultInsightSchedule)
	if err := g.cron.AddJob(JobInsightTick, insightSpec, func(ctx context.Context) error {
		g.engine.RunInsightTick(ctx)
		return nil
	}); err != nil {
		return fmt.Errorf("register insight job: %w", err)
	}

	maintSpec := orDefault(g.cfg.Memory.MaintenanceSchedule, config.DefaultMaintenanceSchedule)
	if err := g.cron.AddJob(JobMaintenance, maintSpec, func(ctx context.Context) error {
		_, err := g.engine.RunMaintenance(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("register maintenance job: %w", err)
	}
	return nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// Engine exposes the memory engine, mainly for commands that share a
// gateway's wiring.
func (g *Gateway) Engine() *engine.Engine { return g.engine }

func (g *Gateway) buildSystemPrompt() string {
	return BuildSystemPrompt(g.cfg.Agent.Workspace, g.engine)
}

// Run starts every component and blocks until a signal arrives or ctx is
// done, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		g.bus.DispatchOutbound(gctx)
		return nil
	})
	grp.Go(func() error {
		g.processLoop(gctx)
		return nil
	})
	if g.metrics != nil {
		grp.Go(func() error {
			if err := g.metrics.Run(gctx); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if err := g.channels.StartAll(gctx); err != nil {
		cancel()
		_ = grp.Wait()
		_ = g.Shutdown()
		return fmt.Errorf("start channels: %w", err)
	}
	g.logger.Info("channels started", zap.Strings("channels", g.channels.EnabledChannels()))

	if err := g.cron.Start(gctx); err != nil {
		g.logger.Warn("scheduler start failed", zap.Error(err))
	}

	g.logger.Info("running",
		zap.String("storage", g.cfg.Storage.Driver),
		zap.Time("nextMaintenance", g.cron.NextRun(JobMaintenance)),
	)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-gctx.Done():
	}

	g.logger.Info("shutting down")
	cancel()
	runErr := grp.Wait()
	if err := g.Shutdown(); err != nil {
		g.logger.Warn("shutdown incomplete", zap.Error(err))
	}
	return runErr
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.handle(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// handle answers one inbound message and records the exchange.
func (g *Gateway) handle(ctx context.Context, msg bus.InboundMessage) {
	userID := msg.UserID()
	g.logger.Debug("inbound", zap.String("user", userID), zap.String("content", truncate(msg.Content, 80)))

	if strings.TrimSpace(msg.Content) == CommandNewSession {
		g.engine.ResetSession(userID)
		g.reply(ctx, msg, "Started a new session.")
		return
	}

	result, err := g.assistant.Reply(ctx, Exchange{
		UserID:        userID,
		SessionID:     msg.SessionKey(),
		Text:          msg.Content,
		FirstName:     msg.FirstName(),
		Username:      msg.Username(),
		Timestamp:     msg.Timestamp,
		ContentBlocks: msg.ContentBlocks,
	})
	if err != nil {
		g.logger.Warn("agent error", zap.String("user", userID), zap.Error(err))
		result = agentErrorReply
	}
	if result != "" {
		g.reply(ctx, msg, result)
	}
}

func (g *Gateway) reply(ctx context.Context, msg bus.InboundMessage, content string) {
	out := bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: content,
	}
	if err := g.bus.PublishOutbound(ctx, out); err != nil {
		g.logger.Debug("reply dropped", zap.String("chat", msg.ChatID), zap.Error(err))
	}
}

// Shutdown stops components in reverse start order, flushes the engine and
// closes the store. It is safe to call more than once.
func (g *Gateway) Shutdown() error {
	var err error
	g.shutdownOnce.Do(func() {
		if g.channels != nil {
			_ = g.channels.StopAll()
		}
		if g.cron != nil {
			g.cron.Stop()
		}
		err = g.closeResources()
		g.logger.Info("shutdown complete")
	})
	return err
}

func (g *Gateway) closeResources() error {
	var flushErr error
	if g.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		flushErr = g.engine.Flush(ctx)
		cancel()
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.Warn("close store failed", zap.Error(err))
		}
	}
	if g.runtime != nil {
		g.runtime.Close()
	}
	return flushErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
