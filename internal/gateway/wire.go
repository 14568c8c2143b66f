package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/stellarlinkco/memoria/internal/config"
	"github.com/stellarlinkco/memoria/internal/engine"
	"github.com/stellarlinkco/memoria/internal/insight"
	"github.com/stellarlinkco/memoria/internal/session"
	"github.com/stellarlinkco/memoria/internal/storage"
)

// OpenStore opens the backend named in cfg.Storage with the memory caps
// from cfg.Memory.
func OpenStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	store, err := storage.Open(ctx, cfg.Storage, storage.Limits{
		ConversationCap: cfg.Memory.ConversationCap,
		InsightCap:      cfg.Memory.InsightCap,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	return store, nil
}

// NewEngine builds an engine on store using the memory settings in cfg.
func NewEngine(ctx context.Context, cfg *config.Config, store storage.Store, logger *zap.Logger) (*engine.Engine, error) {
	sel, err := insight.NewSelector(cfg.Memory.InsightSelector, cfg.Memory.InsightSeed)
	if err != nil {
		return nil, err
	}
	return engine.New(ctx, engine.Options{
		Store:                  store,
		Logger:                 logger,
		PromotionThreshold:     cfg.Memory.PromotionThreshold,
		RetentionDays:          cfg.Memory.RetentionDays,
		ConversationCap:        cfg.Memory.ConversationCap,
		MaintenanceConcurrency: cfg.Memory.MaintenanceConcurrency,
		Insight: insight.Options{
			Cap:          cfg.Memory.InsightCap,
			ActiveWindow: cfg.Memory.ActiveWindowDuration(),
			Selector:     sel,
		},
		Sessions: session.NewManager(),
	})
}

// OpenEngine is OpenStore followed by NewEngine. The caller closes the
// returned store.
func OpenEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*engine.Engine, storage.Store, error) {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	eng, err := NewEngine(ctx, cfg, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return eng, store, nil
}
