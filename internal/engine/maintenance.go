package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/memoria/internal/memory"
	"github.com/stellarlinkco/memoria/internal/metrics"
)

// MaintenanceReport summarizes one RunMaintenance pass.
type MaintenanceReport struct {
	Users   int           `json:"users"`
	Input   int           `json:"input"`
	Output  int           `json:"output"`
	Merged  int           `json:"merged"` // duplicates plus consolidated records
	Pruned  int           `json:"pruned"`
	Skipped int           `json:"skipped"`
	Failed  int           `json:"failed"`
	Took    time.Duration `json:"took"`
}

// RunInsightTick synthesizes at most one insight and persists it together
// with the global stats.
func (e *Engine) RunInsightTick(ctx context.Context) (memory.Insight, bool) {
	e.maintMu.Lock()
	defer e.maintMu.Unlock()

	ins, ok := e.agg.Tick(e.now())
	if ok {
		metrics.InsightsGenerated.Inc()
		if err := e.store.AppendInsight(ctx, ins); err != nil {
			e.fault("append_insight", err)
		}
		e.logger.Debug("insight generated", zap.String("topic", ins.Topic), zap.String("kind", ins.Kind))
	}
	if err := e.store.PutGlobalStats(ctx, e.agg.Stats()); err != nil {
		e.fault("put_stats", err)
	}
	return ins, ok
}

// RunMaintenance optimizes and prunes every user's memory records. Users
// are processed concurrently, each under its own lock. Only cancellation
// aborts the pass; per-user storage failures are logged and counted.
func (e *Engine) RunMaintenance(ctx context.Context) (MaintenanceReport, error) {
	e.maintMu.Lock()
	defer e.maintMu.Unlock()

	start := time.Now()
	now := e.now()

	users := e.knownUsers()
	stored, err := e.store.ListUsers(ctx)
	if err != nil {
		e.fault("list_users", err)
	}
	for _, id := range stored {
		if !slices.Contains(users, id) {
			users = append(users, id)
		}
	}
	slices.Sort(users)

	var (
		mu     sync.Mutex
		report = MaintenanceReport{Users: len(users)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, userID := range users {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r := e.maintainUser(gctx, userID, now)
			mu.Lock()
			report.Input += r.Input
			report.Output += r.Output
			report.Merged += r.Merged
			report.Pruned += r.Pruned
			report.Skipped += r.Skipped
			report.Failed += r.Failed
			mu.Unlock()
			return nil
		})
	}
	waitErr := g.Wait()

	report.Took = time.Since(start)
	metrics.MaintenanceDuration.Observe(report.Took.Seconds())
	metrics.MemoriesMerged.Add(float64(report.Merged))
	metrics.MemoriesPruned.Add(float64(report.Pruned))

	if waitErr != nil {
		e.logger.Warn("maintenance interrupted", zap.Error(waitErr))
		return report, waitErr
	}

	e.agg.RecordMaintenance(now, report.Pruned, report.Merged)
	if err := e.store.PutGlobalStats(ctx, e.agg.Stats()); err != nil {
		e.fault("put_stats", err)
	}
	e.logger.Info("maintenance finished",
		zap.Int("users", report.Users),
		zap.Int("merged", report.Merged),
		zap.Int("pruned", report.Pruned),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("took", report.Took),
	)
	return report, nil
}

func (e *Engine) maintainUser(ctx context.Context, userID string, now time.Time) MaintenanceReport {
	st := e.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	e.hydrateRecords(ctx, userID, st)

	var r MaintenanceReport
	if !st.recordsLoaded {
		// Rewriting records we could not read would lose them.
		r.Failed = 1
		return r
	}

	records := st.records.Records()
	optimized, ostats := memory.Optimize(records, now)
	kept, pstats := memory.Prune(optimized, e.retention, now)

	r.Input = len(records)
	r.Output = len(kept)
	r.Merged = ostats.Duplicates + ostats.Merged
	r.Pruned = pstats.Removed
	r.Skipped = ostats.Skipped

	st.records.Replace(kept)
	if len(records) == 0 && !st.dirty {
		return r
	}
	if err := e.store.ReplaceMemories(ctx, userID, kept); err != nil {
		e.fault("replace_memories", err, zap.String("user", userID))
		r.Failed = 1
		return r
	}
	st.dirty = false
	return r
}

// Flush writes records whose access fields changed and the global stats.
// It is called on shutdown after the scheduler has stopped.
func (e *Engine) Flush(ctx context.Context) error {
	var errs []error
	for _, userID := range e.knownUsers() {
		st := e.state(userID)
		st.mu.Lock()
		if st.dirty && st.recordsLoaded {
			if err := e.store.ReplaceMemories(ctx, userID, st.records.Records()); err != nil {
				e.fault("replace_memories", err, zap.String("user", userID))
				errs = append(errs, err)
			} else {
				st.dirty = false
			}
		}
		st.mu.Unlock()
	}
	if err := e.store.PutGlobalStats(ctx, e.agg.Stats()); err != nil {
		e.fault("put_stats", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
