// Package cron runs the engine's periodic jobs (insight ticks and memory
// maintenance) on cron schedules.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/stellarlinkco/memoria/internal/logging"
)

var (
	ErrDuplicateJob = errors.New("job already registered")
	ErrUnknownJob   = errors.New("job not found")
	ErrJobRunning   = errors.New("job is already running")
)

const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// parser accepts an optional seconds field and descriptors like "@every 5m".
var parser = rcron.NewParser(
	rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
)

// JobFunc is one unit of scheduled work.
type JobFunc func(ctx context.Context) error

type JobState struct {
	LastRunAtMs    int64  `json:"lastRunAtMs,omitempty"`
	LastDurationMs int64  `json:"lastDurationMs,omitempty"`
	LastStatus     string `json:"lastStatus,omitempty"`
	LastError      string `json:"lastError,omitempty"`
	Runs           int    `json:"runs"`
	Skips          int    `json:"skips"`
}

type Job struct {
	Name  string   `json:"name"`
	Spec  string   `json:"spec"`
	State JobState `json:"state"`
}

type registered struct {
	fn  JobFunc
	run sync.Mutex
}

type Service struct {
	storePath string
	logger    *zap.Logger

	mu       sync.Mutex
	jobs     []Job
	funcs    map[string]*registered
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job name -> cron entry ID
	runCtx   context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
}

// NewService returns a scheduler. Job state is persisted to storePath after
// every run; an empty path keeps it in memory only.
func NewService(storePath string, logger *zap.Logger) *Service {
	return &Service{
		storePath: storePath,
		logger:    logging.OrNop(logger).Named("cron"),
		funcs:     make(map[string]*registered),
		entryMap:  make(map[string]rcron.EntryID),
	}
}

// AddJob registers fn under name. If the service is running the job is
// scheduled immediately.
func (s *Service) AddJob(name, spec string, fn JobFunc) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if fn == nil {
		return fmt.Errorf("job %s: nil func", name)
	}
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("job %s: parse schedule %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.funcs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	s.funcs[name] = &registered{fn: fn}
	s.jobs = append(s.jobs, Job{Name: name, Spec: spec})
	if s.cron != nil {
		s.registerLocked(name, spec)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	cl := logging.NewCronLogger(s.logger)
	c := rcron.New(
		rcron.WithParser(parser),
		rcron.WithLogger(cl),
		rcron.WithChain(rcron.Recover(cl), rcron.SkipIfStillRunning(cl)),
	)

	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("scheduler already started")
	}
	if err := s.loadLocked(); err != nil {
		s.logger.Warn("failed to load job state", zap.Error(err))
	}
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = c
	for _, job := range s.jobs {
		s.registerLocked(job.Name, job.Spec)
	}
	count := len(s.jobs)
	s.mu.Unlock()

	c.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", count))

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

func (s *Service) registerLocked(name, spec string) {
	runCtx := s.runCtx
	id, err := s.cron.AddFunc(spec, func() {
		if err := s.execute(runCtx, name, false); err != nil && !errors.Is(err, ErrJobRunning) {
			s.logger.Debug("scheduled run failed", zap.String("job", name), zap.Error(err))
		}
	})
	if err != nil {
		s.logger.Error("failed to register job", zap.String("job", name), zap.String("spec", spec), zap.Error(err))
		return
	}
	s.entryMap[name] = id
}

// RunNow runs the named job synchronously, waiting for an in-flight
// scheduled run of the same job to finish first.
func (s *Service) RunNow(ctx context.Context, name string) error {
	return s.execute(ctx, name, true)
}

func (s *Service) execute(ctx context.Context, name string, wait bool) error {
	s.mu.Lock()
	reg, ok := s.funcs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	if wait {
		reg.run.Lock()
	} else if !reg.run.TryLock() {
		s.record(name, func(st *JobState) {
			st.Skips++
			st.LastStatus = StatusSkipped
		})
		s.logger.Debug("job still running, skipped", zap.String("job", name))
		return ErrJobRunning
	}
	defer reg.run.Unlock()

	start := time.Now()
	s.logger.Debug("executing job", zap.String("job", name))
	err := reg.fn(ctx)
	elapsed := time.Since(start)

	s.record(name, func(st *JobState) {
		st.Runs++
		st.LastRunAtMs = start.UnixMilli()
		st.LastDurationMs = elapsed.Milliseconds()
		if err != nil {
			st.LastStatus = StatusError
			st.LastError = err.Error()
		} else {
			st.LastStatus = StatusOK
			st.LastError = ""
		}
	})
	if err != nil {
		s.logger.Warn("job failed", zap.String("job", name), zap.Duration("took", elapsed), zap.Error(err))
		return err
	}
	s.logger.Info("job finished", zap.String("job", name), zap.Duration("took", elapsed))
	return nil
}

func (s *Service) record(name string, update func(*JobState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].Name == name {
			update(&s.jobs[i].State)
			break
		}
	}
	if err := s.saveLocked(); err != nil {
		s.logger.Warn("failed to save job state", zap.Error(err))
	}
}

// Stop halts scheduling and waits up to five seconds for running jobs.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.cron = nil
	s.entryMap = make(map[string]rcron.EntryID)
	s.mu.Unlock()

	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("stop timeout waiting for running jobs")
	}
	s.logger.Info("scheduler stopped")
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, len(s.jobs))
	copy(result, s.jobs)
	return result
}

// NextRun reports when the named job fires next. It is zero while the
// service is stopped.
func (s *Service) NextRun(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entryMap[name]
	if !ok || s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// loadLocked restores run state for jobs registered under the same name.
func (s *Service) loadLocked() error {
	if s.storePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var stored []Job
	if err := json.Unmarshal(data, &stored); err != nil {
		return err
	}
	states := make(map[string]JobState, len(stored))
	for _, j := range stored {
		states[j.Name] = j.State
	}
	for i := range s.jobs {
		if st, ok := states[s.jobs[i].Name]; ok {
			s.jobs[i].State = st
		}
	}
	return nil
}

func (s *Service) saveLocked() error {
	if s.storePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}
