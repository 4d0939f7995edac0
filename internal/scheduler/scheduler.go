// Package scheduler keeps one recurring timer per source that submits a recent-updates
// job on every tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/seriesfetch/internal/dispatcher"
	"github.com/JakeFAU/seriesfetch/internal/scraper"
)

// State is the scheduling state of one source.
type State string

// Source states. A stopped source keeps its registration and interval; an
// unscheduled source has neither.
const (
	StateUnscheduled State = "unscheduled"
	StateStopped     State = "stopped"
	StateRunning     State = "running"
)

// ErrNotScheduled is returned when pausing a source that has no timer.
var ErrNotScheduled = errors.New("source is not scheduled")

const submitTimeout = 10 * time.Second

// Sources is the part of the persistence gateway the scheduler reads.
type Sources interface {
	ActiveSources(ctx context.Context) ([]scraper.Source, error)
	GetSource(ctx context.Context, id string) (scraper.Source, error)
}

// Submitter admits jobs.
type Submitter interface {
	Submit(ctx context.Context, req dispatcher.Request) ([]scraper.Job, error)
}

// Config controls interval handling.
type Config struct {
	// IntervalUnit is the duration of one interval step. Defaults to a minute.
	IntervalUnit time.Duration
	// DefaultInterval is used for sources without a positive scan interval.
	DefaultInterval int
}

// SourceSchedule describes one source's timer.
type SourceSchedule struct {
	SourceID        string     `json:"source_id"`
	State           State      `json:"state"`
	IntervalMinutes int        `json:"interval_minutes"`
	NextRun         *time.Time `json:"next_run,omitempty"`
}

type entry struct {
	interval int
	state    State
	cronID   cron.EntryID
}

// Scheduler owns a cron runner with at most one live entry per source.
type Scheduler struct {
	cfg       Config
	sources   Sources
	submitter Submitter
	logger    *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]*entry
}

// New constructs a Scheduler and starts its cron runner. Call Close to stop it.
func New(cfg Config, sources Sources, submitter Submitter, logger *zap.Logger) (*Scheduler, error) {
	if sources == nil {
		return nil, errors.New("sources are required")
	}
	if submitter == nil {
		return nil, errors.New("submitter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IntervalUnit <= 0 {
		cfg.IntervalUnit = time.Minute
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = 30
	}
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{logger.Sugar()})))
	c.Start()
	return &Scheduler{
		cfg:       cfg,
		sources:   sources,
		submitter: submitter,
		logger:    logger,
		cron:      c,
		entries:   make(map[string]*entry),
	}, nil
}

// StartAll schedules every active source that is not already running and returns
// how many timers were started.
func (s *Scheduler) StartAll(ctx context.Context) (int, error) {
	sources, err := s.sources.ActiveSources(ctx)
	if err != nil {
		return 0, fmt.Errorf("load active sources: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	started := 0
	for _, src := range sources {
		if e, ok := s.entries[src.ID]; ok && e.state == StateRunning {
			continue
		}
		s.scheduleLocked(src.ID, s.intervalFor(src))
		started++
	}
	s.logger.Info("scheduler started", zap.Int("started", started), zap.Int("active_sources", len(sources)))
	return started, nil
}

// StopAll cancels and discards every timer. Jobs already admitted keep running.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		s.cron.Remove(e.cronID)
		delete(s.entries, id)
	}
	s.logger.Info("scheduler stopped")
}

// StartSource starts the timer of one active source. It is a no-op when the source is
// already running; a stopped source resumes with its stored interval.
func (s *Scheduler) StartSource(ctx context.Context, id string) error {
	src, err := s.activeSource(ctx, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	interval := s.intervalFor(src)
	if e, ok := s.entries[id]; ok {
		if e.state == StateRunning {
			return nil
		}
		interval = e.interval
	}
	s.scheduleLocked(id, interval)
	return nil
}

// PauseSource cancels the source's timer but keeps its registration.
func (s *Scheduler) PauseSource(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotScheduled, id)
	}
	if e.state == StateRunning {
		s.cron.Remove(e.cronID)
		e.cronID = 0
		e.state = StateStopped
		s.logger.Info("source paused", zap.String("source_id", id))
	}
	return nil
}

// UpdateInterval replaces the source's timer with one ticking every minutes intervals.
// A stopped source keeps the new interval for its next start; an unscheduled source is
// started.
func (s *Scheduler) UpdateInterval(ctx context.Context, id string, minutes int) error {
	if minutes < 1 {
		return fmt.Errorf("%w: interval must be at least 1, got %d", scraper.ErrConfig, minutes)
	}
	s.mu.Lock()
	_, registered := s.entries[id]
	if registered {
		defer s.mu.Unlock()
		return s.applyIntervalLocked(id, minutes, true)
	}
	s.mu.Unlock()

	if _, err := s.activeSource(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyIntervalLocked(id, minutes, false)
}

// applyIntervalLocked sets the interval against the entry as it is now. registered says
// whether the caller saw the source registered; a registration that vanished since was
// removed concurrently and stays removed.
func (s *Scheduler) applyIntervalLocked(id string, minutes int, registered bool) error {
	e, ok := s.entries[id]
	switch {
	case !ok && registered:
		return fmt.Errorf("%w: %s", ErrNotScheduled, id)
	case ok && e.state == StateStopped:
		e.interval = minutes
		return nil
	}
	s.scheduleLocked(id, minutes)
	return nil
}

// RemoveSource cancels and forgets the source's timer.
func (s *Scheduler) RemoveSource(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		s.cron.Remove(e.cronID)
		delete(s.entries, id)
		s.logger.Info("source removed from scheduler", zap.String("source_id", id))
	}
}

// State reports the scheduling state of a source.
func (s *Scheduler) State(id string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e.state
	}
	return StateUnscheduled
}

// List returns every registered source ordered by id.
func (s *Scheduler) List() []SourceSchedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SourceSchedule, 0, len(s.entries))
	for id, e := range s.entries {
		sched := SourceSchedule{SourceID: id, State: e.state, IntervalMinutes: e.interval}
		if e.state == StateRunning {
			if next := s.cron.Entry(e.cronID).Next; !next.IsZero() {
				sched.NextRun = &next
			}
		}
		out = append(out, sched)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Close stops all timers and the cron runner, waiting for running ticks.
func (s *Scheduler) Close() {
	s.StopAll()
	<-s.cron.Stop().Done()
}

// scheduleLocked installs a fresh running timer, removing any prior one first.
func (s *Scheduler) scheduleLocked(id string, interval int) {
	if e, ok := s.entries[id]; ok && e.cronID != 0 {
		s.cron.Remove(e.cronID)
	}
	every := time.Duration(interval) * s.cfg.IntervalUnit
	cronID := s.cron.Schedule(cron.Every(every), cron.FuncJob(func() { s.tick(id) }))
	s.entries[id] = &entry{interval: interval, state: StateRunning, cronID: cronID}
	s.logger.Info("source scheduled",
		zap.String("source_id", id),
		zap.Int("interval", interval),
		zap.Duration("every", every),
	)
}

func (s *Scheduler) tick(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	jobs, err := s.submitter.Submit(ctx, dispatcher.Request{
		SourceID: id,
		Kind:     scraper.JobKindRecent,
		Params:   scraper.JobParams{Page: 1},
	})
	if err != nil {
		s.logger.Error("scheduled submit failed", zap.String("source_id", id), zap.Error(err))
		return
	}
	for _, job := range jobs {
		s.logger.Debug("scheduled job submitted", zap.String("source_id", id), zap.String("job_id", job.ID))
	}
}

func (s *Scheduler) activeSource(ctx context.Context, id string) (scraper.Source, error) {
	src, err := s.sources.GetSource(ctx, id)
	if err != nil {
		if errors.Is(err, scraper.ErrSourceNotFound) {
			return scraper.Source{}, fmt.Errorf("%w: %w", scraper.ErrConfig, err)
		}
		return scraper.Source{}, fmt.Errorf("load source %s: %w", id, err)
	}
	if !src.Active {
		return scraper.Source{}, fmt.Errorf("%w: source %s is inactive", scraper.ErrConfig, id)
	}
	return src, nil
}

func (s *Scheduler) intervalFor(src scraper.Source) int {
	if src.ScanIntervalMinutes > 0 {
		return src.ScanIntervalMinutes
	}
	return s.cfg.DefaultInterval
}

// cronLogger routes cron's panic recovery output through zap.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
