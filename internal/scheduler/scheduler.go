package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/conductor/internal/events"
)

// Config controls the tick loop.
type Config struct {
	// TickInterval is how often due instances are resumed.
	TickInterval time.Duration
	// Workers is how many goroutines claim instances concurrently per tick.
	Workers int
	// Retention is how long terminal instances are kept. Zero keeps them.
	Retention time.Duration
	// PruneEvery limits how often pruning runs.
	PruneEvery time.Duration
}

// Scheduler resumes due workflow instances on a fixed tick and recovers
// instances orphaned by a previous crash.
type Scheduler struct {
	cfg    Config
	runner Runner
	events *events.Hub
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	lastPrune time.Time
}

// New creates a new Scheduler instance.
func New(cfg Config, r Runner, hub *events.Hub, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.NewHub(128)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PruneEvery <= 0 {
		cfg.PruneEvery = time.Hour
	}
	return &Scheduler{
		cfg:    cfg,
		runner: r,
		events: hub,
		logger: logger.With("component", "scheduler"),
		stopCh: make(chan struct{}),
	}
}

// Start performs crash recovery and then begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "tick_interval", s.cfg.TickInterval.String(), "workers", s.cfg.Workers)

	if err := s.recoverOrphanedInstances(ctx); err != nil {
		return fmt.Errorf("scheduler crash recovery failed: %w", err)
	}

	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// Run is Start followed by blocking until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Scheduler) recoverOrphanedInstances(ctx context.Context) error {
	n, err := s.runner.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Warn("Re-queued orphaned workflow instances", "count", n)
	}
	return nil
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// tick resumes every due instance, then prunes if it is time to.
func (s *Scheduler) tick(ctx context.Context) {
	advanced := s.runDue(ctx)
	if advanced > 0 {
		s.logger.Debug("Scheduler tick", "advanced", advanced)
		s.events.Publish(events.SchedulerTick, map[string]any{
			"advanced": advanced,
			"at":       s.runner.Now(),
		})
	}
	s.maybePrune(ctx)
}

func (s *Scheduler) runDue(ctx context.Context) int {
	var (
		mu    sync.Mutex
		total int
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			n, err := s.runner.RunDue(gctx)
			mu.Lock()
			total += n
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		s.logger.Error("Failed to run due workflow instances", "error", err)
	}
	return total
}

func (s *Scheduler) maybePrune(ctx context.Context) {
	if s.cfg.Retention <= 0 {
		return
	}
	now := s.runner.Now()

	s.mu.Lock()
	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < s.cfg.PruneEvery {
		s.mu.Unlock()
		return
	}
	s.lastPrune = now
	s.mu.Unlock()

	n, err := s.runner.Prune(ctx, now.Add(-s.cfg.Retention))
	if err != nil {
		s.logger.Error("Failed to prune workflow instances", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("Pruned terminal workflow instances", "count", n)
	}
}
