// Package scheduler runs named housekeeping jobs on fixed intervals.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fleetsync/pkg/logger"
)

// Job is a unit of periodic work. Run receives a context that is cancelled
// when the scheduler stops.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type task struct {
	job     Job
	nextRun time.Time
	running bool
}

type Scheduler struct {
	tasks  map[string]*task
	mu     sync.Mutex
	logger logger.Logger
	tick   time.Duration
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler returns a scheduler that checks for due jobs every tick.
func NewScheduler(log logger.Logger, tick time.Duration) *Scheduler {
	if log == nil {
		log = logger.NewNop()
	}
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{
		tasks:  make(map[string]*task),
		logger: log.With(map[string]interface{}{"component": "scheduler"}),
		tick:   tick,
		now:    time.Now,
	}
}

// Schedule registers job, replacing any job with the same name. The first run
// is one interval from now.
func (s *Scheduler) Schedule(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("scheduler: job needs a name and a run function")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("scheduler: job %q needs a positive interval", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[job.Name] = &task{job: job, nextRun: s.now().Add(job.Interval)}

	s.logger.Info("Scheduled job", map[string]interface{}{
		"job":      job.Name,
		"interval": job.Interval.String(),
	})
	return nil
}

// Start launches the scheduling loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	ticker := time.NewTicker(s.tick)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.processTasks(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("Scheduler started", nil)
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) processTasks(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, t := range s.tasks {
		if t.running || now.Before(t.nextRun) {
			continue
		}
		t.running = true
		t.nextRun = now.Add(t.job.Interval)
		s.execute(ctx, t)
	}
}

// execute runs t outside the scheduler lock; a slow job delays only its own
// next run.
func (s *Scheduler) execute(ctx context.Context, t *task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		start := s.now()
		err := t.job.Run(ctx)

		s.mu.Lock()
		t.running = false
		s.mu.Unlock()

		if err != nil && ctx.Err() == nil {
			s.logger.Error("Job failed", map[string]interface{}{
				"job":   t.job.Name,
				"error": err.Error(),
			})
			return
		}
		s.logger.Debug("Job finished", map[string]interface{}{
			"job":         t.job.Name,
			"duration_ms": s.now().Sub(start).Milliseconds(),
		})
	}()
}
