package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultRunTimeout = 60 * time.Second

// Refresher is the operation a scheduled tick triggers.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Scheduler triggers Refresh on a cron schedule. An empty schedule disables it.
type Scheduler struct {
	refresher Refresher
	logger    *zap.Logger
	schedule  string
	timeout   time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	running bool
	lastRun time.Time
	lastErr error
	runs    int
}

func NewScheduler(refresher Refresher, schedule string, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		refresher: refresher,
		logger:    logger,
		schedule:  schedule,
		timeout:   defaultRunTimeout,
	}
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.schedule == "" {
		s.logger.Info("Scheduler disabled, no refresh cron configured")
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger.Sugar()})))
	entry, err := c.AddFunc(s.schedule, s.runRefresh)
	if err != nil {
		return fmt.Errorf("scheduling refresh %q: %w", s.schedule, err)
	}
	c.Start()

	s.cron = c
	s.entry = entry
	s.running = true

	s.logger.Info("Scheduler started",
		zap.String("schedule", s.schedule),
		zap.Time("next_run", c.Entry(entry).Next))
	return nil
}

func (s *Scheduler) runRefresh() {
	startTime := time.Now()
	s.logger.Info("Starting scheduled refresh", zap.Time("start_time", startTime))

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	err := s.refresher.Refresh(ctx)

	s.mu.Lock()
	s.lastRun = startTime
	s.lastErr = err
	s.runs++
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Scheduled refresh failed",
			zap.Error(err),
			zap.Duration("duration", time.Since(startTime)))
		return
	}
	s.logger.Info("Scheduled refresh completed",
		zap.Duration("duration", time.Since(startTime)))
}

// Stop halts future ticks and waits for a running refresh to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c := s.cron
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Stopping scheduler")
	<-c.Stop().Done()
}

func (s *Scheduler) ForceRun() {
	s.logger.Info("Manually triggering refresh")
	go s.runRefresh()
}

func (s *Scheduler) GetStatus() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := map[string]interface{}{
		"running":  s.running,
		"schedule": s.schedule,
		"last_run": s.lastRun,
		"runs":     s.runs,
	}
	if s.lastErr != nil {
		status["last_error"] = s.lastErr.Error()
	}
	if s.running {
		status["next_run"] = s.cron.Entry(s.entry).Next
	}
	return status
}

// cronLogger routes cron's own messages into zap.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
