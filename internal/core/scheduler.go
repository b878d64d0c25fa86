package core

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cropdoc/cropdoc/internal/logger"
)

// Scheduler runs periodic background jobs (quality probes, advice refresh).
// Jobs receive a context that is cancelled when the scheduler stops.
type Scheduler struct {
	c      *cron.Cron
	log    *logger.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// cronLogger adapts the zap wrapper to cron.Logger.
type cronLogger struct{ l *logger.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) { c.l.Debug(msg, kv...) }
func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error(msg, append(kv, "error", err)...)
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	log = log.With("component", "scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{l: log}
	return &Scheduler{
		c:      cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every registers fn to run at a fixed interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	_, err := s.c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if s.ctx.Err() != nil {
			return
		}
		s.log.Debug("running job", "job", name)
		fn(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	return nil
}

// Start begins running jobs.
func (s *Scheduler) Start() { s.c.Start() }

// Stop cancels job contexts and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.c.Stop().Done()
}
