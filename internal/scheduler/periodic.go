package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Periodic runs named background jobs on cron schedules such as
// "@every 1h" or "0 * * * *". A job that is still running when its next
// tick arrives is skipped.
type Periodic struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPeriodic creates an idle periodic runner.
func NewPeriodic() *Periodic {
	logger := cron.PrintfLogger(slogPrintf{})
	ctx, cancel := context.WithCancel(context.Background())
	return &Periodic{
		cron: cron.New(cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every registers job under name with the given cron spec.
func (p *Periodic) Every(name, spec string, job func(ctx context.Context)) error {
	_, err := p.cron.AddFunc(spec, func() {
		start := time.Now()
		job(p.ctx)
		slog.Debug("periodic job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	slog.Info("periodic job registered", "job", name, "schedule", spec)
	return nil
}

// Start begins running jobs in the background.
func (p *Periodic) Start() {
	p.cron.Start()
}

// Stop prevents new runs and waits for in-flight jobs until ctx is done.
// Jobs still running at the deadline see their context cancelled.
func (p *Periodic) Stop(ctx context.Context) error {
	done := p.cron.Stop()
	defer p.cancel()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// slogPrintf routes cron's internal logging through slog.
type slogPrintf struct{}

func (slogPrintf) Printf(format string, args ...interface{}) {
	slog.Warn(fmt.Sprintf(format, args...), "component", "cron")
}
