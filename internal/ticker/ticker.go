// Package ticker drives the supervisor's periodic, non-task-dispatch work
// (integration engine polling) off cron-style schedules instead of a
// hand-rolled time.Ticker, the way the teacher's internal/cron package
// drives its own due-schedule scan.
package ticker

import (
	"log/slog"

	cronlib "github.com/robfig/cron/v3"
)

// Ticker wraps a robfig/cron scheduler for one or more named jobs, each
// specified with a standard cron expression or an "@every" duration spec.
type Ticker struct {
	cron   *cronlib.Cron
	logger *slog.Logger
}

// New creates a Ticker. logger may be nil, in which case slog.Default() is used.
func New(logger *slog.Logger) *Ticker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ticker{
		cron:   cronlib.New(),
		logger: logger,
	}
}

// AddFunc registers fn to run on the given schedule spec (e.g. "@every 30s",
// "0 */6 * * *"). Returns an error if spec doesn't parse.
func (t *Ticker) AddFunc(spec string, fn func()) error {
	_, err := t.cron.AddFunc(spec, fn)
	if err != nil {
		return err
	}
	t.logger.Info("ticker: job registered", "spec", spec)
	return nil
}

// Start begins running registered jobs in the background.
func (t *Ticker) Start() {
	t.cron.Start()
}

// Stop cancels the scheduler and blocks until any in-flight job completes.
func (t *Ticker) Stop() {
	<-t.cron.Stop().Done()
}
