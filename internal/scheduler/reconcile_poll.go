package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dhaneshraok/optionflow/internal/modules/market_hours"
	"github.com/dhaneshraok/optionflow/internal/modules/reconciler"
)

// ReconcilePollJob drives the broker status poller. It ticks on a fast
// cron schedule and internally applies the market-hours cadence: one
// reconcile pass per poll interval, 1m while the session is open and
// 10m overnight by default.
type ReconcilePollJob struct {
	log         zerolog.Logger
	reconciler  *reconciler.Service
	marketHours *market_hours.Service

	mu      sync.Mutex
	lastRun time.Time
}

// NewReconcilePollJob creates a new reconcile poll job
func NewReconcilePollJob(reconcilerService *reconciler.Service, marketHours *market_hours.Service, log zerolog.Logger) *ReconcilePollJob {
	return &ReconcilePollJob{
		log:         log.With().Str("job", "reconcile_poll").Logger(),
		reconciler:  reconcilerService,
		marketHours: marketHours,
	}
}

// Name returns the job name
func (j *ReconcilePollJob) Name() string {
	return "reconcile_poll"
}

// Run executes one reconcile pass if the cadence is due
func (j *ReconcilePollJob) Run() error {
	now := time.Now()

	j.mu.Lock()
	interval := j.marketHours.PollInterval(now)
	if now.Sub(j.lastRun) < interval {
		j.mu.Unlock()
		return nil
	}
	j.lastRun = now
	j.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), interval)
	defer cancel()

	return j.reconciler.ReconcileAccounts(ctx)
}
