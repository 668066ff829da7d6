package scheduler

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/dhaneshraok/optionflow/internal/modules/reconciler"
)

// StaleOrderSweepJob expires pending orders the broker never acknowledged
type StaleOrderSweepJob struct {
	log        zerolog.Logger
	reconciler *reconciler.Service
	maxAge     time.Duration
}

// NewStaleOrderSweepJob creates a new stale order sweep job
func NewStaleOrderSweepJob(reconcilerService *reconciler.Service, maxAge time.Duration, log zerolog.Logger) *StaleOrderSweepJob {
	return &StaleOrderSweepJob{
		log:        log.With().Str("job", "stale_order_sweep").Logger(),
		reconciler: reconcilerService,
		maxAge:     maxAge,
	}
}

// Name returns the job name
func (j *StaleOrderSweepJob) Name() string {
	return "stale_order_sweep"
}

// Run marks pending orders older than the cutoff as unknown
func (j *StaleOrderSweepJob) Run() error {
	return j.reconciler.ExpireStaleOrders(j.maxAge)
}
