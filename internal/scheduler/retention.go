package scheduler

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/dhaneshraok/optionflow/internal/modules/copytrade"
	"github.com/dhaneshraok/optionflow/internal/modules/feed"
)

// RetentionJob prunes old copy-dispatch records and delivered feed
// outbox entries. Dispatch rows must outlive the daily copy window, so
// the retention period is never shorter than 24 hours.
type RetentionJob struct {
	log        zerolog.Logger
	dispatches *copytrade.DispatchRepository
	outbox     *feed.OutboxRepository
	retention  time.Duration
}

// NewRetentionJob creates a new retention job
func NewRetentionJob(dispatches *copytrade.DispatchRepository, outbox *feed.OutboxRepository, retention time.Duration, log zerolog.Logger) *RetentionJob {
	if retention < 24*time.Hour {
		retention = 24 * time.Hour
	}
	return &RetentionJob{
		log:        log.With().Str("job", "retention").Logger(),
		dispatches: dispatches,
		outbox:     outbox,
		retention:  retention,
	}
}

// Name returns the job name
func (j *RetentionJob) Name() string {
	return "retention"
}

// Run deletes records older than the retention period
func (j *RetentionJob) Run() error {
	dispatchesDeleted, err := j.dispatches.DeleteOlderThan(j.retention)
	if err != nil {
		return err
	}

	outboxDeleted, err := j.outbox.DeleteDeliveredOlderThan(j.retention)
	if err != nil {
		return err
	}

	if dispatchesDeleted > 0 || outboxDeleted > 0 {
		j.log.Info().
			Int64("dispatches_deleted", dispatchesDeleted).
			Int64("outbox_deleted", outboxDeleted).
			Msg("Pruned old records")
	}

	return nil
}
