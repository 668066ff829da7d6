package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dhaneshraok/optionflow/internal/modules/feed"
)

// FeedFlushJob drains the feed outbox to the activity-feed service
type FeedFlushJob struct {
	log       zerolog.Logger
	publisher *feed.Publisher
}

// NewFeedFlushJob creates a new feed flush job
func NewFeedFlushJob(publisher *feed.Publisher, log zerolog.Logger) *FeedFlushJob {
	return &FeedFlushJob{
		log:       log.With().Str("job", "feed_flush").Logger(),
		publisher: publisher,
	}
}

// Name returns the job name
func (j *FeedFlushJob) Name() string {
	return "feed_flush"
}

// Run delivers pending outbox entries in order
func (j *FeedFlushJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	delivered, err := j.publisher.Flush(ctx)
	if delivered > 0 {
		j.log.Debug().Int("delivered", delivered).Msg("Flushed feed outbox")
	}
	return err
}
