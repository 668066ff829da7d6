package scheduler

import (
	"github.com/rs/zerolog"

	"github.com/dhaneshraok/optionflow/internal/database"
)

// MaintenanceJob checkpoints the WAL on every database to keep the
// write-ahead logs from growing unbounded
type MaintenanceJob struct {
	log       zerolog.Logger
	databases []*database.DB
}

// NewMaintenanceJob creates a new maintenance job
func NewMaintenanceJob(databases []*database.DB, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		log:       log.With().Str("job", "maintenance").Logger(),
		databases: databases,
	}
}

// Name returns the job name
func (j *MaintenanceJob) Name() string {
	return "maintenance"
}

// Run checkpoints each database in turn
func (j *MaintenanceJob) Run() error {
	for _, db := range j.databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			return err
		}
	}
	j.log.Debug().Int("databases", len(j.databases)).Msg("WAL checkpoint complete")
	return nil
}
