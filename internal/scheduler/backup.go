package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dhaneshraok/optionflow/internal/reliability"
)

// BackupJob runs the daily local backup and, when object storage is
// configured, uploads an archive and rotates old ones
type BackupJob struct {
	log           zerolog.Logger
	backups       *reliability.BackupService
	cloud         *reliability.CloudBackupService // nil disables cloud upload
	retentionDays int
}

// NewBackupJob creates a new backup job
func NewBackupJob(backups *reliability.BackupService, cloud *reliability.CloudBackupService, retentionDays int, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		log:           log.With().Str("job", "backup").Logger(),
		backups:       backups,
		cloud:         cloud,
		retentionDays: retentionDays,
	}
}

// Name returns the job name
func (j *BackupJob) Name() string {
	return "backup"
}

// Run executes the backup cycle
func (j *BackupJob) Run() error {
	if err := j.backups.DailyBackup(); err != nil {
		return err
	}

	if j.cloud == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := j.cloud.CreateAndUploadBackup(ctx); err != nil {
		return err
	}
	if err := j.cloud.RotateOldBackups(ctx, j.retentionDays); err != nil {
		j.log.Error().Err(err).Msg("Backup rotation failed")
		// Upload succeeded, rotation failure is not fatal
	}
	return nil
}
