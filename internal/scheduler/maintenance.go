package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/jvallis/helmsman/internal/database"
)

// WALCheckpointJob truncates the WAL files of the given databases so they
// never grow unbounded between restarts.
type WALCheckpointJob struct {
	databases []*database.DB
	log       zerolog.Logger
}

// NewWALCheckpointJob creates the WAL maintenance job.
func NewWALCheckpointJob(databases []*database.DB, log zerolog.Logger) *WALCheckpointJob {
	return &WALCheckpointJob{
		databases: databases,
		log:       log.With().Str("job", "wal_checkpoint").Logger(),
	}
}

// Name returns the job name.
func (j *WALCheckpointJob) Name() string {
	return "wal_checkpoint"
}

// Run checkpoints every database, continuing past individual failures.
func (j *WALCheckpointJob) Run() error {
	var firstErr error
	for _, db := range j.databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Error().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// HealthCheckJob runs integrity checks on the given databases.
type HealthCheckJob struct {
	databases []*database.DB
	timeout   time.Duration
	log       zerolog.Logger
}

// NewHealthCheckJob creates the database health check job.
func NewHealthCheckJob(databases []*database.DB, log zerolog.Logger) *HealthCheckJob {
	return &HealthCheckJob{
		databases: databases,
		timeout:   30 * time.Second,
		log:       log.With().Str("job", "health_check").Logger(),
	}
}

// Name returns the job name.
func (j *HealthCheckJob) Name() string {
	return "database_health_check"
}

// Run checks every database, continuing past individual failures.
func (j *HealthCheckJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	var firstErr error
	for _, db := range j.databases {
		if err := db.HealthCheck(ctx); err != nil {
			j.log.Error().Err(err).Str("database", db.Name()).Msg("Database health check failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
