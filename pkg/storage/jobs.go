// Package storage implements the PostgreSQL stores for ingestion jobs and
// persisted conversations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recallio/audio-ingest/pkg/errcode"
	"github.com/recallio/audio-ingest/pkg/models"
)

// ErrJobNotFound is returned when no job row exists for the given key.
var ErrJobNotFound = errors.New("job not found")

const jobColumns = `id, external_event_id, trace_id, source_bucket, source_key,
	checksum, schema_version, status, COALESCE(error_code, ''), COALESCE(error_message, ''),
	retry_count, max_retries, priority, COALESCE(producer_service, ''),
	COALESCE(producer_instance, ''), created_at, started_at, completed_at, last_error_at,
	file_size_bytes, processing_duration_ms, processing_metadata, conversation_id`

// JobStore persists ingestion job rows. One row exists per external_event_id;
// the unique constraint is the duplicate-detection primitive.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore creates a JobStore over the shared pool.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

// CreateOrGet inserts the job row for an event, or loads the existing row
// when the external_event_id was seen before. The second return value reports
// whether this call created the row.
func (s *JobStore) CreateOrGet(ctx context.Context, ev *models.Event, maxRetries int) (*models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO ingestion_jobs (
			external_event_id, trace_id, source_bucket, source_key, checksum,
			schema_version, status, retry_count, max_retries, priority,
			producer_service, producer_instance
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (external_event_id) DO NOTHING
		RETURNING `+jobColumns,
		ev.ExternalEventID, ev.TraceID, ev.Bucket, ev.ObjectKey, ev.Checksum,
		ev.SchemaVersion, models.JobStatusPending, ev.RetryCount, maxRetries,
		ev.Priority, ev.Producer.Service, ev.Producer.Instance,
	)

	job, err := scanJob(row)
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("inserting job: %w", err)
	}

	job, err = s.GetByExternalEventID(ctx, ev.ExternalEventID)
	if err != nil {
		return nil, false, err
	}
	return job, false, nil
}

// GetByExternalEventID loads one job row.
func (s *JobStore) GetByExternalEventID(ctx context.Context, externalEventID string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM ingestion_jobs WHERE external_event_id = $1`,
		externalEventID,
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, externalEventID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}
	return job, nil
}

// SetStatus advances a non-terminal job to the given progress status.
// started_at is stamped on the first transition out of pending.
func (s *JobStore) SetStatus(ctx context.Context, jobID string, status models.JobStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingestion_jobs
		SET status = $2, started_at = COALESCE(started_at, now())
		WHERE id = $1 AND status NOT IN ($3, $4)`,
		jobID, status, models.JobStatusCompleted, models.JobStatusFailed,
	)
	if err != nil {
		return fmt.Errorf("updating job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w or already terminal: %s", ErrJobNotFound, jobID)
	}
	return nil
}

// MarkCompleted finalizes a successful job. The terminal-status guard keeps a
// late duplicate worker from rewriting history.
func (s *JobStore) MarkCompleted(ctx context.Context, jobID, conversationID string, durationMS int64, fileSizeBytes *int64, meta models.ProcessingMetadata) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingestion_jobs
		SET status = $2, conversation_id = $3, completed_at = now(),
		    processing_duration_ms = $4, file_size_bytes = COALESCE($5, file_size_bytes),
		    processing_metadata = $6, error_code = NULL, error_message = NULL
		WHERE id = $1 AND status NOT IN ($7, $8)`,
		jobID, models.JobStatusCompleted, conversationID, durationMS,
		fileSizeBytes, meta, models.JobStatusCompleted, models.JobStatusFailed,
	)
	if err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w or already terminal: %s", ErrJobNotFound, jobID)
	}
	return nil
}

// MarkFailed records a terminal failure.
func (s *JobStore) MarkFailed(ctx context.Context, jobID string, code errcode.Code, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ingestion_jobs
		SET status = $2, error_code = $3, error_message = $4,
		    last_error_at = now(), completed_at = now()
		WHERE id = $1 AND status NOT IN ($5, $6)`,
		jobID, models.JobStatusFailed, code, truncate(message, 2000),
		models.JobStatusCompleted, models.JobStatusFailed,
	)
	if err != nil {
		return fmt.Errorf("failing job: %w", err)
	}
	return nil
}

// MarkRetry records a retryable failure, increments the attempt counter, and
// returns the new count so the caller can decide whether retries are spent.
func (s *JobStore) MarkRetry(ctx context.Context, jobID string, code errcode.Code, message string) (int, error) {
	var retryCount int
	err := s.pool.QueryRow(ctx, `
		UPDATE ingestion_jobs
		SET status = $2, error_code = $3, error_message = $4,
		    retry_count = retry_count + 1, last_error_at = now()
		WHERE id = $1 AND status NOT IN ($5, $6)
		RETURNING retry_count`,
		jobID, models.JobStatusRetry, code, truncate(message, 2000),
		models.JobStatusCompleted, models.JobStatusFailed,
	).Scan(&retryCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w or already terminal: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return 0, fmt.Errorf("recording retry: %w", err)
	}
	return retryCount, nil
}

// CountByStatus returns how many jobs sit in each status, for diagnostics.
func (s *JobStore) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM ingestion_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status models.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning job counts: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	var createdAt time.Time
	err := row.Scan(
		&job.ID, &job.ExternalEventID, &job.TraceID, &job.SourceBucket, &job.SourceKey,
		&job.Checksum, &job.SchemaVersion, &job.Status, &job.ErrorCode, &job.ErrorMessage,
		&job.RetryCount, &job.MaxRetries, &job.Priority, &job.ProducerService,
		&job.ProducerInstance, &createdAt, &job.StartedAt, &job.CompletedAt, &job.LastErrorAt,
		&job.FileSizeBytes, &job.ProcessingDurationMS, &job.ProcessingMetadata, &job.ConversationID,
	)
	if err != nil {
		return nil, err
	}
	job.CreatedAt = createdAt
	return &job, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
