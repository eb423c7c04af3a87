// ABOUTME: Dead-letter records for jobs that exhausted their retries
// ABOUTME: Written by terminal-failure hooks, read by operators

package store

import (
	"context"
	"fmt"
	"time"
)

// RecordFailedJob persists a dead-letter entry.
func (s *SQLiteStore) RecordFailedJob(ctx context.Context, job *FailedJob) error {
	if job.FailedAt.IsZero() {
		job.FailedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO failed_jobs (job_type, payload, error, attempts, failed_at)
		VALUES (?, ?, ?, ?, ?)
	`, job.JobType, job.Payload, job.Error, job.Attempts, formatTime(job.FailedAt))
	if err != nil {
		return fmt.Errorf("inserting failed job: %w", err)
	}

	job.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading failed job id: %w", err)
	}
	return nil
}

// ListFailedJobs returns the most recent dead-letter entries, newest first.
// If limit is 0 or negative, all entries are returned.
func (s *SQLiteStore) ListFailedJobs(ctx context.Context, limit int) ([]*FailedJob, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_type, payload, error, attempts, failed_at
		FROM failed_jobs
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying failed jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*FailedJob
	for rows.Next() {
		var job FailedJob
		var failedAt string
		if err := rows.Scan(&job.ID, &job.JobType, &job.Payload, &job.Error, &job.Attempts, &failedAt); err != nil {
			return nil, fmt.Errorf("scanning failed job row: %w", err)
		}
		if job.FailedAt, err = parseTime(failedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating failed job rows: %w", err)
	}
	return jobs, nil
}
