package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/crop-copilot-be/internal/domain"
	"github.com/cuongbtq/crop-copilot-be/internal/storage"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is a relational storage.Store. Queries are written with '?'
// placeholders and rebound for the driver in use.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New wraps an open database whose schema has been migrated
func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// jobRecord is one input joined with its job
type jobRecord struct {
	InputID        string         `db:"input_id"`
	UserID         string         `db:"user_id"`
	InputType      string         `db:"input_type"`
	Payload        string         `db:"payload"`
	IdempotencyKey string         `db:"idempotency_key"`
	InputCreatedAt int64          `db:"input_created_at"`
	InputUpdatedAt int64          `db:"input_updated_at"`
	JobID          string         `db:"job_id"`
	Status         string         `db:"status"`
	FailureReason  sql.NullString `db:"failure_reason"`
	Result         sql.NullString `db:"result"`
	DispatchedAt   sql.NullInt64  `db:"dispatched_at"`
	JobUpdatedAt   int64          `db:"job_updated_at"`
}

const selectJobRecords = `
	SELECT
		i.input_id, i.user_id, i.input_type, i.payload, i.idempotency_key,
		i.created_at AS input_created_at, i.updated_at AS input_updated_at,
		j.job_id, j.status, j.failure_reason, j.result, j.dispatched_at,
		j.updated_at AS job_updated_at
	FROM inputs i
	JOIN jobs j ON j.input_id = i.input_id
`

func (s *Store) timestamp() time.Time {
	return domain.StoreTime(s.now())
}

func (s *Store) EnqueueInput(ctx context.Context, userID string, cmd domain.CreateInputCommand) (*domain.EnqueueResult, error) {
	normalizedKey := domain.NormalizeIdempotencyKey(cmd.IdempotencyKey)

	payload, err := json.Marshal(cmd.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input payload: %w", err)
	}

	now := s.timestamp()
	inputID := uuid.NewString()
	acceptedAt := now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO inputs (
			input_id, user_id, input_type, payload,
			idempotency_key, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, idempotency_key) DO NOTHING
	`),
		inputID,
		userID,
		string(cmd.Type),
		string(payload),
		normalizedKey,
		now.UnixMicro(),
		now.UnixMicro(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert input: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read insert result: %w", err)
	}

	if inserted == 0 {
		var existing struct {
			InputID      string         `db:"input_id"`
			CreatedAt    int64          `db:"created_at"`
			JobID        sql.NullString `db:"job_id"`
			Status       sql.NullString `db:"status"`
			DispatchedAt sql.NullInt64  `db:"dispatched_at"`
		}
		err := tx.GetContext(ctx, &existing, tx.Rebind(`
			SELECT i.input_id, i.created_at, j.job_id, j.status, j.dispatched_at
			FROM inputs i
			LEFT JOIN jobs j ON j.input_id = i.input_id
			WHERE i.user_id = ? AND i.idempotency_key = ?
		`), userID, normalizedKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load existing input: %w", err)
		}

		if existing.JobID.Valid {
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("failed to commit transaction: %w", err)
			}
			return &domain.EnqueueResult{
				InputID:    existing.InputID,
				JobID:      existing.JobID.String,
				Status:     domain.JobStatus(existing.Status.String),
				AcceptedAt: fromMicros(existing.CreatedAt),
				Dispatched: existing.DispatchedAt.Valid,
			}, nil
		}

		// The input outlived its job; give it a fresh one.
		inputID = existing.InputID
		acceptedAt = fromMicros(existing.CreatedAt)
	}

	jobID := uuid.NewString()
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO jobs (
			job_id, input_id, user_id, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`),
		jobID,
		inputID,
		userID,
		string(domain.JobStatusQueued),
		now.UnixMicro(),
		now.UnixMicro(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &domain.EnqueueResult{
		InputID:    inputID,
		JobID:      jobID,
		Status:     domain.JobStatusQueued,
		AcceptedAt: acceptedAt,
		Created:    true,
	}, nil
}

func (s *Store) GetJobStatus(ctx context.Context, jobID, userID string) (*domain.JobStatusView, error) {
	record, err := s.getJobRecord(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}

	job, err := record.job()
	if err != nil {
		return nil, err
	}

	return &domain.JobStatusView{
		InputID:       job.InputID,
		JobID:         job.ID,
		Status:        job.Status,
		UpdatedAt:     job.UpdatedAt,
		FailureReason: job.FailureReason,
		Result:        job.Result,
	}, nil
}

func (s *Store) GetJobInput(ctx context.Context, jobID, userID string) (*domain.Input, error) {
	record, err := s.getJobRecord(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	return record.input()
}

func (s *Store) UpdateJobStatus(ctx context.Context, jobID, userID string, status domain.JobStatus, failureReason string) error {
	reason := sql.NullString{String: failureReason, Valid: status == domain.JobStatusFailed}

	return s.mutateJob(ctx, jobID, userID,
		func(current domain.JobStatus) bool { return domain.CanTransition(current, status) },
		`UPDATE jobs SET status = ?, failure_reason = ?, updated_at = ? WHERE job_id = ? AND status = ?`,
		func(now time.Time, current domain.JobStatus) []interface{} {
			return []interface{}{string(status), reason, now.UnixMicro(), jobID, string(current)}
		},
	)
}

func (s *Store) SaveRecommendationResult(ctx context.Context, jobID, userID string, result *domain.RecommendationResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal recommendation result: %w", err)
	}

	return s.mutateJob(ctx, jobID, userID,
		func(current domain.JobStatus) bool { return current == domain.JobStatusRunning },
		`UPDATE jobs SET result = ?, updated_at = ? WHERE job_id = ? AND status = ?`,
		func(now time.Time, current domain.JobStatus) []interface{} {
			return []interface{}{string(data), now.UnixMicro(), jobID, string(current)}
		},
	)
}

func (s *Store) MarkJobDispatched(ctx context.Context, jobID, userID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE jobs SET dispatched_at = ?
		WHERE job_id = ? AND user_id = ? AND dispatched_at IS NULL
	`), s.timestamp().UnixMicro(), jobID, userID)
	if err != nil {
		return fmt.Errorf("failed to mark job dispatched: %w", err)
	}
	return nil
}

func (s *Store) PullSyncRecords(ctx context.Context, userID string, req domain.SyncPullRequest) (*domain.SyncPullResponse, error) {
	cursor, err := storage.DecodeSyncCursor(req.Cursor)
	if err != nil {
		return nil, err
	}
	limit := domain.ClampSyncLimit(req.Limit)

	query := selectJobRecords + " WHERE i.user_id = ?"
	args := []interface{}{userID}

	if !req.IncludeCompletedJobs {
		query += " AND j.status <> ?"
		args = append(args, string(domain.JobStatusCompleted))
	}

	if cursor != nil {
		query += " AND (i.created_at, i.input_id) < (?, ?)"
		args = append(args, cursor.CreatedAt.UnixMicro(), cursor.InputID)
	}

	// Order by created_at DESC, input_id DESC for consistent pagination
	query += " ORDER BY i.created_at DESC, i.input_id DESC"

	// Fetch one extra to determine if there are more results
	query += " LIMIT ?"
	args = append(args, limit+1)

	var records []jobRecord
	if err := s.db.SelectContext(ctx, &records, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to pull sync records: %w", err)
	}

	items := make([]domain.SyncItem, 0, len(records))
	for _, r := range records {
		item, err := r.syncItem()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return storage.BuildSyncPage(items, limit, s.timestamp()), nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) getJobRecord(ctx context.Context, jobID, userID string) (*jobRecord, error) {
	var record jobRecord
	err := s.db.GetContext(ctx, &record, s.db.Rebind(selectJobRecords+" WHERE j.job_id = ? AND j.user_id = ?"), jobID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &record, nil
}

// mutateJob runs a status-gated update on an owned job and bumps its input.
// A job that is absent or not owned is left untouched.
func (s *Store) mutateJob(
	ctx context.Context,
	jobID, userID string,
	allowed func(current domain.JobStatus) bool,
	update string,
	args func(now time.Time, current domain.JobStatus) []interface{},
) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current struct {
		Status  string `db:"status"`
		InputID string `db:"input_id"`
	}
	err = tx.GetContext(ctx, &current, tx.Rebind(`SELECT status, input_id FROM jobs WHERE job_id = ? AND user_id = ?`), jobID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	status := domain.JobStatus(current.Status)
	if !allowed(status) {
		return domain.ErrInvalidTransition
	}

	now := s.timestamp()
	res, err := tx.ExecContext(ctx, tx.Rebind(update), args(now, status)...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if rows == 0 {
		// status moved underneath us
		return domain.ErrInvalidTransition
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE inputs SET updated_at = ? WHERE input_id = ?`), now.UnixMicro(), current.InputID); err != nil {
		return fmt.Errorf("failed to touch input: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *jobRecord) input() (*domain.Input, error) {
	var payload domain.InputPayload
	if err := json.Unmarshal([]byte(r.Payload), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode input payload: %w", err)
	}

	return &domain.Input{
		ID:             r.InputID,
		UserID:         r.UserID,
		Type:           domain.InputType(r.InputType),
		Payload:        payload,
		IdempotencyKey: r.IdempotencyKey,
		CreatedAt:      fromMicros(r.InputCreatedAt),
		UpdatedAt:      fromMicros(r.InputUpdatedAt),
	}, nil
}

func (r *jobRecord) job() (*domain.Job, error) {
	job := &domain.Job{
		ID:            r.JobID,
		InputID:       r.InputID,
		UserID:        r.UserID,
		Status:        domain.JobStatus(r.Status),
		FailureReason: r.FailureReason.String,
		UpdatedAt:     fromMicros(r.JobUpdatedAt),
	}

	if r.DispatchedAt.Valid {
		t := fromMicros(r.DispatchedAt.Int64)
		job.DispatchedAt = &t
	}

	if r.Result.Valid && r.Result.String != "" {
		var result domain.RecommendationResult
		if err := json.Unmarshal([]byte(r.Result.String), &result); err != nil {
			return nil, fmt.Errorf("failed to decode recommendation result: %w", err)
		}
		job.Result = &result
	}

	return job, nil
}

func (r *jobRecord) syncItem() (domain.SyncItem, error) {
	input, err := r.input()
	if err != nil {
		return domain.SyncItem{}, err
	}
	job, err := r.job()
	if err != nil {
		return domain.SyncItem{}, err
	}

	item := domain.SyncItem{
		InputID:   input.ID,
		CreatedAt: input.CreatedAt,
		UpdatedAt: storage.LaterOf(input.UpdatedAt, job.UpdatedAt),
		Type:      input.Type,
		Crop:      input.Payload.Crop,
		Location:  input.Payload.Location,
		Status:    job.Status,
	}
	if job.Result != nil {
		id := job.Result.RecommendationID
		item.RecommendationID = &id
	}
	return item, nil
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
