package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cuongbtq/crop-copilot-be/internal/domain"
	"github.com/cuongbtq/crop-copilot-be/internal/storage"
	"github.com/google/uuid"
)

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is a map-backed storage.Store for tests and single-process runs
type Store struct {
	mu         sync.RWMutex
	now        func() time.Time
	inputs     map[string]*domain.Input
	jobs       map[string]*domain.Job
	jobByInput map[string]string
	dedupe     map[string]string
}

var _ storage.Store = (*Store)(nil)

// New creates an empty Store
func New(opts ...Option) *Store {
	s := &Store{
		now:        time.Now,
		inputs:     make(map[string]*domain.Input),
		jobs:       make(map[string]*domain.Job),
		jobByInput: make(map[string]string),
		dedupe:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) timestamp() time.Time {
	return domain.StoreTime(s.now())
}

func (s *Store) EnqueueInput(ctx context.Context, userID string, cmd domain.CreateInputCommand) (*domain.EnqueueResult, error) {
	normalizedKey := domain.NormalizeIdempotencyKey(cmd.IdempotencyKey)
	dedupeKey := domain.DedupeKey(userID, normalizedKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	if inputID, ok := s.dedupe[dedupeKey]; ok {
		if jobID, ok := s.jobByInput[inputID]; ok {
			if job, ok := s.jobs[jobID]; ok {
				return &domain.EnqueueResult{
					InputID:    inputID,
					JobID:      job.ID,
					Status:     job.Status,
					AcceptedAt: s.inputs[inputID].CreatedAt,
					Dispatched: job.DispatchedAt != nil,
				}, nil
			}
		}
	}

	now := s.timestamp()
	input := &domain.Input{
		ID:             uuid.NewString(),
		UserID:         userID,
		Type:           cmd.Type,
		Payload:        cmd.Payload,
		IdempotencyKey: normalizedKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	job := &domain.Job{
		ID:        uuid.NewString(),
		InputID:   input.ID,
		UserID:    userID,
		Status:    domain.JobStatusQueued,
		UpdatedAt: now,
	}

	s.inputs[input.ID] = input
	s.jobs[job.ID] = job
	s.jobByInput[input.ID] = job.ID
	s.dedupe[dedupeKey] = input.ID

	return &domain.EnqueueResult{
		InputID:    input.ID,
		JobID:      job.ID,
		Status:     job.Status,
		AcceptedAt: now,
		Created:    true,
	}, nil
}

func (s *Store) GetJobStatus(ctx context.Context, jobID, userID string) (*domain.JobStatusView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.ownedJob(jobID, userID)
	if !ok {
		return nil, domain.ErrNotFound
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
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.ownedJob(jobID, userID)
	if !ok {
		return nil, domain.ErrNotFound
	}
	input, ok := s.inputs[job.InputID]
	if !ok {
		return nil, domain.ErrNotFound
	}

	cp := *input
	return &cp, nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, jobID, userID string, status domain.JobStatus, failureReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.ownedJob(jobID, userID)
	if !ok {
		return nil
	}
	if !domain.CanTransition(job.Status, status) {
		return domain.ErrInvalidTransition
	}

	job.Status = status
	job.FailureReason = ""
	if status == domain.JobStatusFailed {
		job.FailureReason = failureReason
	}
	s.touch(job)
	return nil
}

func (s *Store) SaveRecommendationResult(ctx context.Context, jobID, userID string, result *domain.RecommendationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.ownedJob(jobID, userID)
	if !ok {
		return nil
	}
	if job.Status != domain.JobStatusRunning {
		return domain.ErrInvalidTransition
	}

	job.Result = result
	s.touch(job)
	return nil
}

func (s *Store) MarkJobDispatched(ctx context.Context, jobID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.ownedJob(jobID, userID)
	if !ok || job.DispatchedAt != nil {
		return nil
	}
	now := s.timestamp()
	job.DispatchedAt = &now
	return nil
}

func (s *Store) PullSyncRecords(ctx context.Context, userID string, req domain.SyncPullRequest) (*domain.SyncPullResponse, error) {
	cursor, err := storage.DecodeSyncCursor(req.Cursor)
	if err != nil {
		return nil, err
	}
	limit := domain.ClampSyncLimit(req.Limit)

	s.mu.RLock()
	items := make([]domain.SyncItem, 0)
	for _, input := range s.inputs {
		if input.UserID != userID {
			continue
		}
		job, ok := s.jobs[s.jobByInput[input.ID]]
		if !ok {
			continue
		}
		if !req.IncludeCompletedJobs && job.Status == domain.JobStatusCompleted {
			continue
		}
		if !cursor.IsAfter(input.CreatedAt, input.ID) {
			continue
		}
		items = append(items, syncItem(input, job))
	}
	s.mu.RUnlock()

	storage.SortSyncItems(items)
	if len(items) > limit+1 {
		items = items[:limit+1]
	}

	return storage.BuildSyncPage(items, limit, s.timestamp()), nil
}

// ownedJob must be called with s.mu held
func (s *Store) ownedJob(jobID, userID string) (*domain.Job, bool) {
	job, ok := s.jobs[jobID]
	if !ok || job.UserID != userID {
		return nil, false
	}
	return job, true
}

// touch bumps the job and its input; must be called with s.mu held
func (s *Store) touch(job *domain.Job) {
	now := s.timestamp()
	job.UpdatedAt = now
	if input, ok := s.inputs[job.InputID]; ok {
		input.UpdatedAt = now
	}
}

func syncItem(input *domain.Input, job *domain.Job) domain.SyncItem {
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
	return item
}
