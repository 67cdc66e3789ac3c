package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/saashqdev/delightful-sub003/internal/eventbus"
	"github.com/saashqdev/delightful-sub003/internal/filestore"
	"github.com/saashqdev/delightful-sub003/internal/lock"
	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/queue"
	"github.com/saashqdev/delightful-sub003/internal/storage"
)

// ServiceConfig is the configuration for the batch service.
type ServiceConfig struct {
	Repository storage.ProjectRepository
	Batches    storage.BatchRepository
	Locker     lock.Locker
	Queue      queue.Publisher
	FileStore  filestore.Service
	Publisher  eventbus.Publisher
	// LockTTL is the directory lock TTL while a batch runs.
	LockTTL  time.Duration
	LockWait time.Duration
	// RecordTTL is how long a batch record can be queried after it is created.
	RecordTTL time.Duration
	Now       func() time.Time
	Logger    log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Batches == nil {
		return fmt.Errorf("batch repository is required")
	}
	if c.Locker == nil {
		return fmt.Errorf("locker is required")
	}
	if c.Queue == nil {
		return fmt.Errorf("queue is required")
	}
	if c.FileStore == nil {
		return fmt.Errorf("file store is required")
	}
	if c.Publisher == nil {
		return fmt.Errorf("publisher is required")
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.LockWait <= 0 {
		c.LockWait = 2 * time.Second
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = 24 * time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Batch"})
	return nil
}

// Service runs directory scale file operations in the background and reports their progress.
type Service struct {
	repo      storage.ProjectRepository
	batches   storage.BatchRepository
	locker    lock.Locker
	queue     queue.Publisher
	files     filestore.Service
	publisher eventbus.Publisher
	lockTTL   time.Duration
	lockWait  time.Duration
	recordTTL time.Duration
	now       func() time.Time
	logger    log.Logger
}

// NewService creates a new batch service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:      cfg.Repository,
		batches:   cfg.Batches,
		locker:    cfg.Locker,
		queue:     cfg.Queue,
		files:     cfg.FileStore,
		publisher: cfg.Publisher,
		lockTTL:   cfg.LockTTL,
		lockWait:  cfg.LockWait,
		recordTTL: cfg.RecordTTL,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}, nil
}

// SubmitRequest is a file operation request.
type SubmitRequest struct {
	Operation   model.BatchOperation `json:"operation"`
	RequesterID string               `json:"requesterId"`
	FileID      string               `json:"fileId"`
	// TargetProjectID defaults to the source project.
	TargetProjectID string `json:"targetProjectId,omitempty"`
	TargetParentID  string `json:"targetParentId,omitempty"`
	CorrelationID   string `json:"-"`
}

// SubmitResult is the answer of a submitted operation. Single files are done
// synchronously and have no batch key.
type SubmitResult struct {
	BatchKey string            `json:"batchKey,omitempty"`
	Status   model.BatchStatus `json:"status"`
	Total    int               `json:"total"`
}

// WorkItem is the queue payload of a batch.
type WorkItem struct {
	Key           string `cbor:"key"`
	CorrelationID string `cbor:"correlation_id"`
}

type target struct {
	projectID string
	parent    *model.File
}

// Submit runs the operation on a single file right away, or expands a directory
// into a batch that runs in the background. Resubmitting a batch that is still
// in progress returns the same key.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if !req.Operation.Valid() {
		return nil, fmt.Errorf("unknown operation %q: %w", req.Operation, model.ErrNotValid)
	}
	if req.RequesterID == "" || req.FileID == "" {
		return nil, fmt.Errorf("requester and file are required: %w", model.ErrNotValid)
	}
	logger := s.logger.WithValues(log.Kv{"operation": string(req.Operation), "file-id": req.FileID, "correlation-id": req.CorrelationID})

	// 1. Resolve source, target and permissions.
	src, err := s.repo.GetFile(ctx, req.FileID)
	if err != nil {
		return nil, fmt.Errorf("could not get source file: %w", err)
	}
	if err := s.checkOwner(ctx, src.ProjectID, req.RequesterID); err != nil {
		return nil, err
	}
	tgt, err := s.resolveTarget(ctx, req, *src)
	if err != nil {
		return nil, err
	}

	// 2. Single files are done synchronously.
	if !src.IsDir {
		opts := lock.Options{Key: lock.FileKey(src.ProjectID, src.Key), TTL: s.lockTTL, Wait: s.lockWait}
		err := lock.Do(ctx, s.locker, logger, opts, func(ctx context.Context) error {
			return s.apply(ctx, req.Operation, tgt, *src, src.Name)
		})
		if err != nil {
			return nil, fmt.Errorf("could not %s file: %w", req.Operation, err)
		}
		logger.Infof("File %s done synchronously", req.Operation)
		return &SubmitResult{Status: model.BatchStatusCompleted, Total: 1}, nil
	}

	// 3. Directories become a batch.
	ids, err := s.Expand(ctx, src.ID)
	if err != nil {
		return nil, fmt.Errorf("could not expand directory: %w", err)
	}
	key, err := Key(req.Operation, req.RequesterID, ids)
	if err != nil {
		return nil, err
	}
	logger = logger.WithValues(log.Kv{"batch-key": key})

	existing, err := s.batches.GetBatch(ctx, key)
	switch {
	case err == nil && !existing.Status.IsTerminal() && !existing.Expired(s.now()):
		logger.Infof("Batch already in progress")
		return &SubmitResult{BatchKey: key, Status: existing.Status, Total: existing.Total}, nil
	case err == nil:
		if err := s.batches.DeleteBatch(ctx, key); err != nil {
			return nil, fmt.Errorf("could not replace finished batch: %w", err)
		}
	case !errors.Is(err, model.ErrNotFound):
		return nil, fmt.Errorf("could not check existing batch: %w", err)
	}

	now := s.now().UTC()
	rec := model.BatchRecord{
		Key:             key,
		Operation:       req.Operation,
		OwnerID:         req.RequesterID,
		ProjectID:       src.ProjectID,
		RootFileID:      src.ID,
		TargetProjectID: tgt.projectID,
		Status:          model.BatchStatusPending,
		Total:           len(ids),
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(s.recordTTL),
	}
	if tgt.parent != nil {
		rec.TargetParentID = tgt.parent.ID
	}
	if err := s.batches.CreateBatch(ctx, rec, ids); err != nil {
		return nil, fmt.Errorf("could not create batch: %w", err)
	}

	// 4. Hand over to the worker.
	if err := s.queue.Publish(ctx, queue.BatchQueue, WorkItem{Key: key, CorrelationID: req.CorrelationID}); err != nil {
		if derr := s.batches.DeleteBatch(context.WithoutCancel(ctx), key); derr != nil {
			logger.Warningf("Could not remove unpublished batch: %s", derr)
		}
		return nil, fmt.Errorf("could not publish batch: %w", err)
	}

	logger.Infof("Batch of %d files submitted", len(ids))
	return &SubmitResult{BatchKey: key, Status: model.BatchStatusPending, Total: len(ids)}, nil
}

func (s *Service) checkOwner(ctx context.Context, projectID, userID string) error {
	p, err := s.repo.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("could not get project %s: %w", projectID, err)
	}
	if p.OwnerID != userID {
		return fmt.Errorf("user %s has no access to project %s: %w", userID, projectID, model.ErrForbidden)
	}
	return nil
}

func (s *Service) resolveTarget(ctx context.Context, req SubmitRequest, src model.File) (target, error) {
	if req.Operation == model.BatchOperationDelete {
		return target{}, nil
	}
	if req.TargetParentID == "" {
		return target{}, fmt.Errorf("target parent is required for %s: %w", req.Operation, model.ErrNotValid)
	}

	projectID := req.TargetProjectID
	if projectID == "" {
		projectID = src.ProjectID
	}
	if projectID != src.ProjectID {
		if err := s.checkOwner(ctx, projectID, req.RequesterID); err != nil {
			return target{}, err
		}
	}

	parent, err := s.repo.GetFile(ctx, req.TargetParentID)
	if err != nil {
		return target{}, fmt.Errorf("could not get target parent: %w", err)
	}
	if !parent.IsDir || parent.ProjectID != projectID {
		return target{}, fmt.Errorf("target parent %s is not a directory of project %s: %w", parent.ID, projectID, model.ErrNotValid)
	}
	if parent.ID == src.ID {
		return target{}, fmt.Errorf("can't %s a directory into itself: %w", req.Operation, model.ErrNotValid)
	}
	if src.IsDir && projectID == src.ProjectID {
		inside, err := s.isDescendant(ctx, *parent, src.ID)
		if err != nil {
			return target{}, err
		}
		if inside {
			return target{}, fmt.Errorf("can't %s directory %s into its descendant %s: %w", req.Operation, src.ID, parent.ID, model.ErrNotValid)
		}
	}

	return target{projectID: projectID, parent: parent}, nil
}

// isDescendant walks up the parents of f looking for ancestorID.
func (s *Service) isDescendant(ctx context.Context, f model.File, ancestorID string) (bool, error) {
	seen := map[string]bool{f.ID: true}
	for f.ParentID != "" {
		if f.ParentID == ancestorID {
			return true, nil
		}
		if seen[f.ParentID] {
			return false, fmt.Errorf("file %s has a parent cycle: %w", f.ID, model.ErrNotValid)
		}
		seen[f.ParentID] = true

		p, err := s.repo.GetFile(ctx, f.ParentID)
		if err != nil {
			return false, fmt.Errorf("could not get parent %s: %w", f.ParentID, err)
		}
		f = *p
	}
	return false, nil
}

// CheckStatus returns the progress of a batch. Unknown and expired batches are
// reported with the not found status, only the batch owner can query it.
func (s *Service) CheckStatus(ctx context.Context, key, requesterID string) (*model.BatchStatusView, error) {
	rec, err := s.batches.GetBatch(ctx, key)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return &model.BatchStatusView{Key: key, Status: model.BatchStatusNotFound}, nil
		}
		return nil, fmt.Errorf("could not get batch: %w", err)
	}
	if rec.Expired(s.now()) {
		return &model.BatchStatusView{Key: key, Status: model.BatchStatusNotFound}, nil
	}
	if rec.OwnerID != requesterID {
		return nil, fmt.Errorf("user %s does not own batch %s: %w", requesterID, key, model.ErrForbidden)
	}

	view := &model.BatchStatusView{
		Key:    key,
		Status: rec.Status,
		Progress: model.BatchProgress{
			Percentage: rec.Percentage(),
			Message:    fmt.Sprintf("%d of %d files processed", rec.Completed+rec.Failed, rec.Total),
			Total:      rec.Total,
			Completed:  rec.Completed,
			Failed:     rec.Failed,
		},
		Error: rec.Error,
	}

	if rec.Status.IsTerminal() {
		failed, err := s.batches.ListFailedItems(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("could not list failed items: %w", err)
		}
		res := &model.BatchResult{Succeeded: rec.Completed}
		for _, it := range failed {
			res.FailedItems = append(res.FailedItems, model.BatchItemFailure{FileID: it.FileID, Error: it.Error})
		}
		view.Result = res
	}

	return view, nil
}

// Sweep removes expired batch records and returns how many were removed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	keys, err := s.batches.ListExpiredBatches(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("could not list expired batches: %w", err)
	}

	for _, k := range keys {
		if err := s.batches.DeleteBatch(ctx, k); err != nil {
			return 0, fmt.Errorf("could not delete batch %s: %w", k, err)
		}
	}
	if len(keys) > 0 {
		s.logger.Infof("Swept %d expired batches", len(keys))
	}

	return len(keys), nil
}
