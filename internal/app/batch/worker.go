package batch

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/saashqdev/delightful-sub003/internal/eventbus"
	"github.com/saashqdev/delightful-sub003/internal/lock"
	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/queue"
)

// HandleItem is the batch queue handler.
func (s *Service) HandleItem(ctx context.Context, m queue.Message) error {
	var w WorkItem
	if err := m.Decode(&w); err != nil {
		// Retrying won't fix a broken payload.
		s.logger.Errorf("Dropping queue item: %s", err)
		return nil
	}
	return s.Execute(ctx, w.Key, w.CorrelationID)
}

// Execute processes the pending items of a batch. Item failures are recorded on
// the item and never stop the batch. An interrupted batch resumes from its
// first pending item.
func (s *Service) Execute(ctx context.Context, key, correlationID string) error {
	logger := s.logger.WithValues(log.Kv{"batch-key": key, "correlation-id": correlationID})

	rec, err := s.batches.GetBatch(ctx, key)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			logger.Warningf("Batch is gone, nothing to do")
			return nil
		}
		return fmt.Errorf("could not get batch: %w", err)
	}
	if rec.Status.IsTerminal() {
		return nil
	}

	opts := lock.Options{Key: lock.DirKey(rec.RootFileID), TTL: s.lockTTL, Wait: s.lockWait}
	err = lock.Do(ctx, s.locker, logger, opts, func(ctx context.Context) error {
		return s.execute(ctx, logger, *rec)
	})
	if err != nil {
		return err
	}

	final, err := s.batches.GetBatch(ctx, key)
	if err != nil {
		return fmt.Errorf("could not get finished batch: %w", err)
	}
	err = s.publisher.Publish(ctx, eventbus.Event{
		Type:          eventbus.TypeBatchCompleted,
		CorrelationID: correlationID,
		BatchKey:      key,
		Status:        string(final.Status),
	})
	if err != nil {
		logger.Warningf("Could not publish batch completion: %s", err)
	}

	return nil
}

func (s *Service) execute(ctx context.Context, logger log.Logger, rec model.BatchRecord) error {
	rec.Status = model.BatchStatusRunning
	rec.UpdatedAt = s.now().UTC()
	if err := s.batches.UpdateBatch(ctx, rec); err != nil {
		return fmt.Errorf("could not start batch: %w", err)
	}

	root, tgt, err := s.loadBatchFiles(ctx, rec)
	if err != nil {
		return s.finish(ctx, rec, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		item, err := s.batches.NextItem(ctx, rec.Key)
		if err != nil {
			return fmt.Errorf("could not get next batch item: %w", err)
		}
		if item == nil {
			break
		}

		if err := s.executeItem(ctx, rec.Operation, tgt, *root, item.FileID); err != nil {
			logger.Warningf("Batch item %s failed: %s", item.FileID, err)
			if err := s.batches.FailItem(ctx, item.ID, err); err != nil {
				return fmt.Errorf("could not record item failure: %w", err)
			}
			continue
		}
		if err := s.batches.CompleteItem(ctx, item.ID); err != nil {
			return fmt.Errorf("could not record item completion: %w", err)
		}
	}

	return s.finish(ctx, rec, nil)
}

func (s *Service) loadBatchFiles(ctx context.Context, rec model.BatchRecord) (*model.File, target, error) {
	root, err := s.repo.GetFile(ctx, rec.RootFileID)
	if err != nil {
		return nil, target{}, fmt.Errorf("could not get batch directory: %w", err)
	}
	if rec.Operation == model.BatchOperationDelete {
		return root, target{}, nil
	}

	parent, err := s.repo.GetFile(ctx, rec.TargetParentID)
	if err != nil {
		return nil, target{}, fmt.Errorf("could not get batch target: %w", err)
	}
	projectID := rec.TargetProjectID
	if projectID == "" {
		projectID = rec.ProjectID
	}

	return root, target{projectID: projectID, parent: parent}, nil
}

func (s *Service) executeItem(ctx context.Context, op model.BatchOperation, tgt target, root model.File, fileID string) error {
	f, err := s.repo.GetFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("could not get file: %w", err)
	}

	rel := path.Join(root.Name, f.Name)
	if strings.HasPrefix(f.Key, root.Key) {
		rel = path.Join(root.Name, strings.TrimPrefix(f.Key, root.Key))
	}

	return s.apply(ctx, op, tgt, *f, rel)
}

// finish sets the final status from the item counters. A batch only fails when
// every item failed or it could not run at all.
func (s *Service) finish(ctx context.Context, rec model.BatchRecord, runErr error) error {
	cur, err := s.batches.GetBatch(ctx, rec.Key)
	if err != nil {
		return fmt.Errorf("could not get batch: %w", err)
	}

	final := *cur
	final.UpdatedAt = s.now().UTC()
	switch {
	case runErr != nil:
		final.Status = model.BatchStatusFailed
		final.Error = runErr.Error()
	case final.Total > 0 && final.Failed == final.Total:
		final.Status = model.BatchStatusFailed
		final.Error = fmt.Sprintf("all %d files failed", final.Total)
	case final.Failed > 0:
		final.Status = model.BatchStatusCompleted
		final.Error = fmt.Sprintf("%d of %d files failed", final.Failed, final.Total)
	default:
		final.Status = model.BatchStatusCompleted
	}

	if err := s.batches.UpdateBatch(ctx, final); err != nil {
		return fmt.Errorf("could not finish batch: %w", err)
	}

	if runErr == nil && final.Failed == 0 && final.Operation != model.BatchOperationCopy {
		if err := s.removeEmptyDirs(ctx, final.RootFileID); err != nil {
			s.logger.Warningf("Could not remove emptied directories of %s: %s", final.RootFileID, err)
		}
	}

	s.logger.Infof("Batch %s %s: %d done, %d failed", final.Key, final.Status, final.Completed, final.Failed)
	return nil
}

// apply runs the operation on a single file, rel is the destination path below
// the target parent.
func (s *Service) apply(ctx context.Context, op model.BatchOperation, tgt target, f model.File, rel string) error {
	if f.IsDir {
		return fmt.Errorf("%s is a directory: %w", f.ID, model.ErrNotValid)
	}

	if op == model.BatchOperationDelete {
		if err := s.files.Delete(ctx, f.Key); err != nil {
			return fmt.Errorf("could not delete object: %w", err)
		}
		if err := s.repo.DeleteFile(ctx, f.ID); err != nil {
			return fmt.Errorf("could not delete file record: %w", err)
		}
		return nil
	}

	parent, err := s.ensureDirs(ctx, tgt, path.Dir(rel))
	if err != nil {
		return err
	}
	dstKey := joinKey(parent.Key, path.Base(rel))
	if _, err := s.repo.GetFileByKey(ctx, tgt.projectID, dstKey); err == nil {
		return fmt.Errorf("%s: %w", dstKey, model.ErrAlreadyExists)
	} else if !errors.Is(err, model.ErrNotFound) {
		return err
	}

	if err := s.files.Copy(ctx, f.Key, dstKey); err != nil {
		return fmt.Errorf("could not copy object: %w", err)
	}
	now := s.now().UTC()

	if op == model.BatchOperationCopy {
		err := s.repo.CreateFile(ctx, model.File{
			ID:        ulid.Make().String(),
			ProjectID: tgt.projectID,
			ParentID:  parent.ID,
			Name:      f.Name,
			Key:       dstKey,
			Size:      f.Size,
			TopicID:   f.TopicID,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("could not create file record: %w", err)
		}
		return nil
	}

	moved := f
	moved.ProjectID = tgt.projectID
	moved.ParentID = parent.ID
	moved.Key = dstKey
	moved.UpdatedAt = now
	if err := s.repo.UpdateFile(ctx, moved); err != nil {
		return fmt.Errorf("could not update file record: %w", err)
	}
	if err := s.files.Delete(ctx, f.Key); err != nil {
		return fmt.Errorf("could not delete moved object: %w", err)
	}

	return nil
}

// ensureDirs returns the directory at dir below the target parent, creating the
// missing directory records.
func (s *Service) ensureDirs(ctx context.Context, tgt target, dir string) (*model.File, error) {
	parent := tgt.parent
	if dir == "." || dir == "" {
		return parent, nil
	}

	for _, name := range strings.Split(dir, "/") {
		if name == "" {
			continue
		}
		key := joinKey(parent.Key, name) + "/"
		d, err := s.repo.GetFileByKey(ctx, tgt.projectID, key)
		if err == nil {
			if !d.IsDir {
				return nil, fmt.Errorf("%s is not a directory: %w", key, model.ErrNotValid)
			}
			parent = d
			continue
		}
		if !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}

		now := s.now().UTC()
		nd := model.File{
			ID:        ulid.Make().String(),
			ProjectID: tgt.projectID,
			ParentID:  parent.ID,
			Name:      name,
			Key:       key,
			IsDir:     true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.CreateFile(ctx, nd); err != nil {
			return nil, fmt.Errorf("could not create directory %s: %w", key, err)
		}
		parent = &nd
	}

	return parent, nil
}

// removeEmptyDirs deletes the directory records left empty below and including dirID.
func (s *Service) removeEmptyDirs(ctx context.Context, dirID string) error {
	children, err := s.repo.ListChildren(ctx, dirID)
	if err != nil {
		return err
	}

	remaining := 0
	for _, c := range children {
		if !c.IsDir {
			remaining++
			continue
		}
		if err := s.removeEmptyDirs(ctx, c.ID); err != nil {
			return err
		}
		if _, err := s.repo.GetFile(ctx, c.ID); err == nil {
			remaining++
		}
	}
	if remaining > 0 {
		return nil
	}

	if err := s.repo.DeleteFile(ctx, dirID); err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	return nil
}

func joinKey(dirKey, name string) string {
	dirKey = strings.TrimSuffix(dirKey, "/")
	if dirKey == "" {
		return name
	}
	return dirKey + "/" + name
}
