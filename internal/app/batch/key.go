package batch

import (
	"context"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/queue"
)

// Key returns the batch key of an operation. The same operation, actor and file
// set, in any order, always get the same key.
func Key(op model.BatchOperation, actorID string, fileIDs []string) (string, error) {
	ids := append([]string(nil), fileIDs...)
	sort.Strings(ids)

	data, err := queue.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("could not encode batch input: %w", err)
	}
	sum := blake3.Sum256(data)

	return fmt.Sprintf("batch_%s_%s_%x", op, actorID, sum[:16]), nil
}

// Expand returns the sorted ids of every file under a directory, at any depth.
// Directories are walked but not returned.
func (s *Service) Expand(ctx context.Context, dirID string) ([]string, error) {
	var ids []string
	pending := []string{dirID}
	seen := map[string]bool{dirID: true}

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		parent := pending[0]
		pending = pending[1:]

		children, err := s.repo.ListChildren(ctx, parent)
		if err != nil {
			return nil, fmt.Errorf("could not list %s children: %w", parent, err)
		}
		for _, c := range children {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			if c.IsDir {
				pending = append(pending, c.ID)
				continue
			}
			ids = append(ids, c.ID)
		}
	}

	sort.Strings(ids)
	return ids, nil
}
