package lib

import (
	"context"

	"github.com/oklog/ulid/v2"

	"github.com/saashqdev/delightful-sub003/internal/app/batch"
	"github.com/saashqdev/delightful-sub003/internal/model"
)

// SubmitBatch moves, copies or deletes a file or a directory. Directories are
// processed in the background, resubmitting one that is still in progress
// returns the same batch key.
//
// Returns [ErrForbidden] if the requester does not own the projects.
func (c *Client) SubmitBatch(ctx context.Context, opts BatchOpts) (*BatchSubmission, error) {
	res, err := c.svcs.Batch.Submit(ctx, batch.SubmitRequest{
		Operation:       model.BatchOperation(opts.Operation),
		RequesterID:     opts.RequesterID,
		FileID:          opts.FileID,
		TargetProjectID: opts.TargetProjectID,
		TargetParentID:  opts.TargetParentID,
		CorrelationID:   ulid.Make().String(),
	})
	if err != nil {
		return nil, mapError(err)
	}

	return &BatchSubmission{BatchKey: res.BatchKey, Status: BatchStatus(res.Status), Total: res.Total}, nil
}

// BatchStatus returns the progress of a batch. Unknown and expired batches are
// reported with [BatchStatusNotFound].
func (c *Client) BatchStatus(ctx context.Context, key, requesterID string) (*Batch, error) {
	v, err := c.svcs.Batch.CheckStatus(ctx, key, requesterID)
	if err != nil {
		return nil, mapError(err)
	}

	res := fromInternalBatch(*v)
	return &res, nil
}
