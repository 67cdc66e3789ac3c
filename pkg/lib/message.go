package lib

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/saashqdev/delightful-sub003/internal/app/ingest"
	"github.com/saashqdev/delightful-sub003/internal/app/rollback"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/sandbox"
)

// Deliver stores a raw protocol frame pushed by a sandbox and processes it
// before returning. Frames of the same message are stored once.
//
// Returns [ErrNotValid] if the frame can't be decoded, or [ErrNotFound] if no
// topic uses the sandbox.
func (c *Client) Deliver(ctx context.Context, sandboxID string, frame []byte) (*DeliverResult, error) {
	var env model.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("could not decode frame: %s: %w", err, ErrNotValid)
	}

	res, err := c.svcs.Ingest.Deliver(ctx, ingest.DeliverRequest{
		SandboxID:     sandboxID,
		Envelope:      env,
		CorrelationID: ulid.Make().String(),
	})
	if err != nil {
		return nil, mapError(err)
	}

	return &DeliverResult{MessageID: res.MessageID}, nil
}

// Rollback runs a phase of the rollback protocol on a topic. A sandbox refusal
// is not an error, it is reported on the result.
func (c *Client) Rollback(ctx context.Context, phase RollbackPhase, opts RollbackOpts) (*RollbackResult, error) {
	res, err := c.svcs.Rollback.Run(ctx, sandbox.RollbackPhase(phase), rollback.Request{
		TopicID:         opts.TopicID,
		UserID:          opts.UserID,
		TargetMessageID: opts.TargetMessageID,
		CorrelationID:   ulid.Make().String(),
	})
	if err != nil {
		return nil, mapError(err)
	}

	return &RollbackResult{Success: res.Success, Message: res.Message}, nil
}
