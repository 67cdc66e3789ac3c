package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/saashqdev/delightful-sub003/internal/app/batch"
	"github.com/saashqdev/delightful-sub003/internal/app/ingest"
	"github.com/saashqdev/delightful-sub003/internal/app/rollback"
	"github.com/saashqdev/delightful-sub003/internal/app/taskrun"
	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/sandbox"
)

// CorrelationHeader carries the request correlation id, one is generated when missing.
const CorrelationHeader = "X-Correlation-ID"

const maxBodyBytes = 8 << 20

// Deliverer is the asynchronous delivery entry point.
type Deliverer interface {
	Deliver(ctx context.Context, req ingest.DeliverRequest) (*ingest.DeliverResult, error)
}

// BatchService submits batch file operations and reports their progress.
type BatchService interface {
	Submit(ctx context.Context, req batch.SubmitRequest) (*batch.SubmitResult, error)
	CheckStatus(ctx context.Context, key, requesterID string) (*model.BatchStatusView, error)
}

// RollbackService runs rollback phases.
type RollbackService interface {
	Run(ctx context.Context, phase sandbox.RollbackPhase, req rollback.Request) (*model.RollbackResult, error)
}

// TaskRunner starts and interrupts tasks.
type TaskRunner interface {
	Start(ctx context.Context, req taskrun.StartRequest) (*taskrun.StartResult, error)
	Interrupt(ctx context.Context, req taskrun.InterruptRequest) (*taskrun.InterruptResult, error)
}

// HandlerConfig is the configuration of the HTTP API.
type HandlerConfig struct {
	Deliverer Deliverer
	Batches   BatchService
	Rollbacks RollbackService
	Tasks     TaskRunner
	Logger    log.Logger
}

func (c *HandlerConfig) defaults() error {
	if c.Deliverer == nil {
		return fmt.Errorf("deliverer is required")
	}
	if c.Batches == nil {
		return fmt.Errorf("batch service is required")
	}
	if c.Rollbacks == nil {
		return fmt.Errorf("rollback service is required")
	}
	if c.Tasks == nil {
		return fmt.Errorf("task runner is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "api.Handler"})
	return nil
}

type handler struct {
	deliverer Deliverer
	batches   BatchService
	rollbacks RollbackService
	tasks     TaskRunner
	logger    log.Logger
}

// NewHandler returns the HTTP API handler.
func NewHandler(cfg HandlerConfig) (http.Handler, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	h := handler{
		deliverer: cfg.Deliverer,
		batches:   cfg.Batches,
		rollbacks: cfg.Rollbacks,
		tasks:     cfg.Tasks,
		logger:    cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("POST /v1/sandboxes/{sandboxID}/messages", h.deliver)
	mux.HandleFunc("POST /v1/batches", h.submitBatch)
	mux.HandleFunc("GET /v1/batches/{key}", h.batchStatus)
	mux.HandleFunc("POST /v1/topics/{topicID}/rollback/{phase}", h.rollback)
	mux.HandleFunc("POST /v1/tasks", h.startTask)
	mux.HandleFunc("POST /v1/tasks/{taskID}/interrupt", h.interruptTask)

	return h.withCorrelation(mux), nil
}

type ctxKey struct{}

func (h handler) withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if id == "" {
			id = ulid.Make().String()
		}
		w.Header().Set(CorrelationHeader, id)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
		h.logger.WithValues(log.Kv{"correlation-id": id}).Debugf("%s %s served in %s", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}

func correlationID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func (h handler) healthz(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h handler) deliver(w http.ResponseWriter, r *http.Request) {
	var env model.Envelope
	if !h.decode(w, r, &env) {
		return
	}

	res, err := h.deliverer.Deliver(r.Context(), ingest.DeliverRequest{
		SandboxID:     r.PathValue("sandboxID"),
		Envelope:      env,
		CorrelationID: correlationID(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.write(w, http.StatusAccepted, res)
}

func (h handler) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req batch.SubmitRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.CorrelationID = correlationID(r)

	res, err := h.batches.Submit(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if res.BatchKey != "" {
		status = http.StatusAccepted
	}
	h.write(w, status, res)
}

func (h handler) batchStatus(w http.ResponseWriter, r *http.Request) {
	requester := r.URL.Query().Get("requester")
	if requester == "" {
		h.fail(w, r, fmt.Errorf("requester is required: %w", model.ErrNotValid))
		return
	}

	res, err := h.batches.CheckStatus(r.Context(), r.PathValue("key"), requester)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.write(w, http.StatusOK, res)
}

type rollbackBody struct {
	UserID          string `json:"userId"`
	TargetMessageID string `json:"targetMessageId,omitempty"`
}

func (h handler) rollback(w http.ResponseWriter, r *http.Request) {
	phase := sandbox.RollbackPhase(r.PathValue("phase"))
	if !phase.Valid() {
		h.fail(w, r, fmt.Errorf("unknown rollback phase %q: %w", phase, model.ErrNotValid))
		return
	}

	var body rollbackBody
	if !h.decode(w, r, &body) {
		return
	}

	res, err := h.rollbacks.Run(r.Context(), phase, rollback.Request{
		TopicID:         r.PathValue("topicID"),
		UserID:          body.UserID,
		TargetMessageID: body.TargetMessageID,
		CorrelationID:   correlationID(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.write(w, http.StatusOK, res)
}

func (h handler) startTask(w http.ResponseWriter, r *http.Request) {
	var req taskrun.StartRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.CorrelationID = correlationID(r)

	res, err := h.tasks.Start(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.write(w, http.StatusAccepted, res)
}

func (h handler) interruptTask(w http.ResponseWriter, r *http.Request) {
	var req taskrun.InterruptRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.TaskID = r.PathValue("taskID")
	req.CorrelationID = correlationID(r)

	res, err := h.tasks.Interrupt(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.write(w, http.StatusOK, res)
}

func (h handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		h.fail(w, r, fmt.Errorf("invalid body: %s: %w", err, model.ErrNotValid))
		return false
	}
	return true
}

type errorBody struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (h handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	logger := h.logger.WithValues(log.Kv{"correlation-id": correlationID(r), "path": r.URL.Path})
	if status >= http.StatusInternalServerError {
		logger.Errorf("Request failed: %s", err)
	} else {
		logger.Debugf("Request rejected: %s", err)
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	h.write(w, status, errorBody{Error: err.Error(), CorrelationID: correlationID(r)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotValid):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, model.ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, model.ErrRemote):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h handler) write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warningf("Could not write response: %s", err)
	}
}
