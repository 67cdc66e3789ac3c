package taskrun

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
)

var (
	// ErrInterrupted is the cancel cause of a unit stopped by a task interrupt.
	ErrInterrupted = errors.New("interrupted")
	// ErrShutdown is the cancel cause of the units stopped by a supervisor shutdown.
	ErrShutdown = errors.New("supervisor shutting down")
)

// UnitFunc is the work of a supervised unit. The logger carries the unit and
// correlation ids.
type UnitFunc func(ctx context.Context, logger log.Logger) error

// Unit is a unit of background work.
type Unit struct {
	ID            string
	CorrelationID string

	cancel context.CancelCauseFunc
	done   chan struct{}
	err    error
}

// Done is closed when the unit ends.
func (u *Unit) Done() <-chan struct{} { return u.done }

// Wait blocks until the unit ends and returns its error.
func (u *Unit) Wait(ctx context.Context) error {
	select {
	case <-u.done:
		return u.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops the unit with cause.
func (u *Unit) Cancel(cause error) { u.cancel(cause) }

// Supervisor runs background units of work, each one with its own
// cancellation, and joins them on shutdown.
type Supervisor struct {
	logger log.Logger

	mu     sync.Mutex
	units  map[string]*Unit
	wg     sync.WaitGroup
	closed bool
}

// NewSupervisor returns a new supervisor.
func NewSupervisor(logger log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Noop
	}
	return &Supervisor{
		logger: logger.WithValues(log.Kv{"svc": "taskrun.Supervisor"}),
		units:  map[string]*Unit{},
	}
}

// Go runs fn in the background as unit id. The unit context does not inherit the
// caller cancellation, only its values. Only one unit per id can run at a time.
func (s *Supervisor) Go(ctx context.Context, id, correlationID string, fn UnitFunc) (*Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrShutdown
	}
	if _, ok := s.units[id]; ok {
		return nil, fmt.Errorf("unit %s is already running: %w", id, model.ErrAlreadyExists)
	}

	uctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	u := &Unit{
		ID:            id,
		CorrelationID: correlationID,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	s.units[id] = u
	logger := s.logger.WithValues(log.Kv{"unit-id": id, "correlation-id": correlationID})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(u.done)
		defer cancel(nil)
		defer func() {
			s.mu.Lock()
			delete(s.units, id)
			s.mu.Unlock()
		}()

		logger.Debugf("Unit started")
		u.err = fn(uctx, logger)
		if u.err != nil {
			logger.Warningf("Unit ended with error: %s", u.err)
			return
		}
		logger.Debugf("Unit ended")
	}()

	return u, nil
}

// Cancel stops a running unit with ErrInterrupted. Returns false if there is no
// unit running with that id.
func (s *Supervisor) Cancel(id string) bool {
	s.mu.Lock()
	u, ok := s.units[id]
	s.mu.Unlock()

	if !ok {
		return false
	}
	u.Cancel(ErrInterrupted)
	return true
}

// Get returns the running unit with the id.
func (s *Supervisor) Get(id string) (*Unit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	return u, ok
}

// Running returns the number of running units.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units)
}

// Shutdown stops accepting units, cancels the running ones and waits for them
// until ctx ends.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, u := range s.units {
		u.Cancel(ErrShutdown)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("units did not end in time: %w", ctx.Err())
	}
}
