package lib

import (
	"errors"

	"github.com/saashqdev/delightful-sub003/internal/model"
)

var (
	// ErrNotFound is returned when a resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a resource with the same ID already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned on invalid input or operations.
	ErrNotValid = errors.New("not valid")
	// ErrForbidden is returned when the user does not own the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrBusy is returned when the resource is locked by another operation.
	ErrBusy = errors.New("resource busy")
	// ErrTimeout is returned when an operation did not finish in time.
	ErrTimeout = errors.New("timeout")
	// ErrRemote is returned when a sandbox rejected the request.
	ErrRemote = errors.New("remote rejected request")
)

var sentinels = []struct {
	internal error
	public   error
}{
	{model.ErrNotFound, ErrNotFound},
	{model.ErrAlreadyExists, ErrAlreadyExists},
	{model.ErrNotValid, ErrNotValid},
	{model.ErrForbidden, ErrForbidden},
	{model.ErrBusy, ErrBusy},
	{model.ErrTimeout, ErrTimeout},
	{model.ErrRemote, ErrRemote},
}

// mapError makes internal errors match the public sentinels, the message is kept.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	for _, s := range sentinels {
		if errors.Is(err, s.internal) {
			return &mappedError{original: err, sentinel: s.public}
		}
	}
	return err
}

type mappedError struct {
	original error
	sentinel error
}

func (e *mappedError) Error() string { return e.original.Error() }

func (e *mappedError) Is(target error) bool {
	return target == e.sentinel
}

func (e *mappedError) Unwrap() error { return e.original }
