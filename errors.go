package wsa

import (
	"errors"
	"fmt"
)

var (
	// ErrNotEnoughResource reports slot exhaustion or a failure to create a
	// queue or wrapper.
	ErrNotEnoughResource = errors.New("wsa: not enough resource")
	// ErrUnknownFailure reports a protocol level failure: a missing global or
	// capability, or a connection error during dispatch.
	ErrUnknownFailure = errors.New("wsa: unknown failure")
	// ErrResourceBusy reports that an image is still held by the compositor.
	// It is a polling status, not a failure.
	ErrResourceBusy = errors.New("wsa: resource busy")
)

// Status is the result code of the C window system agent interface.
type Status int32

const (
	Success           Status = 0
	NotEnoughResource Status = -1
	UnknownFailure    Status = -2
	ResourceBusy      Status = 1
)

func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case NotEnoughResource:
		return "NotEnoughResource"
	case UnknownFailure:
		return "UnknownFailure"
	case ResourceBusy:
		return "ResourceBusy"
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// StatusOf maps an error returned by the Agent to its result code. Errors
// that do not wrap one of the package sentinels map to UnknownFailure.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrResourceBusy):
		return ResourceBusy
	case errors.Is(err, ErrNotEnoughResource):
		return NotEnoughResource
	}
	return UnknownFailure
}

func notEnough(what string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", what, ErrNotEnoughResource)
	}
	return fmt.Errorf("%s: %w: %w", what, ErrNotEnoughResource, err)
}

func unknown(what string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", what, ErrUnknownFailure)
	}
	return fmt.Errorf("%s: %w: %w", what, ErrUnknownFailure, err)
}
