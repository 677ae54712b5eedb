package omx

import (
	"fmt"

	errors "golang.org/x/xerrors"
)

// Error kinds. Errors returned by this package wrap one of these; test with
// errors.Is.
var (
	// A buffer or memory request was refused.
	ErrAllocationFailure = errors.New("omx: allocation failure")

	// The component referenced an unknown handle, returned a buffer it did not
	// own, or failed to acknowledge a command in time.
	ErrProtocol = errors.New("omx: protocol error")

	// Start was called in the wrong state or the component did not come up.
	ErrStartFailure = errors.New("omx: start failure")

	// Submitting a command to the component failed.
	ErrTransportFailure = errors.New("omx: transport failure")

	// A binding was already released.
	ErrNotFound = errors.New("omx: buffer not found")

	// The decoder was stopped.
	ErrStopped = errors.New("omx: decoder stopped")

	// The output format is not known yet.
	ErrFormatUnknown = errors.New("omx: output format not known")

	// The component reported an error event. See ComponentError.
	ErrComponent = errors.New("omx: component error")
)

// ComponentError carries the error code from a component's EventError.
type ComponentError struct {
	Code uint32
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("omx: component error %#08x", e.Code)
}

func (e *ComponentError) Is(target error) bool {
	return target == ErrComponent
}

// Well-known component error codes.
const (
	ErrorCodeInsufficientResources uint32 = 0x80001000
	ErrorCodeUndefined             uint32 = 0x80001001
	ErrorCodeBadParameter          uint32 = 0x80001005
	ErrorCodeNotImplemented        uint32 = 0x80001006
	ErrorCodeIncorrectStateOp      uint32 = 0x80001018
	ErrorCodeUnsupportedSetting    uint32 = 0x80001019
)

func transportError(op string, err error) error {
	return errors.Errorf("omx: %s: %v: %w", op, err, ErrTransportFailure)
}
