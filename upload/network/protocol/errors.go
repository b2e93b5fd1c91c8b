package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks an unusable source file or partition request.
	ErrInvalidInput = errors.New("invalid input")
	// ErrCollaborator marks a failed signed-request fetch.
	ErrCollaborator = errors.New("signed request failed")
	// ErrTransport marks a storage call that did not complete at the network level.
	ErrTransport = errors.New("storage transport failed")
	// ErrProtocol marks a failure reported by the storage service in its response body.
	ErrProtocol = errors.New("storage reported failure")
	// ErrMalformedResponse marks a success response that lacks the expected payload.
	ErrMalformedResponse = errors.New("malformed storage response")
)

// ProtocolError is a {code, message} failure decoded from a storage response.
type ProtocolError struct {
	Action     Action
	StatusCode int
	Code       string
	Message    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s failed with status %d: %s: %s", e.Action, e.StatusCode, e.Code, e.Message)
}

// Is ...
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// CollaboratorError is returned when the signer refused or failed to mint a request.
type CollaboratorError struct {
	Action     Action
	StatusCode int
	Body       string
	Err        error
}

func (e *CollaboratorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("get signed request for %s: %s", e.Action, e.Err)
	}
	return fmt.Sprintf("get signed request for %s: HTTP %d: %s", e.Action, e.StatusCode, e.Body)
}

// Is ...
func (e *CollaboratorError) Is(target error) bool {
	return target == ErrCollaborator
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// MalformedResponseError ...
type MalformedResponseError struct {
	Action Action
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s: malformed response: %s", e.Action, e.Reason)
}

// Is ...
func (e *MalformedResponseError) Is(target error) bool {
	return target == ErrMalformedResponse
}

// TransportError wraps a network-level failure of a body-carrying storage call.
type TransportError struct {
	Action Action
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Err)
}

// Is ...
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// InvalidInputf builds an error wrapping ErrInvalidInput.
func InvalidInputf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
