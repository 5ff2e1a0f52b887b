package wire

import (
	"errors"
	"fmt"
)

// Error codes carried in RemoteError
const (
	CodeBadRequest     = 400
	CodeMethodNotFound = 404
	CodeConflict       = 409
	CodeCancelled      = 500
	CodeNotInitialized = 503
	CodeHandlerFailed  = 520
)

// RemoteError is the {code, message} error shape exchanged on the wire
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewRemoteError creates a remote error
func NewRemoteError(code int, message string) *RemoteError {
	return &RemoteError{Code: code, Message: message}
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Is matches any RemoteError with the same code and message
func (e *RemoteError) Is(target error) bool {
	var t *RemoteError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// AsRemoteError converts any error to its wire form. RemoteErrors pass
// through verbatim; everything else becomes CodeHandlerFailed.
func AsRemoteError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	return &RemoteError{Code: CodeHandlerFailed, Message: err.Error()}
}

// ValidationError reports a malformed message at the serialization boundary
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("wire: invalid field %q: %s", e.Field, e.Reason)
}
