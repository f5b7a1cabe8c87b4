package upload

import (
	"fmt"
)

// ErrorKind classifies a failed upload request.
type ErrorKind int

const (
	// NetworkFailure means the request never produced a response.
	NetworkFailure ErrorKind = iota + 1
	// BadRequest means the collector permanently rejected the payload.
	BadRequest
	// UnexpectedServerResponse is any other non-success status.
	UnexpectedServerResponse
)

func (k ErrorKind) String() string {
	switch k {
	case NetworkFailure:
		return "network_failure"
	case BadRequest:
		return "bad_request"
	case UnexpectedServerResponse:
		return "unexpected_response"
	default:
		return "unknown"
	}
}

// UploadError describes why a request failed.
type UploadError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *UploadError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("upload %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("upload %s: %v", e.Kind, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("upload %s (status %d)", e.Kind, e.StatusCode)
	default:
		return "upload " + e.Kind.String()
	}
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Result is the outcome of one request. The zero value is a success.
type Result struct {
	Err *UploadError
}

// Success is the successful Result.
func Success() Result {
	return Result{}
}

// Failure builds a failed Result.
func Failure(kind ErrorKind, statusCode int, err error) Result {
	return Result{Err: &UploadError{Kind: kind, StatusCode: statusCode, Err: err}}
}

// IsSuccess reports whether the request was accepted.
func (r Result) IsSuccess() bool {
	return r.Err == nil
}

// IsBadRequest reports a permanent rejection of the payload.
func (r Result) IsBadRequest() bool {
	return r.Err != nil && r.Err.Kind == BadRequest
}

// CanContinue reports whether the drain loop may go on after this result.
// A bad request concerns only its own payload, so it does not stop the
// cycle; transport and server failures do.
func (r Result) CanContinue() bool {
	return r.IsSuccess() || r.IsBadRequest()
}

// Outcome is the metric and log label for the result.
func (r Result) Outcome() string {
	if r.Err == nil {
		return "success"
	}
	return r.Err.Kind.String()
}
