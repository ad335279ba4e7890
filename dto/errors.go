package dto

import (
	"errors"
	"fmt"

	"github.com/joy-dx/netmux/utils"
)

var (
	// ErrTransport network, DNS, TLS or I/O failure reported by a transport
	ErrTransport = errors.New("transport error")
	// ErrAuthenticationFailed challenge exhausted without an acceptable credential
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrCancelled explicit or cascading cancellation
	ErrCancelled = errors.New("task cancelled")
	// ErrDuplicateRegistration identifier already owned by another task
	ErrDuplicateRegistration = errors.New("duplicate task registration")
	// ErrBodyUnavailable a retry needed a fresh body source and none was supplied
	ErrBodyUnavailable = errors.New("request body unavailable")
)

// TaskError is delivered to completion handlers. Both Kind and the underlying
// cause are reachable through errors.Is / errors.As.
type TaskError struct {
	TaskID TaskID
	Kind   error
	Detail string
	Err    error
}

func (e *TaskError) Error() string {
	msg := e.Kind.Error()
	if e.TaskID != 0 {
		msg = fmt.Sprintf("task %s: %s", e.TaskID, msg)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TaskError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Temporary reports whether retrying the same request may succeed.
func (e *TaskError) Temporary() bool {
	if e.Kind != ErrTransport || e.Err == nil {
		return false
	}
	return utils.IsTemporaryErr(e.Err)
}

// ResumeData exposes resume data carried by the wrapped cause, if any.
func (e *TaskError) ResumeData() []byte {
	var carrier ResumeDataCarrier
	if e.Err != nil && errors.As(e.Err, &carrier) {
		return carrier.ResumeData()
	}
	return nil
}

func NewTaskError(id TaskID, kind error, detail string, err error) *TaskError {
	return &TaskError{TaskID: id, Kind: kind, Detail: detail, Err: err}
}
