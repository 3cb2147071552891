package persistence

import (
	"errors"
	"fmt"

	pkgerrors "msgflow/pkg/errors"
)

var ErrNotFound = pkgerrors.ErrNotFound.WithDetail("message", "record not found")

// ErrEncode marks a record that cannot be serialized for its backend.
var ErrEncode = errors.New("record encoding failed")

// Error reports a failed persistence operation. It carries the record of a
// failed write so the caller can retry it.
type Error struct {
	Op        string
	MessageID string
	Record    *Record
	Err       error
}

func (e *Error) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence %s failed for message %s: %v", e.Op, e.MessageID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports false for records that no backend will accept, such
// as one without an id or with attributes that cannot be encoded. Every
// other backend failure is treated as transient.
func (e *Error) IsRetryable() bool {
	if errors.Is(e.Err, ErrEncode) {
		return false
	}
	var appErr *pkgerrors.Error
	if errors.As(e.Err, &appErr) && appErr.Code == pkgerrors.ErrValidation.Code {
		return false
	}
	return true
}

// AppError converts e into the coded application error used by the HTTP layer.
func (e *Error) AppError() *pkgerrors.Error {
	return pkgerrors.ErrPersistence.
		WithCause(e).
		WithDetail("operation", e.Op).
		WithDetail("message_id", e.MessageID)
}

func AsError(err error) (*Error, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

func IsError(err error) bool {
	_, ok := AsError(err)
	return ok
}

func newError(op, id string, rec *Record, err error) *Error {
	return &Error{Op: op, MessageID: id, Record: rec, Err: err}
}
