package sync

import (
	"errors"
	"fmt"

	"github.com/matheus3301/inline/internal/update"
)

// Code categorizes engine errors.
type Code string

const (
	// CodeMalformedEvent marks an update with a missing or invalid payload
	// field. The update is skipped; the batch continues.
	CodeMalformedEvent Code = "MALFORMED_EVENT"

	// CodeReferentialGap marks an update whose referenced entity is not
	// stored. The update is skipped; the batch continues.
	CodeReferentialGap Code = "REFERENTIAL_GAP"

	// CodeStorageFailure marks a transaction-level failure. The whole batch
	// is rolled back and the error reaches the caller.
	CodeStorageFailure Code = "STORAGE_FAILURE"

	// CodeNotifierFailure marks a subscriber failure after commit. It is
	// logged by the bus and never returned.
	CodeNotifierFailure Code = "NOTIFIER_FAILURE"
)

// Error is an engine error with a category code. Use errors.Is with the
// Err* sentinels to test the category.
type Error struct {
	Code    Code
	Kind    update.Kind
	BatchID string
	Err     error
}

// Sentinels for errors.Is matching by code.
var (
	ErrMalformedEvent  = &Error{Code: CodeMalformedEvent}
	ErrReferentialGap  = &Error{Code: CodeReferentialGap}
	ErrStorageFailure  = &Error{Code: CodeStorageFailure}
	ErrNotifierFailure = &Error{Code: CodeNotifierFailure}
)

// ErrEngineStopped is returned for batches submitted after Stop.
var ErrEngineStopped = errors.New("update engine stopped")

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Kind != "" {
		msg += " (" + string(e.Kind) + ")"
	}
	if e.BatchID != "" {
		msg += " batch=" + e.BatchID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// eventLocal reports whether the error only affects the update that raised it.
func (e *Error) eventLocal() bool {
	return e.Code == CodeMalformedEvent || e.Code == CodeReferentialGap
}

func malformed(format string, args ...any) error {
	return &Error{Code: CodeMalformedEvent, Err: fmt.Errorf(format, args...)}
}

func gap(format string, args ...any) error {
	return &Error{Code: CodeReferentialGap, Err: fmt.Errorf(format, args...)}
}

func storageFailure(kind update.Kind, batchID string, err error) *Error {
	return &Error{Code: CodeStorageFailure, Kind: kind, BatchID: batchID, Err: err}
}

// IsStorageFailure reports whether err aborted a batch. Uses errors.As to
// handle wrapped errors.
func IsStorageFailure(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == CodeStorageFailure
}
