package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode - error code reported through the operational API
type ErrorCode string

const (
	ErrorCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrorCodeInternalError     ErrorCode = "INTERNAL_ERROR"
	ErrorCodeInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrorCodeUnknownService    ErrorCode = "UNKNOWN_SERVICE"
	ErrorCodeUnknownUser       ErrorCode = "UNKNOWN_USER"
	ErrorCodeUnknownRepository ErrorCode = "UNKNOWN_REPOSITORY"
)

// Error - domain error with HTTP status and code
type Error struct {
	Status  int
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches domain errors by code so that wrapped copies compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func NewError(status int, code ErrorCode, message string, err error) *Error {
	return &Error{
		Status:  status,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

var (
	ErrResourceNotFound = NewError(
		http.StatusNotFound,
		ErrorCodeNotFound,
		"resource not found",
		nil,
	)

	ErrInternal = NewError(
		http.StatusInternalServerError,
		ErrorCodeInternalError,
		"internal server error",
		nil,
	)

	ErrInvalidInput = NewError(
		http.StatusBadRequest,
		ErrorCodeInvalidInput,
		"invalid input data",
		nil,
	)

	ErrUnknownService = NewError(
		http.StatusNotFound,
		ErrorCodeUnknownService,
		"unknown background service",
		nil,
	)

	ErrUnknownUser = NewError(
		http.StatusForbidden,
		ErrorCodeUnknownUser,
		"unknown user",
		nil,
	)

	ErrUnknownRepository = NewError(
		http.StatusNotFound,
		ErrorCodeUnknownRepository,
		"unknown repository",
		nil,
	)
)

func IsDomainError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

func WrapError(err error, status int, code ErrorCode, message string) *Error {
	return NewError(status, code, message, err)
}

// RejectedRef describes why one ref of a push was refused.
type RejectedRef struct {
	RefName string
	Reason  string
	Details string
}

func (r RejectedRef) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rejected ref: %s\n", r.RefName)
	fmt.Fprintf(&b, "Reason: %s\n", r.Reason)
	if r.Details != "" {
		b.WriteString("Details:\n")
		for _, line := range strings.Split(strings.TrimRight(r.Details, "\n"), "\n") {
			b.WriteString("  " + line + "\n")
		}
	}
	return b.String()
}

// Rejection is returned by push validation. A push is rejected in total; Refs lists every
// ref of the first validation class that failed.
type Rejection struct {
	Refs []RejectedRef
}

func (r *Rejection) Error() string {
	parts := make([]string, len(r.Refs))
	for i, ref := range r.Refs {
		parts[i] = ref.String()
	}
	return strings.Join(parts, "\n")
}

func (r *Rejection) Add(refName, reason, details string) {
	r.Refs = append(r.Refs, RejectedRef{RefName: refName, Reason: reason, Details: details})
}

func (r *Rejection) Empty() bool {
	return r == nil || len(r.Refs) == 0
}

// RebaseProcessingFailure carries the traceback of a failed replay back to the review updater.
type RebaseProcessingFailure struct {
	Traceback string
}

func (e *RebaseProcessingFailure) Error() string {
	return "rebase processing failed:\n" + e.Traceback
}

// UpdateRejected is returned by review-update validation with a user facing reason.
type UpdateRejected struct {
	Reason  string
	Details string
}

func (e *UpdateRejected) Error() string {
	if e.Details == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Details
}

func NewUpdateRejected(reason, details string) *UpdateRejected {
	return &UpdateRejected{Reason: reason, Details: details}
}
