// Package apperr defines the unified error taxonomy for the service and its
// mapping to HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP mapping and client-safe rendering.
type Kind int

const (
	KindValidation Kind = iota
	KindAuthMissing
	KindAuthInvalid
	KindAuthForbidden
	KindShareNotFound
	KindFileNotFound
	KindTaskNotFound
	KindUserNotFound
	KindShareExpired
	KindRangeNotSatisfiable
	KindRateLimited
	KindFileSizeLimitExceeded
	KindTooManyFiles
	KindDatabase
	KindFileSystem
	KindInternal
)

// Error is the application error type. Message and Detail are safe to expose;
// the wrapped cause is logged only.
type Error struct {
	Kind    Kind
	Code    string // stable machine code
	Message string
	Detail  string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches errors by kind, so handlers can compare against sentinel
// constructors with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Status returns the HTTP status code for the error kind.
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation, KindTooManyFiles:
		return http.StatusBadRequest
	case KindAuthMissing, KindAuthInvalid:
		return http.StatusUnauthorized
	case KindAuthForbidden:
		return http.StatusForbidden
	case KindShareNotFound, KindFileNotFound, KindTaskNotFound, KindUserNotFound:
		return http.StatusNotFound
	case KindShareExpired:
		return http.StatusGone
	case KindFileSizeLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case KindRangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Internal reports whether the error detail must be redacted from responses.
func (e *Error) Internal() bool {
	switch e.Kind {
	case KindDatabase, KindFileSystem, KindInternal:
		return true
	}
	return false
}

func Validation(detail string) *Error {
	return &Error{Kind: KindValidation, Code: "VALIDATION_ERROR", Message: "Validation failed", Detail: detail}
}

func AuthMissing() *Error {
	return &Error{Kind: KindAuthMissing, Code: "AUTH_MISSING", Message: "Missing authentication token"}
}

func AuthInvalid(detail string) *Error {
	return &Error{Kind: KindAuthInvalid, Code: "AUTH_INVALID", Message: "Invalid or expired token", Detail: detail}
}

func AuthForbidden() *Error {
	return &Error{Kind: KindAuthForbidden, Code: "AUTH_FORBIDDEN", Message: "Not an admin user"}
}

func ShareNotFound(id string) *Error {
	return &Error{Kind: KindShareNotFound, Code: "SHARE_NOT_FOUND", Message: "Share link not found", Detail: id}
}

func ShareExpired(id string) *Error {
	return &Error{Kind: KindShareExpired, Code: "SHARE_EXPIRED", Message: "Share link has expired", Detail: id}
}

func FileNotFound(path string) *Error {
	return &Error{Kind: KindFileNotFound, Code: "FILE_NOT_FOUND", Message: "File not found", Detail: path}
}

func TaskNotFound(id string) *Error {
	return &Error{Kind: KindTaskNotFound, Code: "TASK_NOT_FOUND", Message: "Task not found", Detail: id}
}

func UserNotFound(id string) *Error {
	return &Error{Kind: KindUserNotFound, Code: "USER_NOT_FOUND", Message: "Admin user not found", Detail: id}
}

func RangeNotSatisfiable(size int64) *Error {
	return &Error{
		Kind:    KindRangeNotSatisfiable,
		Code:    "RANGE_NOT_SATISFIABLE",
		Message: "Requested range not satisfiable",
		Detail:  fmt.Sprintf("bytes */%d", size),
	}
}

func RateLimited() *Error {
	return &Error{Kind: KindRateLimited, Code: "RATE_LIMIT", Message: "Rate limit exceeded", Detail: "Please try again later"}
}

func FileSizeLimitExceeded(maxSize, actualSize int64) *Error {
	return &Error{
		Kind:    KindFileSizeLimitExceeded,
		Code:    "FILE_TOO_LARGE",
		Message: "File size limit exceeded",
		Detail:  fmt.Sprintf("maximum allowed: %d MB, provided: %d MB", maxSize/(1024*1024), actualSize/(1024*1024)),
	}
}

func TooManyFiles(maxFiles, actualFiles int) *Error {
	return &Error{
		Kind:    KindTooManyFiles,
		Code:    "TOO_MANY_FILES",
		Message: "Too many files in share",
		Detail:  fmt.Sprintf("maximum: %d, provided: %d", maxFiles, actualFiles),
	}
}

func Database(err error) *Error {
	return &Error{Kind: KindDatabase, Code: "DB_ERROR", Message: "Database error occurred", cause: err}
}

func FileSystem(err error) *Error {
	return &Error{Kind: KindFileSystem, Code: "FS_ERROR", Message: "File system error occurred", cause: err}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: "INTERNAL_ERROR", Message: "An internal error occurred", cause: err}
}
