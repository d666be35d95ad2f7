// Package errors provides the registry's structured error taxonomy.
//
// Every failed registry operation returns an *Error carrying a machine-readable
// Code. Callers match kinds with the standard library:
//
//	if errors.Is(err, apperrors.ErrNotReady) { ... }
//
// or extract the code with GetCode.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an error that did not originate in the registry.
	CodeUnknown Code = "UNKNOWN"

	CodeNotFound          Code = "NOT_FOUND"
	CodeDuplicateCreation Code = "DUPLICATE_CREATION"
	CodeNotOwner          Code = "NOT_OWNER"
	CodeNotAuthorized     Code = "NOT_AUTHORIZED"
	CodeOwnershipMismatch Code = "OWNERSHIP_MISMATCH"
	CodeNotReady          Code = "NOT_READY"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
)

// Sentinels for errors.Is. They compare equal to any *Error with the same Code.
var (
	ErrNotFound          = &Error{Code: CodeNotFound, Message: "zombie not found"}
	ErrDuplicateCreation = &Error{Code: CodeDuplicateCreation, Message: "identity already created a zombie"}
	ErrNotOwner          = &Error{Code: CodeNotOwner, Message: "caller is not the owner"}
	ErrNotAuthorized     = &Error{Code: CodeNotAuthorized, Message: "caller is neither owner nor approved"}
	ErrOwnershipMismatch = &Error{Code: CodeOwnershipMismatch, Message: "from is not the current owner"}
	ErrNotReady          = &Error{Code: CodeNotReady, Message: "zombie is on cooldown"}
	ErrInvalidArgument   = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
)

// Error is a registry failure.
type Error struct {
	Code     Code
	Op       string
	Message  string
	Metadata map[string]string
}

// New creates an error for op with a formatted message.
func New(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WithMeta returns a copy of e with key=value added to Metadata.
func (e *Error) WithMeta(key, value string) *Error {
	out := *e
	out.Metadata = make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		out.Metadata[k] = v
	}
	out.Metadata[key] = value
	return &out
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(e.Metadata[k])
		}
		b.WriteByte(')')
	}
	return b.String()
}

// Is matches any *Error with the same Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatus maps the code onto an HTTP status for outer surfaces.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotOwner, CodeNotAuthorized:
		return http.StatusForbidden
	case CodeDuplicateCreation, CodeOwnershipMismatch:
		return http.StatusConflict
	case CodeNotReady:
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

// GetCode extracts the error code from any error.
// Returns CodeUnknown if the error is not a registry error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode checks if the error has the specified code.
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}
