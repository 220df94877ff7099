// Package apperr classifies failures of the verification and signing flows.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies the class of a failure.
type Kind uint8

const (
	// KindUnknown is for unclassified errors.
	KindUnknown Kind = iota

	// KindValidation is for malformed caller input (empty image, bad depth frame).
	KindValidation

	// KindMetadataExtraction is for extractor-side failures. Never retried.
	KindMetadataExtraction

	// KindConfiguration is for missing or malformed configuration and key material.
	KindConfiguration

	// KindSigningFailed is terminal: raised only once the retry queue gave up on a job.
	KindSigningFailed

	// KindNotFound is for missing records.
	KindNotFound
)

// String returns a stable label for logs.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindMetadataExtraction:
		return "metadata_extraction"
	case KindConfiguration:
		return "configuration"
	case KindSigningFailed:
		return "signing_failed"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// HTTPStatus maps a Kind onto a response status code.
func HTTPStatus(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindMetadataExtraction:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindSigningFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error carrying an optional operation, field and cause.
type Error struct {
	kind  Kind
	op    string
	field string
	msg   string
	orig  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.msg
	if e.field != "" {
		msg = fmt.Sprintf("%s (field %s)", msg, e.field)
	}
	if e.op != "" {
		msg = e.op + ": " + msg
	}
	if e.orig != nil {
		return fmt.Sprintf("%s: %v", msg, e.orig)
	}
	return msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.orig }

// Kind returns the error class.
func (e *Error) Kind() Kind { return e.kind }

// Op returns the operation label, if set.
func (e *Error) Op() string { return e.op }

// Field returns the offending input field, if set.
func (e *Error) Field() string { return e.field }

// Message returns the message without cause or operation.
func (e *Error) Message() string { return e.msg }

// WithOp returns a copy of e labelled with op.
func (e *Error) WithOp(op string) *Error {
	cp := *e
	cp.op = op
	return &cp
}

// WithField returns a copy of e pointing at the offending field.
func (e *Error) WithField(field string) *Error {
	cp := *e
	cp.field = field
	return &cp
}

// New builds an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err returns nil.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: msg, orig: err}
}

// Validation builds a KindValidation error for field.
func Validation(field, msg string) *Error {
	return &Error{kind: KindValidation, field: field, msg: msg}
}

// Configuration wraps err as a KindConfiguration error.
func Configuration(msg string, err error) *Error {
	return &Error{kind: KindConfiguration, msg: msg, orig: err}
}

// MetadataExtraction wraps err as a KindMetadataExtraction error.
func MetadataExtraction(err error) *Error {
	return &Error{kind: KindMetadataExtraction, msg: "metadata extraction failed", orig: err}
}

// SigningFailed wraps the terminal cause of an abandoned signing job.
func SigningFailed(err error) *Error {
	return &Error{kind: KindSigningFailed, msg: "blockchain signing failed", orig: err}
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
