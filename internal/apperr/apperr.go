// Package apperr defines the error kinds the core reports to its
// callers, grounded on spec.md §7.
package apperr

import "fmt"

// Code identifies a stable error kind a front-end can map to a status
// code (HTTP status or DICOM status).
type Code int

const (
	// General errors (1000-1999).
	CodeInternalError     Code = 1000
	CodeBadSequenceOfCalls Code = 1001
	CodeDatabaseBusy      Code = 1002
	CodeNotEnoughMemory   Code = 1003
	CodePlugin            Code = 1004

	// Resource/admission errors (2000-2999).
	CodeMissingRequiredTag Code = 2000
	CodeDuplicateResource  Code = 2001
	CodeUnknownResource    Code = 2002
	CodeAlreadyStored      Code = 2003 // not an error: Store reports it as StatusAlreadyStored
	CodeFilteredOut        Code = 2004
	CodeBadFileFormat      Code = 2005

	// Storage errors (3000-3999).
	CodeCorruptedFile Code = 3000
	CodeDiskFull      Code = 3001
	CodeFullStorage   Code = 3002
	CodeNotFound      Code = 3003
	CodeWriteFailed   Code = 3004
)

var codeNames = map[Code]string{
	CodeInternalError:      "internal error",
	CodeBadSequenceOfCalls: "bad sequence of calls",
	CodeDatabaseBusy:       "database busy",
	CodeNotEnoughMemory:    "not enough memory",
	CodePlugin:             "plugin error",
	CodeMissingRequiredTag: "missing required tag",
	CodeDuplicateResource:  "duplicate resource",
	CodeUnknownResource:    "unknown resource",
	CodeAlreadyStored:      "already stored",
	CodeFilteredOut:        "filtered out",
	CodeBadFileFormat:      "bad file format",
	CodeCorruptedFile:      "corrupted file",
	CodeDiskFull:           "disk full",
	CodeFullStorage:        "full storage",
	CodeNotFound:           "not found",
	CodeWriteFailed:        "write failed",
}

// Error is the application error type returned across every core
// package boundary. Front-ends switch on Code, never on Error().
type Error struct {
	Code          Code
	Message       string
	Details       string
	OriginalError error
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.OriginalError }

// WithDetails attaches a human-readable detail string.
func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

// New creates an error of the given kind with the kind's default
// message.
func New(code Code) *Error {
	return &Error{Code: code, Message: nameOf(code)}
}

// Wrap attaches an underlying error, carrying its text as Details
// when none has been set explicitly.
func Wrap(code Code, err error) *Error {
	e := &Error{Code: code, Message: nameOf(code), OriginalError: err}
	if err != nil {
		e.Details = err.Error()
	}
	return e
}

func nameOf(code Code) string {
	if n, ok := codeNames[code]; ok {
		return n
	}
	return "unknown error"
}

// Is reports whether err is an *Error of the given code.
func Is(err error, code Code) bool {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	} else {
		return false
	}
	return e.Code == code
}
