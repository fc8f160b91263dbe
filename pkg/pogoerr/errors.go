// Package pogoerr defines the typed error kinds propagated across the
// dispatcher core, per the error handling design: every failure a caller can
// observe carries a kind, a message, and the job/host it concerns.
package pogoerr

import "fmt"

// Kind enumerates the error kinds a caller of the dispatcher core may observe.
type Kind string

const (
	InvalidSpec                  Kind = "InvalidSpec"
	UnknownNamespace             Kind = "UnknownNamespace"
	UnknownTag                   Kind = "UnknownTag"
	CoordinationStoreUnavailable Kind = "CoordinationStoreUnavailable"
	CASConflict                  Kind = "CASConflict"
	WorkerLost                   Kind = "WorkerLost"
	DispatchRejected             Kind = "DispatchRejected"
	Timeout                      Kind = "Timeout"
	Cancelled                    Kind = "Cancelled"
	DeadlockDetected             Kind = "DeadlockDetected"
	Internal                     Kind = "Internal"
)

// Error is the typed error carried across the dispatcher core's boundaries.
// Secrets are never included in Message.
type Error struct {
	Kind     Kind
	Message  string
	JobID    string
	Hostname string
	Wrapped  error
}

func (e *Error) Error() string {
	switch {
	case e.JobID != "" && e.Hostname != "":
		return fmt.Sprintf("%s: %s (job=%s host=%s)", e.Kind, e.Message, e.JobID, e.Hostname)
	case e.JobID != "":
		return fmt.Sprintf("%s: %s (job=%s)", e.Kind, e.Message, e.JobID)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds a bare Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around a lower-level cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: cause}
}

// WithJob attaches a jobid to the error, returning a new Error value.
func (e *Error) WithJob(jobid string) *Error {
	cp := *e
	cp.JobID = jobid
	return &cp
}

// WithHost attaches a hostname to the error, returning a new Error value.
func (e *Error) WithHost(hostname string) *Error {
	cp := *e
	cp.Hostname = hostname
	return &cp
}

// Invalid builds an InvalidSpec error.
func Invalid(format string, args ...interface{}) *Error {
	return New(InvalidSpec, fmt.Sprintf(format, args...))
}

// InternalErr builds an Internal error.
func InternalErr(format string, args ...interface{}) *Error {
	return New(Internal, fmt.Sprintf(format, args...))
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, otherwise Internal.
func KindOf(err error) Kind {
	var e *Error
	if as(err, &e) {
		return e.Kind
	}
	return Internal
}

// as is a tiny indirection over errors.As kept local to avoid importing
// "errors" into every call site that only wants KindOf.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
