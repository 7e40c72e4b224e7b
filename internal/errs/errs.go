// Package errs defines the tagged error-kind sum type shared by every
// layer above the storage adapter. Nothing above C1 string-matches errors;
// callers discriminate with errors.As against *Error.
package errs

import "fmt"

// Kind enumerates the error kinds C2-C4 raise and C5/the gateway adapter
// translate into kernel error codes.
type Kind int

const (
	_ Kind = iota
	NotFoundKind
	AlreadyExistsKind
	NotADirectoryKind
	IsADirectoryKind
	NotEmptyKind
	InvalidArgumentKind
	PermissionDeniedKind
	StorageFailureKind
	BadHandleKind
)

func (k Kind) String() string {
	switch k {
	case NotFoundKind:
		return "not found"
	case AlreadyExistsKind:
		return "already exists"
	case NotADirectoryKind:
		return "not a directory"
	case IsADirectoryKind:
		return "is a directory"
	case NotEmptyKind:
		return "not empty"
	case InvalidArgumentKind:
		return "invalid argument"
	case PermissionDeniedKind:
		return "permission denied"
	case StorageFailureKind:
		return "storage failure"
	case BadHandleKind:
		return "bad handle"
	default:
		return "unknown error kind"
	}
}

// Error is the single tagged sum type spec-level code raises. Op names the
// logical operation (e.g. "direntry.Create") for diagnostics; Err is the
// wrapped cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

func new(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func NotFound(op string, err error) *Error {
	return new(NotFoundKind, op, err)
}

func AlreadyExists(op string, err error) *Error {
	return new(AlreadyExistsKind, op, err)
}

func NotADirectory(op string, err error) *Error {
	return new(NotADirectoryKind, op, err)
}

func IsADirectory(op string, err error) *Error {
	return new(IsADirectoryKind, op, err)
}

func NotEmpty(op string, err error) *Error {
	return new(NotEmptyKind, op, err)
}

func InvalidArgument(op string, err error) *Error {
	return new(InvalidArgumentKind, op, err)
}

func PermissionDenied(op string, err error) *Error {
	return new(PermissionDeniedKind, op, err)
}

func StorageFailure(op string, err error) *Error {
	return new(StorageFailureKind, op, err)
}

func BadHandle(op string, err error) *Error {
	return new(BadHandleKind, op, err)
}
