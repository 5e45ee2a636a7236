// Package errs defines the error kinds surfaced by axosync operations.
//
// Every failure that reaches the request boundary is one of three kinds.
// They can be checked with errors.Is against the sentinels below, or
// unpacked with errors.As for the details:
//
//	var addrErr *errs.AddressError
//	if errors.As(err, &addrErr) {
//	    log.Printf("operation %d failed: %v", addrErr.Index, addrErr)
//	}
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrAddress is matched by every *AddressError.
	ErrAddress = errors.New("invalid address")

	// ErrFormat is matched by every *FormatError.
	ErrFormat = errors.New("malformed document")

	// ErrFileSystem is matched by every *FileSystemError.
	ErrFileSystem = errors.New("file system error")
)

// AddressError reports a patch operation whose path cannot be resolved
// against the tree it is applied to.
type AddressError struct {
	// Index is the position of the failing operation within its batch.
	Index int

	// Segment is the path element that could not be resolved.
	// Empty when the address itself was rejected.
	Segment string

	// ParentClass and ParentName identify the node in which Segment
	// was expected.
	ParentClass string
	ParentName  string

	// Reason overrides the default message when set.
	Reason string
}

func (e *AddressError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("operation %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("operation %d: %q is not a valid member of %s %s",
		e.Index, e.Segment, e.ParentClass, e.ParentName)
}

// Is reports whether target is ErrAddress.
func (e *AddressError) Is(target error) bool {
	return target == ErrAddress
}

// FormatError reports content that cannot be parsed into the expected shape.
type FormatError struct {
	// Source names what was being parsed (a file path or "request body").
	Source string
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("failed to parse %s: %v", e.Source, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Is reports whether target is ErrFormat.
func (e *FormatError) Is(target error) bool {
	return target == ErrFormat
}

// FileSystemError reports a failed read, write or traversal.
type FileSystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileSystemError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileSystemError) Unwrap() error { return e.Err }

// Is reports whether target is ErrFileSystem.
func (e *FileSystemError) Is(target error) bool {
	return target == ErrFileSystem
}

// IsClientError returns true if the error was caused by the caller's input
// rather than by local state. Client errors are reported as rejected
// requests; everything else is a server-side failure.
func IsClientError(err error) bool {
	if err == nil {
		return false
	}

	// Unresolvable paths are the caller's fault
	if errors.Is(err, ErrAddress) {
		return true
	}

	return false
}
