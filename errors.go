// Package vexfs implements the VexFS core: a block-backed filesystem that
// stores ordinary files and directories alongside first-class vector
// embeddings, and an in-memory approximate-nearest-neighbor index kept in
// sync with the on-disk vector data.
//
// This package is the top-level façade (the Filesystem handle and the
// control interface of §6); the on-disk managers live in internal/.
package vexfs

import (
	"golang.org/x/xerrors"
)

// Kind classifies an Error so that callers can branch on failure mode
// without string matching, per the taxonomy in spec.md §7.
type Kind int

const (
	// KindOther covers errors that do not fit a named kind; IOError from
	// a collaborator device is typically wrapped with this kind.
	KindOther Kind = iota
	KindNotFound
	KindExists
	KindNoSpace
	KindNoInodes
	KindNoContiguousSpace
	KindDimensionMismatch
	KindElementTypeMismatch
	KindBadMagic
	KindUnsupportedVersion
	KindCorrupt
	KindIOError
	KindTimedOut
	KindNotEmpty
	KindInvalid
	KindQueueFull
	KindAlreadyVector
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindExists:
		return "Exists"
	case KindNoSpace:
		return "NoSpace"
	case KindNoInodes:
		return "NoInodes"
	case KindNoContiguousSpace:
		return "NoContiguousSpace"
	case KindDimensionMismatch:
		return "DimensionMismatch"
	case KindElementTypeMismatch:
		return "ElementTypeMismatch"
	case KindBadMagic:
		return "BadMagic"
	case KindUnsupportedVersion:
		return "UnsupportedVersion"
	case KindCorrupt:
		return "Corrupt"
	case KindIOError:
		return "IOError"
	case KindTimedOut:
		return "TimedOut"
	case KindNotEmpty:
		return "NotEmpty"
	case KindInvalid:
		return "Invalid"
	case KindQueueFull:
		return "QueueFull"
	case KindAlreadyVector:
		return "AlreadyVector"
	default:
		return "Other"
	}
}

// Error is the error type returned by every VexFS core operation that can
// fail. Op names the failing operation (e.g. "DirectoryMgr.insert") so
// diagnostics don't require parsing a message string.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return xerrors.Errorf("%s: %s: %w", e.Op, e.Kind, e.Err).Error()
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs an *Error, wrapping cause (which may be nil).
func E(op string, kind Kind, cause error) error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether err is a VexFS Error of the given kind, unwrapping
// through xerrors-compatible wrapping along the way.
func Is(err error, kind Kind) bool {
	var e *Error
	if xerrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
