package patch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDiffInvalid matches every *DiffError.
	ErrDiffInvalid = errors.New("invalid diff")
	// ErrSessionNotFound is returned for unknown, consumed, cancelled or
	// expired sessions.
	ErrSessionNotFound = errors.New("no preview found")
	// ErrLockConflict matches every *LockConflictError.
	ErrLockConflict = errors.New("paths locked by another apply")
)

// DiffError rejects a diff at preview time. Path is empty when the problem
// is not tied to one file.
type DiffError struct {
	Path   string
	Reason string
}

func (e *DiffError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid diff: %s", e.Reason)
	}
	return fmt.Sprintf("invalid diff for %s: %s", e.Path, e.Reason)
}

func (e *DiffError) Is(target error) bool {
	return target == ErrDiffInvalid
}

func invalidf(path, format string, args ...any) error {
	return &DiffError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// LockConflictError lists the paths another apply is holding.
type LockConflictError struct {
	Paths []string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("paths locked by another apply: %s", strings.Join(e.Paths, ", "))
}

func (e *LockConflictError) Is(target error) bool {
	return target == ErrLockConflict
}
