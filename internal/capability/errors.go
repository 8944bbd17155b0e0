package capability

import (
	"errors"
	"fmt"

	"patchgate/internal/role"
)

var (
	// ErrWriteDenied matches every *WriteDeniedError.
	ErrWriteDenied = errors.New("write denied")

	// ErrPermissionDenied matches every *PermissionDeniedError.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrJustificationRequired is returned by RequestEscalation without a reason.
	ErrJustificationRequired = errors.New("justification is required")
)

// Write denial reasons.
const (
	ReasonDenyRule           = "deny-rule"
	ReasonEscalationRequired = "escalation-required"
)

// WriteDeniedError reports a path that failed the capability check.
type WriteDeniedError struct {
	Path   string
	Mode   string
	Reason string
	Rule   string
}

func (e *WriteDeniedError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("write denied for %s (%s): %s %s", e.Path, e.Mode, e.Reason, e.Rule)
	}
	return fmt.Sprintf("write denied for %s (%s): %s", e.Path, e.Mode, e.Reason)
}

func (e *WriteDeniedError) Is(target error) bool {
	return target == ErrWriteDenied
}

// PermissionDeniedError reports an operation whose required role exceeds the
// caller's.
type PermissionDeniedError struct {
	Operation    string
	RequiredRole role.Role
	CurrentRole  role.Role
	Description  string
}

func (e *PermissionDeniedError) Error() string {
	msg := fmt.Sprintf("operation %s requires role %s, current role is %s", e.Operation, e.RequiredRole, e.CurrentRole)
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}

func (e *PermissionDeniedError) Is(target error) bool {
	return target == ErrPermissionDenied
}
