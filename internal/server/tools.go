package server

import (
	"context"
	"errors"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"patchgate/internal/capability"
	"patchgate/internal/gate"
	"patchgate/internal/ledger"
	"patchgate/internal/patch"
	"patchgate/internal/role"
)

type previewArgs struct {
	Diff string `json:"diff" jsonschema:"Unified diff to validate. Paths are relative to the project root."`
}

type sessionArgs struct {
	SessionID string `json:"session_id" jsonschema:"Session id returned by preview_patch"`
}

type listArgs struct {
	Status string `json:"status,omitempty" jsonschema:"Only return escalations with this status: pending, approved or denied"`
}

type requestEscalationArgs struct {
	Operation     string `json:"operation" jsonschema:"Operation that needs a higher role"`
	Justification string `json:"justification" jsonschema:"Why the operation is needed"`
	RequestedRole string `json:"requested_role,omitempty" jsonschema:"Role being asked for: read, write/edit or admin"`
}

type checkArgs struct {
	Operation    string `json:"operation,omitempty" jsonschema:"Operation to check against command roles"`
	DeclaredRole string `json:"declared_role,omitempty" jsonschema:"Role the operation declares"`
	Path         string `json:"path,omitempty" jsonschema:"Project-relative path to check against write rules"`
	Mode         string `json:"mode,omitempty" jsonschema:"Write mode for path: modify, create or delete (default modify)"`
}

// permissionCheck is the check_permission result.
type permissionCheck struct {
	Principal        string    `json:"principal"`
	CurrentRole      role.Role `json:"current_role"`
	Operation        string    `json:"operation,omitempty"`
	RequiredRole     role.Role `json:"required_role,omitempty"`
	OperationAllowed *bool     `json:"operation_allowed,omitempty"`
	Path             string    `json:"path,omitempty"`
	Mode             string    `json:"mode,omitempty"`
	PathAllowed      *bool     `json:"path_allowed,omitempty"`
	PathReason       string    `json:"path_reason,omitempty"`
}

type escalationList struct {
	Escalations []ledger.Record `json:"escalations"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        opPreviewPatch.Name,
		Description: "Validate a unified diff against the project and the write rules without touching disk. Returns a session id for apply_patch.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args previewArgs) (*mcp.CallToolResult, any, error) {
		return s.previewPatch(ctx, args), nil, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        opApplyPatch.Name,
		Description: "Apply a previewed patch atomically. Every file is written or none is.",
	}, func(_ context.Context, _ *mcp.CallToolRequest, args sessionArgs) (*mcp.CallToolResult, any, error) {
		return s.applyPatch(args), nil, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        opCancelPatch.Name,
		Description: "Discard a previewed patch.",
	}, func(_ context.Context, _ *mcp.CallToolRequest, args sessionArgs) (*mcp.CallToolResult, any, error) {
		return s.cancelPatch(args), nil, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        opListEscalations.Name,
		Description: "List escalation records, oldest first.",
	}, func(_ context.Context, _ *mcp.CallToolRequest, args listArgs) (*mcp.CallToolResult, any, error) {
		return s.listEscalations(args), nil, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        opRequestEscalation.Name,
		Description: "Record a justification for running an operation that needs a higher role.",
	}, func(_ context.Context, _ *mcp.CallToolRequest, args requestEscalationArgs) (*mcp.CallToolResult, any, error) {
		return s.requestEscalation(args), nil, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        opCheckPermission.Name,
		Description: "Report whether an operation or a path write would be allowed for this session.",
	}, func(_ context.Context, _ *mcp.CallToolRequest, args checkArgs) (*mcp.CallToolResult, any, error) {
		return s.checkPermission(args), nil, nil
	})
}

func (s *Server) previewPatch(ctx context.Context, args previewArgs) *mcp.CallToolResult {
	if err := s.authorize(opPreviewPatch, ""); err != nil {
		return toolError(err)
	}
	res, err := s.svc.Pipeline.Preview(ctx, args.Diff)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(res)
}

func (s *Server) applyPatch(args sessionArgs) *mcp.CallToolResult {
	if err := s.authorize(opApplyPatch, args.SessionID); err != nil {
		return toolError(err)
	}
	res, err := s.svc.Pipeline.Apply(strings.TrimSpace(args.SessionID))
	if err != nil {
		return toolError(err)
	}
	return jsonResult(res)
}

func (s *Server) cancelPatch(args sessionArgs) *mcp.CallToolResult {
	if err := s.authorize(opCancelPatch, args.SessionID); err != nil {
		return toolError(err)
	}
	id := strings.TrimSpace(args.SessionID)
	if err := s.svc.Pipeline.Cancel(id); err != nil {
		return toolError(err)
	}
	return jsonResult(map[string]string{"session_id": id, "status": "cancelled"})
}

func (s *Server) listEscalations(args listArgs) *mcp.CallToolResult {
	if err := s.authorize(opListEscalations, ""); err != nil {
		return toolError(err)
	}
	var f ledger.Filter
	if args.Status != "" {
		st, err := ledger.ParseStatus(args.Status)
		if err != nil {
			return toolError(err)
		}
		f.Status = st
	}
	return jsonResult(escalationList{Escalations: s.svc.Ledger.List(f)})
}

func (s *Server) requestEscalation(args requestEscalationArgs) *mcp.CallToolResult {
	if err := s.authorize(opRequestEscalation, args.Operation); err != nil {
		return toolError(err)
	}
	op := strings.TrimSpace(args.Operation)
	if op == "" {
		return toolError(errors.New("operation is required"))
	}
	requested, err := role.Parse(args.RequestedRole)
	if err != nil {
		return toolError(err)
	}
	res, err := s.svc.Resolver.RequestEscalation(s.svc.Principal, op, args.Justification, requested)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(res)
}

func (s *Server) checkPermission(args checkArgs) *mcp.CallToolResult {
	if err := s.authorize(opCheckPermission, ""); err != nil {
		return toolError(err)
	}
	op := strings.TrimSpace(args.Operation)
	p := strings.TrimSpace(args.Path)
	if op == "" && p == "" {
		return toolError(errors.New("operation or path is required"))
	}

	out := permissionCheck{Principal: s.svc.Principal.Name, CurrentRole: s.svc.Principal.Role}
	if op != "" {
		declared, err := role.Parse(args.DeclaredRole)
		if err != nil {
			return toolError(err)
		}
		out.Operation = op
		out.RequiredRole = s.svc.Resolver.ResolveRequiredRole(op, declared)
		allowed := s.svc.Principal.Role.Satisfies(out.RequiredRole)
		out.OperationAllowed = &allowed
	}
	if p != "" {
		mode := strings.TrimSpace(args.Mode)
		if mode == "" {
			mode = string(patch.ModeModify)
		}
		out.Path, out.Mode = p, mode
		allowed := true
		if err := s.svc.Resolver.AssertWriteAllowed(p, mode); err != nil {
			var denied *capability.WriteDeniedError
			if !errors.As(err, &denied) {
				return toolError(err)
			}
			allowed = false
			out.PathReason = denied.Reason
		}
		out.PathAllowed = &allowed
	}
	return jsonResult(out)
}

// errorKind names the error taxonomy entry err belongs to.
func errorKind(err error) string {
	switch {
	case errors.Is(err, gate.ErrRejected):
		return "approval_required"
	case errors.Is(err, capability.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, capability.ErrWriteDenied):
		return "write_denied"
	case errors.Is(err, capability.ErrJustificationRequired):
		return "justification_required"
	case errors.Is(err, patch.ErrDiffInvalid):
		return "diff_invalid"
	case errors.Is(err, patch.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, patch.ErrLockConflict):
		return "lock_conflict"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrInvalidStatus):
		return "invalid_argument"
	default:
		return "internal"
	}
}
