// Package server exposes the patch pipeline and escalation workflow as MCP
// tools. Every tool call passes the operation gate and the command role check
// before its handler runs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"patchgate/internal/capability"
	"patchgate/internal/gate"
	"patchgate/internal/role"
)

// Name is the MCP implementation name.
const Name = "patchgate"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

// Tool operations and the role each declares.
var (
	opPreviewPatch      = gate.Operation{Name: "preview_patch", Role: role.Write, EscalationPrompt: "Describe the change and list the files the diff touches."}
	opApplyPatch        = gate.Operation{Name: "apply_patch", Role: role.Write, EscalationPrompt: "Summarize the previewed patch and why it must land now."}
	opCancelPatch       = gate.Operation{Name: "cancel_patch", Role: role.Read}
	opListEscalations   = gate.Operation{Name: "list_escalations", Role: role.Read}
	opRequestEscalation = gate.Operation{Name: "request_escalation", Role: role.Read}
	opCheckPermission   = gate.Operation{Name: "check_permission", Role: role.Read}
)

// Server is the MCP front end over Services.
type Server struct {
	svc *Services
	mcp *mcp.Server
}

// New registers every tool on a fresh MCP server.
func New(svc *Services) *Server {
	s := &Server{
		svc: svc,
		mcp: mcp.NewServer(&mcp.Implementation{Name: Name, Version: Version}, nil),
	}
	s.registerTools()
	return s
}

// Run serves on t until the client disconnects or ctx is done.
func (s *Server) Run(ctx context.Context, t mcp.Transport) error {
	s.svc.Logger.Info("mcp server starting",
		slog.String("principal", s.svc.Principal.Name),
		slog.String("role", s.svc.Principal.Role.String()),
		slog.String("root", s.svc.Pipeline.Root()))
	return s.mcp.Run(ctx, t)
}

// RunStdio serves over stdin/stdout.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}

// authorize runs both checks every tool call must pass.
func (s *Server) authorize(op gate.Operation, note string) error {
	if err := s.svc.Gate.AssertAllowed(s.svc.Principal, op); err != nil {
		return err
	}
	op = s.svc.Gate.Describe(op)
	return s.svc.Resolver.AssertCommandAllowed(s.svc.Principal, op.Name, op.Role, note)
}

// toolFailure is the JSON body of an IsError result.
type toolFailure struct {
	Error        string    `json:"error"`
	Kind         string    `json:"kind"`
	EscalationID string    `json:"escalation_id,omitempty"`
	RequiredRole role.Role `json:"required_role,omitempty"`
	Prompt       string    `json:"prompt,omitempty"`
}

func toolResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: isError,
	}
}

func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError(fmt.Errorf("encode result: %w", err))
	}
	return toolResult(string(data), false)
}

func toolError(err error) *mcp.CallToolResult {
	f := toolFailure{Error: err.Error(), Kind: errorKind(err)}

	var rejected *gate.RejectedError
	var denied *capability.PermissionDeniedError
	switch {
	case errors.As(err, &rejected):
		f.EscalationID = rejected.EscalationID
		f.RequiredRole = rejected.RequiredRole
		f.Prompt = rejected.Prompt
	case errors.As(err, &denied):
		f.RequiredRole = denied.RequiredRole
		f.Prompt = fmt.Sprintf("Call request_escalation for %s with a justification.", denied.Operation)
	}

	data, mErr := json.MarshalIndent(f, "", "  ")
	if mErr != nil {
		return toolResult(err.Error(), true)
	}
	return toolResult(string(data), true)
}
