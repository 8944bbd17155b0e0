// Package gate is the operation-level check every tool call passes before it
// runs. It is coarse on purpose: path-level checks belong to the capability
// resolver.
package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"patchgate/internal/ledger"
	"patchgate/internal/role"
)

// ErrRejected matches every *RejectedError.
var ErrRejected = errors.New("operation requires approval")

// Operation is the descriptor a caller presents to the gate.
type Operation struct {
	Name             string
	Role             role.Role
	EscalationPrompt string
}

// OperationRule overrides an operation's declared role from configuration.
type OperationRule struct {
	Name             string    `yaml:"name" json:"name"`
	Role             role.Role `yaml:"role" json:"role"`
	EscalationPrompt string    `yaml:"escalation_prompt,omitempty" json:"escalation_prompt,omitempty"`
}

// Recorder is the slice of the escalation ledger the gate needs.
type Recorder interface {
	Record(req ledger.Request) (ledger.Record, error)
	FindApproved(path, mode string) (ledger.Record, bool)
}

// RejectedError is returned when an operation needs human approval.
type RejectedError struct {
	Operation    string
	RequiredRole role.Role
	EscalationID string
	Prompt       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s requires %s approval (escalation %s). %s",
		e.Operation, e.RequiredRole, e.EscalationID, e.Prompt)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// ToolPath is the synthetic ledger path recorded for an operation.
func ToolPath(name string) string {
	return "tool:" + name
}

// Gate auto-approves low-risk roles and routes everything else through the
// escalation ledger.
type Gate struct {
	ledger      Recorder
	defaultRole role.Role
	autoApprove map[role.Role]bool
	rules       map[string]OperationRule
	logger      *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithDefaultRole sets the role for operations that declare none.
func WithDefaultRole(r role.Role) Option {
	return func(g *Gate) {
		if r != role.Unset {
			g.defaultRole = r
		}
	}
}

// WithAutoApprove replaces the auto-approved role set.
func WithAutoApprove(roles ...role.Role) Option {
	return func(g *Gate) {
		g.autoApprove = make(map[role.Role]bool, len(roles))
		for _, r := range roles {
			g.autoApprove[r] = true
		}
	}
}

// WithRules installs per-operation overrides.
func WithRules(rules ...OperationRule) Option {
	return func(g *Gate) {
		for _, r := range rules {
			g.rules[r.Name] = r
		}
	}
}

// WithLogger sets the audit logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New returns a gate that auto-approves read operations and requires
// approval for everything else.
func New(rec Recorder, opts ...Option) *Gate {
	g := &Gate{
		ledger:      rec,
		defaultRole: role.Write,
		autoApprove: map[role.Role]bool{role.Read: true},
		rules:       make(map[string]OperationRule),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Describe returns op with configured overrides and defaults applied.
func (g *Gate) Describe(op Operation) Operation {
	if rule, ok := g.rules[op.Name]; ok {
		if rule.Role != role.Unset {
			op.Role = rule.Role
		}
		if rule.EscalationPrompt != "" {
			op.EscalationPrompt = rule.EscalationPrompt
		}
	}
	if op.Role == role.Unset {
		op.Role = g.defaultRole
	}
	return op
}

// AssertAllowed lets op proceed or records an escalation and rejects it. The
// operation's arguments are never inspected.
func (g *Gate) AssertAllowed(p role.Principal, op Operation) error {
	op = g.Describe(op)
	path := ToolPath(op.Name)
	mode := op.Role.String()

	if g.autoApprove[op.Role] {
		g.logger.Info("operation auto-approved",
			slog.String("operation", op.Name),
			slog.String("role", mode),
			slog.String("principal", p.Name))
		return nil
	}
	if rec, ok := g.ledger.FindApproved(path, mode); ok {
		g.logger.Info("operation approved by escalation",
			slog.String("operation", op.Name),
			slog.String("escalation_id", rec.ID),
			slog.String("resolver", rec.Resolver),
			slog.String("principal", p.Name))
		return nil
	}

	rec, err := g.ledger.Record(ledger.Request{
		Path:        path,
		Mode:        mode,
		Reason:      fmt.Sprintf("%s requires %s role", op.Name, mode),
		RequestedBy: p.Name,
	})
	if err != nil {
		return fmt.Errorf("record escalation for %s: %w", op.Name, err)
	}
	g.logger.Warn("operation rejected pending approval",
		slog.String("operation", op.Name),
		slog.String("role", mode),
		slog.String("escalation_id", rec.ID),
		slog.String("principal", p.Name))

	return &RejectedError{
		Operation:    op.Name,
		RequiredRole: op.Role,
		EscalationID: rec.ID,
		Prompt:       suggestedPrompt(op),
	}
}

func suggestedPrompt(op Operation) string {
	if p := strings.TrimSpace(op.EscalationPrompt); p != "" {
		return p
	}
	return fmt.Sprintf("Ask the operator to approve it, explaining why %s is needed and which files or editor state it will change.", op.Name)
}
