// Package capability decides whether a path may be written and which role an
// operation requires.
package capability

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"patchgate/internal/pathrule"
	"patchgate/internal/role"
)

// Journal receives one justification entry per recorded escalation request.
type Journal interface {
	Append(entry any) error
}

// EscalationStatus is the outcome of RequestEscalation.
type EscalationStatus string

const (
	EscalationRecorded         EscalationStatus = "recorded"
	EscalationAlreadySatisfied EscalationStatus = "already_satisfied"
)

// EscalationRequest is returned by RequestEscalation.
type EscalationRequest struct {
	Status       EscalationStatus `json:"status"`
	RequestID    string           `json:"request_id,omitempty"`
	Operation    string           `json:"operation"`
	RequiredRole role.Role        `json:"required_role"`
	CurrentRole  role.Role        `json:"current_role"`
}

type justificationEntry struct {
	RequestID     string    `json:"request_id"`
	Operation     string    `json:"operation"`
	Principal     string    `json:"principal"`
	Justification string    `json:"justification"`
	RequestedRole role.Role `json:"requested_role,omitempty"`
	RequiredRole  role.Role `json:"required_role"`
	CurrentRole   role.Role `json:"current_role"`
	Timestamp     string    `json:"timestamp"`
}

type commandPattern struct {
	CommandRole
	matcher glob.Glob
}

// Resolver evaluates path and operation capabilities. It holds no caller
// state; the principal is passed to every check.
type Resolver struct {
	allow       []pathrule.Rule
	deny        []pathrule.Rule
	defaultRole role.Role
	exact       map[string]CommandRole
	patterns    []commandPattern

	journal Journal
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithJournal sets the justification trail written by RequestEscalation.
func WithJournal(j Journal) Option {
	return func(r *Resolver) { r.journal = j }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver builds a resolver from cfg.
func NewResolver(cfg Config, opts ...Option) (*Resolver, error) {
	cfg, err := cfg.Normalized()
	if err != nil {
		return nil, err
	}
	r := &Resolver{
		allow:       cfg.WriteAllow,
		deny:        cfg.WriteDeny,
		defaultRole: cfg.DefaultRole,
		exact:       make(map[string]CommandRole),
		logger:      slog.Default(),
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, cr := range cfg.CommandRoles {
		if !strings.ContainsAny(cr.Operation, "*?[{") {
			if _, dup := r.exact[cr.Operation]; !dup {
				r.exact[cr.Operation] = cr
			}
			continue
		}
		g, err := glob.Compile(cr.Operation)
		if err != nil {
			return nil, fmt.Errorf("command role %q: %w", cr.Operation, err)
		}
		r.patterns = append(r.patterns, commandPattern{CommandRole: cr, matcher: g})
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// DefaultRole is the role required by unconfigured operations.
func (r *Resolver) DefaultRole() role.Role {
	return r.defaultRole
}

// AssertWriteAllowed checks one path. Deny rules win over allow rules; a path
// matching neither requires escalation.
func (r *Resolver) AssertWriteAllowed(relPath, mode string) error {
	rel := pathrule.Normalize(relPath)
	if rule, ok := pathrule.FirstMatch(rel, r.deny); ok {
		return &WriteDeniedError{Path: rel, Mode: mode, Reason: ReasonDenyRule, Rule: rule.String()}
	}
	if pathrule.MatchesAny(rel, r.allow) {
		return nil
	}
	return &WriteDeniedError{Path: rel, Mode: mode, Reason: ReasonEscalationRequired}
}

// CommandRule returns the configured requirement for op, if any.
func (r *Resolver) CommandRule(op string) (CommandRole, bool) {
	if cr, ok := r.exact[op]; ok {
		return cr, true
	}
	for _, p := range r.patterns {
		if p.matcher.Match(op) {
			return p.CommandRole, true
		}
	}
	return CommandRole{}, false
}

// ResolveRequiredRole returns the stricter of the declared and configured
// roles, or the default role when neither exists.
func (r *Resolver) ResolveRequiredRole(op string, declared role.Role) role.Role {
	cr, ok := r.CommandRule(op)
	switch {
	case ok:
		return role.Max(cr.Role, declared)
	case declared != role.Unset:
		return declared
	default:
		return r.defaultRole
	}
}

// AssertCommandAllowed compares the required role for op with p's role.
func (r *Resolver) AssertCommandAllowed(p role.Principal, op string, declared role.Role, note string) error {
	required := r.ResolveRequiredRole(op, declared)
	if p.Role.Satisfies(required) {
		return nil
	}
	cr, _ := r.CommandRule(op)
	r.logger.Info("command denied",
		slog.String("operation", op),
		slog.String("principal", p.Name),
		slog.String("required_role", required.String()),
		slog.String("current_role", p.Role.String()),
		slog.String("note", note))
	return &PermissionDeniedError{
		Operation:    op,
		RequiredRole: required,
		CurrentRole:  p.Role,
		Description:  cr.Description,
	}
}

// RequestEscalation records why p wants to run op. Nothing is recorded when
// p's role already satisfies the requirement.
func (r *Resolver) RequestEscalation(p role.Principal, op, justification string, requested role.Role) (EscalationRequest, error) {
	required := r.ResolveRequiredRole(op, requested)
	res := EscalationRequest{
		Operation:    op,
		RequiredRole: required,
		CurrentRole:  p.Role,
	}
	if p.Role.Satisfies(required) {
		res.Status = EscalationAlreadySatisfied
		return res, nil
	}
	justification = strings.TrimSpace(justification)
	if justification == "" {
		return EscalationRequest{}, ErrJustificationRequired
	}

	res.Status = EscalationRecorded
	res.RequestID = r.newID()
	if r.journal != nil {
		entry := justificationEntry{
			RequestID:     res.RequestID,
			Operation:     op,
			Principal:     p.Name,
			Justification: justification,
			RequestedRole: requested,
			RequiredRole:  required,
			CurrentRole:   p.Role,
			Timestamp:     r.now().UTC().Format(time.RFC3339),
		}
		if err := r.journal.Append(entry); err != nil {
			return EscalationRequest{}, fmt.Errorf("record justification: %w", err)
		}
	}
	r.logger.Info("escalation requested",
		slog.String("request_id", res.RequestID),
		slog.String("operation", op),
		slog.String("principal", p.Name),
		slog.String("required_role", required.String()))
	return res, nil
}
