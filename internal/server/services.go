package server

import (
	"fmt"
	"log/slog"

	"patchgate/internal/audit"
	"patchgate/internal/capability"
	"patchgate/internal/config"
	"patchgate/internal/gate"
	"patchgate/internal/ledger"
	"patchgate/internal/patch"
	"patchgate/internal/role"
)

// Services is the wired authorization and patch core for one project.
type Services struct {
	Principal role.Principal
	Ledger    *ledger.Ledger
	Gate      *gate.Gate
	Resolver  *capability.Resolver
	Pipeline  *patch.Pipeline
	Logger    *slog.Logger
}

// Build wires every component from cfg.
func Build(cfg *config.Config, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}

	l := ledger.Open(cfg.LedgerPath, ledger.WithLogger(logger.With("component", "ledger")))

	resolverOpts := []capability.Option{capability.WithLogger(logger.With("component", "capability"))}
	if cfg.JustificationLog != "" {
		resolverOpts = append(resolverOpts, capability.WithJournal(audit.NewLog(cfg.JustificationLog)))
	}
	resolver, err := capability.NewResolver(cfg.Capabilities, resolverOpts...)
	if err != nil {
		return nil, fmt.Errorf("build capability resolver: %w", err)
	}

	g := gate.New(l,
		gate.WithDefaultRole(cfg.Gate.DefaultRole),
		gate.WithAutoApprove(cfg.Gate.AutoApprove...),
		gate.WithRules(cfg.Gate.Operations...),
		gate.WithLogger(logger.With("component", "gate")),
	)

	pipeline, err := patch.New(cfg.ProjectRoot, resolver,
		patch.WithSessionTTL(cfg.SessionTTL),
		patch.WithLogger(logger.With("component", "patch")),
	)
	if err != nil {
		return nil, fmt.Errorf("build patch pipeline: %w", err)
	}

	return &Services{
		Principal: cfg.Principal,
		Ledger:    l,
		Gate:      g,
		Resolver:  resolver,
		Pipeline:  pipeline,
		Logger:    logger,
	}, nil
}
