package gate

import (
	"bytes"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"patchgate/internal/ledger"
	"patchgate/internal/role"
)

var bot = role.Principal{Name: "bot", Role: role.Write}

func newGate(t *testing.T, opts ...Option) (*Gate, *ledger.Ledger, *bytes.Buffer) {
	t.Helper()
	l := ledger.Open(filepath.Join(t.TempDir(), "escalations.json"))
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	return New(l, append([]Option{WithLogger(logger)}, opts...)...), l, &buf
}

func TestReadOperationsAreAutoApproved(t *testing.T) {
	g, l, logs := newGate(t)

	require.NoError(t, g.AssertAllowed(bot, Operation{Name: "get_scene_tree", Role: role.Read}))
	require.Empty(t, l.List(ledger.Filter{}))
	require.Contains(t, logs.String(), "operation auto-approved")
}

func TestWriteOperationRecordsEscalation(t *testing.T) {
	g, l, logs := newGate(t)

	err := g.AssertAllowed(bot, Operation{Name: "apply_patch", Role: role.Write, EscalationPrompt: "Describe the patch."})
	require.ErrorIs(t, err, ErrRejected)

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	require.Equal(t, role.Write, rejected.RequiredRole)
	require.Equal(t, "Describe the patch.", rejected.Prompt)
	require.Contains(t, err.Error(), rejected.EscalationID)

	records := l.List(ledger.Filter{})
	require.Len(t, records, 1)
	require.Equal(t, "tool:apply_patch", records[0].Path)
	require.Equal(t, "write", records[0].Mode)
	require.Equal(t, "bot", records[0].RequestedBy)
	require.Equal(t, rejected.EscalationID, records[0].ID)
	require.Contains(t, logs.String(), "operation rejected pending approval")

	// A retry reuses the pending record.
	err = g.AssertAllowed(bot, Operation{Name: "apply_patch", Role: role.Write})
	require.True(t, errors.As(err, &rejected))
	require.Equal(t, records[0].ID, rejected.EscalationID)
	require.Len(t, l.List(ledger.Filter{}), 1)
}

func TestApprovedEscalationLetsOperationThrough(t *testing.T) {
	g, l, _ := newGate(t)
	op := Operation{Name: "delete_node", Role: role.Admin}

	err := g.AssertAllowed(bot, op)
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))

	_, err = l.Resolve(ledger.Resolution{ID: rejected.EscalationID, Status: ledger.StatusApproved, Resolver: "alice"})
	require.NoError(t, err)
	require.NoError(t, g.AssertAllowed(bot, op))

	// Approval is scoped to the role that was requested.
	require.Error(t, g.AssertAllowed(bot, Operation{Name: "delete_node", Role: role.Write}))
}

func TestDeniedEscalationStillRejects(t *testing.T) {
	g, l, _ := newGate(t)
	op := Operation{Name: "run_script"}

	err := g.AssertAllowed(bot, op)
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	require.Equal(t, role.Write, rejected.RequiredRole, "default role applies")

	_, err = l.Resolve(ledger.Resolution{ID: rejected.EscalationID, Status: ledger.StatusDenied})
	require.NoError(t, err)

	err = g.AssertAllowed(bot, op)
	var again *RejectedError
	require.True(t, errors.As(err, &again))
	require.NotEqual(t, rejected.EscalationID, again.EscalationID)
}

func TestRulesAndAutoApproveAreConfigurable(t *testing.T) {
	g, l, _ := newGate(t,
		WithAutoApprove(role.Read, role.Write),
		WithDefaultRole(role.Admin),
		WithRules(OperationRule{Name: "apply_patch", Role: role.Admin, EscalationPrompt: "Patch touches scenes."}),
	)

	require.NoError(t, g.AssertAllowed(bot, Operation{Name: "set_property", Role: role.Write}))

	err := g.AssertAllowed(bot, Operation{Name: "apply_patch", Role: role.Write})
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	require.Equal(t, role.Admin, rejected.RequiredRole)
	require.Equal(t, "Patch touches scenes.", rejected.Prompt)

	err = g.AssertAllowed(bot, Operation{Name: "unknown"})
	require.True(t, errors.As(err, &rejected))
	require.Equal(t, role.Admin, rejected.RequiredRole)
	require.Len(t, l.List(ledger.Filter{Status: ledger.StatusPending}), 2)
}

type failingRecorder struct{}

func (failingRecorder) Record(ledger.Request) (ledger.Record, error) {
	return ledger.Record{}, errors.New("disk full")
}

func (failingRecorder) FindApproved(string, string) (ledger.Record, bool) {
	return ledger.Record{}, false
}

func TestRecorderFailureIsReturned(t *testing.T) {
	g := New(failingRecorder{}, WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))
	err := g.AssertAllowed(bot, Operation{Name: "apply_patch", Role: role.Write})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrRejected)
	require.Contains(t, err.Error(), "disk full")
}
