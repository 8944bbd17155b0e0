package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"patchgate/internal/pathrule"
	"patchgate/internal/role"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvConfig, EnvRoot, EnvPrincipal, EnvRole} {
		t.Setenv(k, "")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv(EnvRoot, dir)

	cfg, err := Load(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, dir, cfg.ProjectRoot)
	require.Equal(t, filepath.Join(dir, ".patchgate", "escalations.json"), cfg.LedgerPath)
	require.Equal(t, filepath.Join(dir, ".patchgate", "justifications.jsonl"), cfg.JustificationLog)
	require.Equal(t, filepath.Join(dir, ".patchgate", "audit.jsonl"), cfg.AuditLog)
	require.Equal(t, 30*time.Minute, cfg.SessionTTL)
	require.Equal(t, role.Principal{Name: "agent", Role: role.Write}, cfg.Principal)
	require.Equal(t, []role.Role{role.Read}, cfg.Gate.AutoApprove)
	require.True(t, pathrule.MatchesAny(".git/config", cfg.Capabilities.WriteDeny))
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "patchgate.yaml")
	content := `
project_root: ` + dir + `
ledger_path: state/ledger.json
justification_log: /var/tmp/just.jsonl
session_ttl: 5m
principal:
  name: godot-agent
  role: edit
gate:
  default_role: admin
  auto_approve: [read, write]
  operations:
    - name: apply_patch
      role: admin
      escalation_prompt: Explain the patch.
capabilities:
  write_allow:
    - directory:scripts
    - kind: extension
      value: tscn
  write_deny:
    - "glob:**/*.import"
  command_roles:
    - operation: delete_*
      role: admin
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "state", "ledger.json"), cfg.LedgerPath)
	require.Equal(t, "/var/tmp/just.jsonl", cfg.JustificationLog)
	require.Equal(t, 5*time.Minute, cfg.SessionTTL)
	require.Equal(t, role.Principal{Name: "godot-agent", Role: role.Write}, cfg.Principal)

	require.Equal(t, role.Admin, cfg.Gate.DefaultRole)
	require.Equal(t, []role.Role{role.Read, role.Write}, cfg.Gate.AutoApprove)
	require.Len(t, cfg.Gate.Operations, 1)
	require.Equal(t, "Explain the patch.", cfg.Gate.Operations[0].EscalationPrompt)

	require.True(t, pathrule.MatchesAny("scripts/player.gd", cfg.Capabilities.WriteAllow))
	require.True(t, pathrule.MatchesAny("scenes/main.tscn", cfg.Capabilities.WriteAllow))
	require.True(t, pathrule.MatchesAny("art/icon.png.import", cfg.Capabilities.WriteDeny))
	require.Equal(t, role.Write, cfg.Capabilities.DefaultRole)
	require.Len(t, cfg.Capabilities.CommandRoles, 1)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv(EnvRoot, dir)
	t.Setenv(EnvPrincipal, "ci-bot")
	t.Setenv(EnvRole, "admin")

	cfg, err := Load(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, dir, cfg.ProjectRoot)
	require.Equal(t, role.Principal{Name: "ci-bot", Role: role.Admin}, cfg.Principal)

	t.Setenv(EnvRole, "root")
	_, err = Load(filepath.Join(dir, "absent.yaml"))
	require.ErrorContains(t, err, EnvRole)
}

func TestConfigPathFromEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("project_root: "+dir+"\nsession_ttl: 1h\n"), 0o644))
	t.Setenv(EnvConfig, path)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, time.Hour, cfg.SessionTTL)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"bad yaml":          "project_root: [",
		"bad role":          "principal:\n  name: x\n  role: owner\n",
		"negative ttl":      "session_ttl: -1m\n",
		"empty principal":   "principal:\n  name: \"\"\n  role: read\n",
		"unnamed operation": "gate:\n  operations:\n    - role: admin\n",
		"bad rule":          "capabilities:\n  write_allow:\n    - \"glob:[\"\n",
		"roleless command":  "capabilities:\n  command_roles:\n    - operation: x\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			dir := t.TempDir()
			t.Setenv(EnvRoot, dir)
			path := filepath.Join(dir, "patchgate.yaml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}
