package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"driftline/internal/config"
	"driftline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, time.Hour, cfg.Instances.TTL)
	require.Equal(t, domain.SeverityMedium, cfg.Drift.DefaultSeverity)
	gates := cfg.Gates()
	require.Equal(t, []domain.GateRequirement{{Gate: "SYS_ADMIN", MinApprovals: 1}}, gates[domain.RequestClaimOwnership])
	require.Len(t, gates[domain.RequestTransferOwnership], 2)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
server:
  addr: 0.0.0.0:9000
registry:
  kind: http
  url: http://config:8888
  static:
    billing/prod:
      db.url: postgres://prod
instances:
  ttl: 10m
`))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	require.Equal(t, "/v0", cfg.Server.BasePath)
	require.Equal(t, 10*time.Minute, cfg.Instances.TTL)
	require.Equal(t, "postgres://prod", cfg.Registry.Static["billing/prod"]["db.url"])
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown registry": "registry:\n  kind: etcd\n",
		"http without url": "registry:\n  kind: http\n",
		"bad severity":     "drift:\n  default_severity: SEVERE\n",
		"bad request type": "approvals:\n  default_gates:\n    DELETE: [{gate: SYS_ADMIN, min_approvals: 1}]\n",
		"zero approvals":   "approvals:\n  default_gates:\n    CLAIM_OWNERSHIP: [{gate: SYS_ADMIN, min_approvals: 0}]\n",
		"bad static key":   "registry:\n  static:\n    billing: {a: b}\n",
		"relative base":    "server:\n  base_path: v0\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestSetOverrides(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Set("server.addr", ":7000"))
	require.NoError(t, cfg.Set("instances.ttl", "90s"))
	require.NoError(t, cfg.Set("approvals.governance_enabled", "false"))
	require.NoError(t, cfg.Set("drift.default_severity", "high"))
	require.Equal(t, ":7000", cfg.Server.Addr)
	require.Equal(t, 90*time.Second, cfg.Instances.TTL)
	require.False(t, cfg.Approvals.GovernanceEnabled)
	require.Equal(t, domain.SeverityHigh, cfg.Drift.DefaultSeverity)

	require.Error(t, cfg.Set("instances.ttl", "soon"))
	require.Error(t, cfg.Set("nope", "x"))
	require.Contains(t, config.Overridable(), "cache.redis_url")
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	require.Equal(t, "static", cfg.Registry.Kind)

	_, err = config.Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte("log:\n  level: debug\n"), 0o644))
	cfg, err = config.Load(dir)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
}
