package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/config"
)

var envKeys = []string{
	"HELM_ASSETS_PORT", "LOG_LEVEL", "DATABASE_URL", "DATA_DIR", "BADGER_DIR", "STATE_FILE",
	"NAMESPACES_FILE", "CERT_KEY_FILE", "BATCH_TTL", "MAX_CHUNK_SIZE", "MAX_ASSET_SIZE",
	"REDIS_URL", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "JWT_PUBLIC_KEY", "OTEL_ENABLED",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "SCHEDULER_INTERVAL",
}

func clearEnv(t *testing.T) {
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.LiteMode())
	assert.Equal(t, filepath.Join("data", "assets.db"), cfg.SQLitePath())
	assert.Equal(t, filepath.Join("data", "badger"), cfg.BadgerDir)
	assert.Equal(t, 5*time.Minute, cfg.Limits.TTL)
	assert.Equal(t, uint64(2<<20), cfg.Limits.MaxChunkSize)
	assert.Equal(t, uint64(64<<20), cfg.Limits.MaxAssetSize)
	assert.False(t, cfg.OTELEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HELM_ASSETS_PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://production:5432/assets")
	t.Setenv("DATA_DIR", "/var/lib/assets")
	t.Setenv("BATCH_TTL", "30s")
	t.Setenv("MAX_CHUNK_SIZE", "1024")
	t.Setenv("MAX_ASSET_SIZE", "4096")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("RATE_LIMIT_BURST", "7")
	t.Setenv("OTEL_ENABLED", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.LiteMode())
	assert.Equal(t, "/var/lib/assets/badger", cfg.BadgerDir)
	assert.Equal(t, "/var/lib/assets/state.cbor", cfg.StateFile)
	assert.Equal(t, 30*time.Second, cfg.Limits.TTL)
	assert.Equal(t, uint64(1024), cfg.Limits.MaxChunkSize)
	assert.Equal(t, uint64(4096), cfg.Limits.MaxAssetSize)
	assert.InDelta(t, 2.5, cfg.RateLimitRPS, 1e-9)
	assert.Equal(t, 7, cfg.RateLimitBurst)
	assert.True(t, cfg.OTELEnabled)
}

func TestLoad_Invalid(t *testing.T) {
	for key, value := range map[string]string{
		"BATCH_TTL":        "soon",
		"MAX_CHUNK_SIZE":   "-1",
		"RATE_LIMIT_BURST": "many",
	} {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			_, err := config.Load()
			assert.Error(t, err)
		})
	}

	clearEnv(t)
	t.Setenv("MAX_CHUNK_SIZE", "100")
	t.Setenv("MAX_ASSET_SIZE", "10")
	_, err := config.Load()
	assert.Error(t, err)
}

const namespacesYAML = `
namespaces:
  - name: site
    prefix: /site/
    tier: fast
    owners: [alice]
    fallback: /site/index.html
    rewrites:
      - from: /site/home
        to: /site/index.html
    redirects:
      - from: /site/old
        to: /site/
        status: 301
  - name: releases
    prefix: /releases/
    rule: '"deployer" in caller.roles'
    release_kinds: [frontend, backend]
`

func TestLoadNamespaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "namespaces.yaml")
	require.NoError(t, os.WriteFile(path, []byte(namespacesYAML), 0o600))

	list, err := config.LoadNamespaces(path)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, assets.TierFast, list[0].Tier)
	assert.Equal(t, []string{"alice"}, list[0].Owners)
	assert.Equal(t, 301, list[0].Redirects[0].Status)
	assert.Equal(t, []string{"frontend", "backend"}, list[1].ReleaseKinds)

	reg, err := assets.NewNamespaces(list)
	require.NoError(t, err)
	ns, ok := reg.Resolve("/releases/frontend-v1.0.0.wasm.gz")
	require.True(t, ok)
	assert.Equal(t, "releases", ns.Name)
}

func TestParseNamespaces_SchemaViolations(t *testing.T) {
	for name, doc := range map[string]string{
		"empty list":       "namespaces: []",
		"unknown tier":     "namespaces: [{name: a, prefix: /a/, tier: cold}]",
		"missing prefix":   "namespaces: [{name: a}]",
		"unknown field":    "namespaces: [{name: a, prefix: /a/, colour: red}]",
		"non-3xx redirect": "namespaces: [{name: a, prefix: /a/, redirects: [{from: /a/x, to: /a/, status: 200}]}]",
		"bad kind":         "namespaces: [{name: a, prefix: /a/, release_kinds: [Front-End]}]",
		"not yaml":         "namespaces: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := config.ParseNamespaces([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadNamespaces_Default(t *testing.T) {
	list, err := config.LoadNamespaces("")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "/", list[0].Prefix)

	_, err = config.LoadNamespaces(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
