package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.yaml")
	doc := "listen_addr: 0.0.0.0:9000\ndata_dir: " + dir + "\nactive_window: 45s\ncors_origins:\n  - https://app.example\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	require.Equal(t, 45*time.Second, cfg.ActiveWindow)
	require.Equal(t, []string{"https://app.example"}, cfg.CORSOrigins)
	// untouched fields keep their defaults
	require.Equal(t, 10*time.Second, cfg.RPCTimeout)
	require.Equal(t, int64(50<<20), cfg.MaxUploadBytes)
}

func TestLoadFileRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [unterminated"), 0o600))
	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"AGTHUB_LISTEN_ADDR":  ":8080",
		"CLI_API_TOKEN":       "  secret-token-value  ",
		"AGTHUB_CORS_ORIGINS": "https://a.example, ,https://b.example",
		"AGTHUB_RPC_TIMEOUT":  "3s",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg := DefaultConfig()
	require.NoError(t, ApplyEnv(&cfg, lookup))
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, "secret-token-value", cfg.CLIAPIToken)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	require.Equal(t, 3*time.Second, cfg.RPCTimeout)

	env["AGTHUB_SPAWN_TIMEOUT"] = "soon"
	require.Error(t, ApplyEnv(&cfg, lookup))
}

func TestEnsureSecretsGeneratesOnceAndPersists(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()

	generated, err := EnsureSecrets(&cfg)
	require.NoError(t, err)
	require.True(t, generated)
	require.NotEmpty(t, cfg.CLIAPIToken)
	require.NotEmpty(t, cfg.JWTSecret)

	info, err := os.Stat(filepath.Join(cfg.DataDir, cliTokenFile))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again := DefaultConfig()
	again.DataDir = cfg.DataDir
	generated, err = EnsureSecrets(&again)
	require.NoError(t, err)
	require.False(t, generated)
	require.Equal(t, cfg.CLIAPIToken, again.CLIAPIToken)
	require.Equal(t, cfg.JWTSecret, again.JWTSecret)
}

func TestEnsureSecretsKeepsConfiguredToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.CLIAPIToken = "configured-token-0123456789"
	generated, err := EnsureSecrets(&cfg)
	require.NoError(t, err)
	require.False(t, generated)
	require.Equal(t, "configured-token-0123456789", cfg.CLIAPIToken)
	require.False(t, WeakToken(cfg.CLIAPIToken))
	require.True(t, WeakToken("short"))
}
