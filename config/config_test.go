package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/whatsrelay/relayerr"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validConfig = `
completion:
  model: gpt-4o
  max_tokens: 500
  temperature: 0.7
embedding:
  model: text-embedding-3-small
session:
  role_token_budgets:
    client: 4000
    godfather: 100000
  storage_root: /tmp/sessions
ltm:
  storage_root: /tmp/ltm
media:
  storage_root: /tmp/media
`

func TestLoadValidConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, validConfig)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 24, cfg.Session.IdleTimeoutHours, "expected default idle_timeout_hours")
	assert.EqualValues(t, 10*1024*1024, cfg.Media.MaxBytes, "expected default max_bytes")
	assert.Equal(t, "/reset", cfg.Commands.Reset, "expected default commands.reset")
}

func TestLoadMissingRequiredFieldIsConfigInvalid(t *testing.T) {
	path := writeConfig(t, "completion:\n  model: gpt-4o\n")
	_, err := Load(path)
	require.Error(t, err, "expected an error for missing required fields")
	assert.ErrorIs(t, err, relayerr.ErrConfigInvalid)
}

func TestLoadMissingFileIsConfigInvalid(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.ErrorIs(t, err, relayerr.ErrConfigInvalid)
}
