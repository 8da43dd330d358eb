package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version", "--config", writeEmptyConfig(t)})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "beam version dev\n", out.String())
}

func TestMissingConfigFails(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"version", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, cmd.Execute())
}

func TestHostRejectsBadTransport(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"host", "--config", writeEmptyConfig(t), "--transport", "tcp", "--status", "off"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tcp")
}

func TestClientRejectsBadFingerprint(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"client", "127.0.0.1:1", "--config", writeEmptyConfig(t), "--fingerprint", "zz"})
	assert.Error(t, cmd.Execute())
}

func writeEmptyConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "beam.yaml")
	require.NoError(t, os.WriteFile(path, []byte("debug: false\n"), 0o600))
	return path
}
