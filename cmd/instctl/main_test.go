package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRequiresInst(t *testing.T) {
	color.NoColor = true
	assert.ErrorIs(t, run(nil), errUsage)
	assert.ErrorIs(t, run([]string{"-unknown"}), errUsage)
}

func TestRunReturnsSetupErrors(t *testing.T) {
	notADir := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(notADir, []byte("x"), 0o600))
	t.Setenv("DATA_DIR", notADir)
	t.Setenv("SERVER_URL", "ws://127.0.0.1:1/ws")

	err := run([]string{"-inst", "inst"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create data dir")
}
