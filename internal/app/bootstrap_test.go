package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/execution"
	"tradecore/internal/infra"
)

// inWorkspace runs the test from a temp dir holding a local _workspace.
func inWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "_workspace"), 0o755))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestBootstrap_PaperWiring(t *testing.T) {
	t.Setenv("TRADECORE_MODE", "")
	t.Setenv("TRADECORE_HOME", "")
	dir := inWorkspace(t)
	cfg, err := infra.ParseConfig([]byte("trading:\n  mode: paper\n  symbols: [BTCUSDT, ETHUSDT]\n"))
	require.NoError(t, err)

	b := NewBootstrap(cfg, nil)
	require.NoError(t, b.Initialize())

	_, isPaper := b.Venue.(*execution.PaperVenue)
	assert.True(t, isPaper)
	assert.NotNil(t, b.Engine.Book("ETHUSDT"))
	assert.NotNil(t, b.Journal)

	lock := filepath.Join(dir, "_workspace", "data", "paper", "instance.lock")
	assert.FileExists(t, lock)

	second := NewBootstrap(cfg, nil)
	assert.Error(t, second.Initialize(), "second instance is locked out")

	require.NoError(t, b.Close())
	assert.NoFileExists(t, lock)
}
