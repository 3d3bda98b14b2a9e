package serverinfo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/config"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func newProvider(t *testing.T, path string) config.Provider {
	provider, err := config.NewStaticProvider(map[string]interface{}{
		"serverInfoFilePath": path,
	})
	require.NoError(t, err)
	return provider
}

func TestUpdateFieldWritesAndStopRemoves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "info.yaml")
	lc := fxtest.NewLifecycle(t)

	info, err := New(Params{
		Config:    newProvider(t, path),
		Lifecycle: lc,
		Logger:    zap.NewNop().Sugar(),
	})
	require.NoError(t, err)

	require.NoError(t, info.UpdateField("pid", "12345"))
	require.NoError(t, info.UpdateField("state", "ready"))
	require.NoError(t, info.UpdateField("state", "shutting-down"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var contents map[string]string
	require.NoError(t, yaml.Unmarshal(raw, &contents))
	assert.Equal(t, "12345", contents["pid"])
	assert.Equal(t, "shutting-down", contents["state"])

	lc.RequireStart().RequireStop()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestDisabledWhenPathEmpty(t *testing.T) {
	lc := fxtest.NewLifecycle(t)

	info, err := New(Params{
		Config:    newProvider(t, ""),
		Lifecycle: lc,
		Logger:    zap.NewNop().Sugar(),
	})
	require.NoError(t, err)

	assert.NoError(t, info.UpdateField("pid", "12345"))
	lc.RequireStart().RequireStop()
}

func TestStopToleratesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "info.yaml")
	lc := fxtest.NewLifecycle(t)

	info, err := New(Params{
		Config:    newProvider(t, path),
		Lifecycle: lc,
		Logger:    zap.NewNop().Sugar(),
	})
	require.NoError(t, err)

	require.NoError(t, info.UpdateField("pid", "1"))
	require.NoError(t, os.Remove(path))
	lc.RequireStart().RequireStop()
}
