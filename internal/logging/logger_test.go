package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetLogging(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		CloseAll()
		configMu.Lock()
		settings = Settings{}
		configMu.Unlock()
		logsDir = ""
	})
}

func readLogs(t *testing.T, ws string) map[string]string {
	t.Helper()
	dir := filepath.Join(ws, ".organon", "logs")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	out := make(map[string]string)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		out[e.Name()] = string(data)
	}
	return out
}

func TestAllCategoriesLog(t *testing.T) {
	resetLogging(t)
	ws := t.TempDir()

	require.NoError(t, Initialize(ws, Settings{DebugMode: true, Level: "debug"}))
	assert.True(t, IsDebugMode())

	for _, cat := range AllCategories {
		require.True(t, IsCategoryEnabled(cat), "category %s", cat)
		l := Get(cat)
		l.Info("info for %s", cat)
		l.Debug("debug for %s", cat)
		l.Warn("warn for %s", cat)
		l.Error("error for %s", cat)
	}
	CloseAll()

	logs := readLogs(t, ws)
	for _, cat := range AllCategories {
		found := false
		for name, content := range logs {
			if strings.HasSuffix(name, "_"+string(cat)+".log") {
				found = true
				assert.Contains(t, content, "info for "+string(cat))
				assert.Contains(t, content, "debug for "+string(cat))
			}
		}
		assert.True(t, found, "no log file for %s", cat)
	}
}

func TestProductionModeIsNoop(t *testing.T) {
	resetLogging(t)
	ws := t.TempDir()

	require.NoError(t, Initialize(ws, Settings{DebugMode: false}))
	l := Get(CategoryCoupling)
	assert.False(t, l.Enabled())
	l.Info("should not be written")

	_, err := os.Stat(filepath.Join(ws, ".organon", "logs"))
	assert.True(t, os.IsNotExist(err))
}

func TestCategoryFilter(t *testing.T) {
	resetLogging(t)
	ws := t.TempDir()

	require.NoError(t, Initialize(ws, Settings{
		DebugMode:  true,
		Categories: map[string]bool{"coupling": true, "family": false},
	}))

	assert.True(t, IsCategoryEnabled(CategoryCoupling))
	assert.False(t, IsCategoryEnabled(CategoryFamily))
	assert.True(t, IsCategoryEnabled(CategoryReward), "unlisted categories default on")
	assert.False(t, Get(CategoryFamily).Enabled())
}

func TestLevelFiltersDebug(t *testing.T) {
	resetLogging(t)
	ws := t.TempDir()

	require.NoError(t, Initialize(ws, Settings{DebugMode: true, Level: "warn", JSONFormat: true}))
	l := Get(CategoryReward)
	l.Info("quiet info")
	l.Warn("loud warn")
	l.StructuredLog("error", "epoch closed", map[string]interface{}{"epoch": 3})
	CloseAll()

	var content string
	for name, c := range readLogs(t, ws) {
		if strings.HasSuffix(name, "_reward.log") {
			content = c
		}
	}
	assert.NotContains(t, content, "quiet info")
	assert.Contains(t, content, "loud warn")
	assert.Contains(t, content, `"epoch":3`)
}

func TestInitializeRequiresWorkspace(t *testing.T) {
	resetLogging(t)
	assert.Error(t, Initialize("", Settings{}))
}
