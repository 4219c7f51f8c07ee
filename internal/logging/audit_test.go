package logging

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditWritesJSONLines(t *testing.T) {
	resetLogging(t)
	t.Cleanup(CloseAudit)
	ws := t.TempDir()

	require.NoError(t, Initialize(ws, Settings{DebugMode: true, Level: "info"}))
	require.NoError(t, InitAudit())

	AuditWithSession("s1").TurnCommit("t1", "HALT_KAIROS", 0.6, 0.4, 0.5)
	Audit().DataLoss("threshold", "/tmp/x.corrupt", errors.New("bad tau"))
	Audit().CouplingReset("snap", "auto", 0.9, 0.01)
	CloseAudit()

	entries, err := os.ReadDir(filepath.Join(ws, ".organon", "logs"))
	require.NoError(t, err)
	var auditPath string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "_audit.log") {
			auditPath = filepath.Join(ws, ".organon", "logs", e.Name())
		}
	}
	require.NotEmpty(t, auditPath)

	f, err := os.Open(auditPath)
	require.NoError(t, err)
	defer f.Close()

	var events []AuditEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		events = append(events, e)
	}
	require.Len(t, events, 3)
	assert.Equal(t, AuditTurnCommit, events[0].EventType)
	assert.Equal(t, "s1", events[0].SessionID)
	assert.Equal(t, "t1", events[0].TurnID)
	assert.NotZero(t, events[0].Timestamp)
	assert.Equal(t, AuditDataLoss, events[1].EventType)
	assert.Equal(t, "bad tau", events[1].Error)
	assert.Equal(t, "coupling", events[2].Category)
}

func TestAuditIsNoopOutsideDebugMode(t *testing.T) {
	resetLogging(t)
	ws := t.TempDir()

	require.NoError(t, Initialize(ws, Settings{}))
	require.NoError(t, InitAudit())
	Audit().EpochClose(0, 0.7, 0.52)

	_, err := os.Stat(filepath.Join(ws, ".organon", "logs"))
	assert.True(t, os.IsNotExist(err))
}
