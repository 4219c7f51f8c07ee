package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"organon/internal/coupling"
	"organon/internal/reward"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Tau   float64 `json:"tau"`
	Notes string  `json:"notes,omitempty"`
}

func newDocs(t *testing.T) *Documents {
	t.Helper()
	d, err := NewDocuments(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	return d
}

func genDirs(t *testing.T, d *Documents) []string {
	t.Helper()
	entries, err := os.ReadDir(d.Dir())
	require.NoError(t, err)
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs
}

// overwrite replaces the committed threshold document with body, which is
// formatted with the committed generation number.
func overwrite(t *testing.T, d *Documents, body string) {
	t.Helper()
	require.NoError(t, d.Save(KindThreshold, 1, sample{Tau: 0.1}))
	g, err := d.Current()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(g.Path(KindThreshold), []byte(fmt.Sprintf(body, g.ID())), 0644))
}

func TestSaveLoad(t *testing.T) {
	d := newDocs(t)
	require.NoError(t, d.Save(KindThreshold, 1, sample{Tau: 0.42}))

	var got sample
	env, err := d.Load(KindThreshold, 1, &got, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.42, got.Tau)
	assert.Equal(t, KindThreshold, env.Kind)
	assert.Equal(t, 1, env.SchemaVersion)
	assert.Equal(t, uint64(1), env.Generation)
	assert.WithinDuration(t, time.Now(), env.SavedAt, time.Minute)

	assert.FileExists(t, filepath.Join(d.Dir(), "CURRENT"))
	require.Equal(t, []string{"gen-0000000000000001"}, genDirs(t, d))
	entries, err := os.ReadDir(filepath.Join(d.Dir(), "gen-0000000000000001"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
	assert.Equal(t, "threshold.json", entries[0].Name())
}

func TestLoadMissing(t *testing.T) {
	d := newDocs(t)
	var got sample
	_, err := d.Load(KindReward, 1, &got, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, d.Save(KindThreshold, 1, sample{Tau: 0.2}))
	_, err = d.Load(KindReward, 1, &got, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadToleratesUnknownAndMissingFields(t *testing.T) {
	d := newDocs(t)
	overwrite(t, d, `{"schema_version":1,"kind":"threshold","generation":%d,"future":true,"data":{"tau":0.3,"extra":[1,2]}}`)

	got := sample{Notes: "default"}
	_, err := d.Load(KindThreshold, 1, &got, nil)
	require.NoError(t, err)
	assert.Equal(t, sample{Tau: 0.3, Notes: "default"}, got)
}

func TestLoadRejectsCorruption(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		check func() error
	}{
		{"truncated", `{"schema_version":1,"kind":"threshold","generation":%d,"data":{"tau":`, nil},
		{"wrong kind", `{"schema_version":1,"kind":"reward","generation":%d,"data":{"tau":0.3}}`, nil},
		{"future schema", `{"schema_version":9,"kind":"threshold","generation":%d,"data":{"tau":0.3}}`, nil},
		{"no data", `{"schema_version":1,"kind":"threshold","generation":%d}`, nil},
		{"bad data type", `{"schema_version":1,"kind":"threshold","generation":%d,"data":{"tau":"high"}}`, nil},
		{"validation", `{"schema_version":1,"kind":"threshold","generation":%d,"data":{"tau":7}}`, func() error { return errors.New("tau out of range") }},
		{"other generation", `{"schema_version":1,"kind":"threshold","generation":9%d,"data":{"tau":0.3}}`, nil},
		{"unstamped", `{"schema_version":1,"kind":"threshold","attempt":%d,"data":{"tau":0.3}}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDocs(t)
			overwrite(t, d, tt.body)
			var got sample
			_, err := d.Load(KindThreshold, 1, &got, tt.check)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestQuarantine(t *testing.T) {
	d := newDocs(t)
	require.NoError(t, d.Save(KindFamilies, 1, sample{}))
	require.NoError(t, os.WriteFile(d.Path(KindFamilies), []byte("garbage"), 0644))

	dst, err := d.Quarantine(KindFamilies)
	require.NoError(t, err)
	assert.FileExists(t, dst)
	assert.NoFileExists(t, d.Path(KindFamilies))

	var got sample
	_, err = d.Load(KindFamilies, 1, &got, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveRejectsNaN(t *testing.T) {
	d := newDocs(t)
	err := d.Save(KindThreshold, 1, sample{Tau: math.NaN()})
	assert.Error(t, err)
	_, err = d.Current()
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, genDirs(t, d))
}

func TestGenerationIsInvisibleUntilCommit(t *testing.T) {
	d := newDocs(t)
	g, err := d.Begin()
	require.NoError(t, err)
	require.NoError(t, g.Save(KindThreshold, 1, sample{Tau: 0.5}))
	require.NoError(t, g.Save(KindReward, 1, sample{Tau: 0.6}))

	_, err = d.Current()
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, d.Commit(g))
	cur, err := d.Current()
	require.NoError(t, err)
	assert.Equal(t, g.ID(), cur.ID())

	var got sample
	_, err = cur.Load(KindReward, 1, &got, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.6, got.Tau)
}

func TestFailedRenameKeepsPreviousGeneration(t *testing.T) {
	d := newDocs(t)
	first, err := d.Begin()
	require.NoError(t, err)
	for _, k := range AllKinds {
		require.NoError(t, first.Save(k, 1, sample{Tau: 0.1}))
	}
	require.NoError(t, d.Commit(first))

	d.rename = func(oldpath, newpath string) error {
		if filepath.Base(newpath) == string(KindRegime)+".json" {
			return errors.New("disk full")
		}
		return os.Rename(oldpath, newpath)
	}
	second, err := d.Begin()
	require.NoError(t, err)
	var failed []Kind
	for _, k := range AllKinds {
		if err := second.Save(k, 1, sample{Tau: 0.7}); err != nil {
			failed = append(failed, k)
		}
	}
	assert.Equal(t, []Kind{KindRegime}, failed)
	d.Abort(second)

	cur, err := d.Current()
	require.NoError(t, err)
	assert.Equal(t, first.ID(), cur.ID())
	assert.NoDirExists(t, second.Dir())
	for _, k := range AllKinds {
		var got sample
		_, err := cur.Load(k, 1, &got, nil)
		require.NoError(t, err, k)
		assert.Equal(t, 0.1, got.Tau, k)
	}
}

func TestCommitPrunesAndRejectsStale(t *testing.T) {
	d := newDocs(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Save(KindThreshold, 1, sample{Tau: float64(i)}))
	}
	assert.Equal(t, []string{"gen-0000000000000002", "gen-0000000000000003"}, genDirs(t, d))

	older, err := d.Begin()
	require.NoError(t, err)
	newer, err := d.Begin()
	require.NoError(t, err)
	require.Greater(t, newer.ID(), older.ID())
	require.NoError(t, d.Commit(newer))
	assert.ErrorIs(t, d.Commit(older), ErrStaleGeneration)

	cur, err := d.Current()
	require.NoError(t, err)
	assert.Equal(t, newer.ID(), cur.ID())
}

func TestSaveCarriesOtherKinds(t *testing.T) {
	d := newDocs(t)
	require.NoError(t, d.Save(KindThreshold, 1, sample{Tau: 0.3}))
	require.NoError(t, d.Save(KindReward, 1, sample{Tau: 0.8}))

	cur, err := d.Current()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cur.ID())

	var got sample
	env, err := d.Load(KindThreshold, 1, &got, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.3, got.Tau)
	assert.Equal(t, uint64(2), env.Generation)
}

func TestCorruptPointer(t *testing.T) {
	d := newDocs(t)
	require.NoError(t, d.Save(KindThreshold, 1, sample{Tau: 0.3}))

	tests := map[string]string{
		"garbage":     `{`,
		"missing dir": `{"generation":7,"dir":"gen-0000000000000007"}`,
		"mismatch":    `{"generation":2,"dir":"gen-0000000000000001"}`,
		"escape":      `{"generation":1,"dir":"../gen-0000000000000001"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(filepath.Join(d.Dir(), "CURRENT"), []byte(body), 0644))
			_, err := d.Current()
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}

	dst, err := d.QuarantinePointer()
	require.NoError(t, err)
	assert.FileExists(t, dst)
	_, err = d.Current()
	assert.ErrorIs(t, err, ErrNotFound)
}

func newHistory(t *testing.T) *History {
	t.Helper()
	h, err := NewHistory(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHistoryTurns(t *testing.T) {
	h := newHistory(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 100, time.UTC)

	for i, id := range []string{"t1", "t2", "t3"} {
		session := "alpha"
		if i == 2 {
			session = "beta"
		}
		require.NoError(t, h.RecordTurn(ctx, TurnRecord{
			ID:           id,
			SessionID:    session,
			At:           base.Add(time.Duration(i) * time.Millisecond),
			Cycles:       i + 1,
			HaltReason:   "HALT_KAIROS",
			Satisfaction: 0.5,
			Confidence:   0.8,
			Tau:          0.5,
			Regime:       "INITIALIZING",
			FamilyID:     "fam",
			TimedOut:     i == 1,
		}))
	}

	all, err := h.RecentTurns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "t3", all[0].ID)
	assert.True(t, base.Add(2*time.Millisecond).Equal(all[0].At))

	alpha, err := h.RecentTurns(ctx, "alpha", 1)
	require.NoError(t, err)
	require.Len(t, alpha, 1)
	assert.Equal(t, "t2", alpha[0].ID)
	assert.True(t, alpha[0].TimedOut)
	assert.Equal(t, "fam", alpha[0].FamilyID)

	n, err := h.CountTurns(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Error(t, h.RecordTurn(ctx, TurnRecord{ID: "t1", SessionID: "alpha"}), "turn ids are unique")
}

func TestHistorySnapshots(t *testing.T) {
	h := newHistory(t)
	ctx := context.Background()

	l := coupling.NewLearner(coupling.DefaultConfig(), nil)
	m := coupling.NewIdentity([]string{"A", "B", "C"}, 0.88, 0.05)
	snap := l.Reset(m, "saturation")
	require.NoError(t, h.RecordSnapshot(ctx, snap))

	list, err := h.Snapshots(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, snap.ID, list[0].ID)
	assert.Equal(t, "saturation", list[0].Reason)
	assert.InDelta(t, snap.Health.Mean, list[0].Mean, 1e-12)
	assert.Equal(t, 0.05, list[0].LearningRate)

	got, err := h.SnapshotMatrix(ctx, snap.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(snap.Matrix.Values, got.Values); diff != "" {
		t.Errorf("snapshot matrix mismatch (-want +got):\n%s", diff)
	}

	_, err = h.SnapshotMatrix(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistoryEpochs(t *testing.T) {
	h := newHistory(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, h.RecordEpoch(ctx, reward.Epoch{Index: i, Tasks: 5, Reward: float64(i) / 10, At: time.Now()}))
	}
	eps, err := h.Epochs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, 2, eps[0].Index)
	assert.Equal(t, 3, eps[1].Index)
	assert.InDelta(t, 0.3, eps[1].Reward, 1e-12)
}

func TestHistoryMigratesV1Schema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE turns (
			id TEXT PRIMARY KEY, session_id TEXT NOT NULL, at TEXT NOT NULL, cycles INTEGER NOT NULL,
			halt_reason TEXT NOT NULL, energy REAL NOT NULL, satisfaction REAL NOT NULL, confidence REAL NOT NULL,
			tau REAL NOT NULL, regime TEXT NOT NULL, family_id TEXT, nexus_count INTEGER NOT NULL,
			timed_out INTEGER NOT NULL DEFAULT 0, fallback INTEGER NOT NULL DEFAULT 0);
		INSERT INTO turns (id, session_id, at, cycles, halt_reason, energy, satisfaction, confidence, tau, regime, nexus_count)
		VALUES ('old', 's', '2026-01-01T00:00:00.000000000Z', 2, 'HALT_KAIROS', 0.1, 0.5, 0.4, 0.5, 'EXPLORING', 0);`)
	require.NoError(t, err)
	assert.Equal(t, 1, GetSchemaVersion(ctx, db))
	require.NoError(t, db.Close())

	h, err := NewHistory(path)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	assert.Equal(t, CurrentSchemaVersion, GetSchemaVersion(ctx, h.db))
	backups, err := filepath.Glob(path + ".v1-*.bak")
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	require.NoError(t, h.RecordTurn(ctx, TurnRecord{
		ID: "new", SessionID: "s", At: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		HaltReason: "HALT_STABLE", Regime: "STABLE", Category: "grief", Emitted: true,
	}))
	turns, err := h.RecentTurns(ctx, "s", 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "new", turns[0].ID)
	assert.Equal(t, "grief", turns[0].Category)
	assert.True(t, turns[0].Emitted)
	assert.Equal(t, "old", turns[1].ID)
	assert.Empty(t, turns[1].Category)
	assert.False(t, turns[1].Emitted)
}

func TestFreshHistoryIsCurrent(t *testing.T) {
	h := newHistory(t)
	ctx := context.Background()
	assert.Equal(t, CurrentSchemaVersion, GetSchemaVersion(ctx, h.db))

	res, err := RunMigrations(ctx, h.db, "")
	require.NoError(t, err)
	assert.Zero(t, res.ColumnsAdded)

	backups, err := filepath.Glob(h.Path() + ".v*.bak")
	require.NoError(t, err)
	assert.Empty(t, backups)
}
