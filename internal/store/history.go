package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"organon/internal/coupling"
	"organon/internal/logging"
	"organon/internal/reward"

	_ "modernc.org/sqlite"
)

// TurnRecord is one row of the turn log.
type TurnRecord struct {
	ID           string
	SessionID    string
	At           time.Time
	Cycles       int
	HaltReason   string
	Energy       float64
	Satisfaction float64
	Confidence   float64
	Tau          float64
	Regime       string
	FamilyID     string
	NexusCount   int
	TimedOut     bool
	Fallback     bool
	Category     string
	Emitted      bool
}

// SnapshotSummary is a coupling snapshot row without the matrix body.
type SnapshotSummary struct {
	ID           string
	TakenAt      time.Time
	Reason       string
	Mean         float64
	Std          float64
	OffDiagStd   float64
	LearningRate float64
	UpdateCount  int
}

// History is the append-only audit database.
type History struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// NewHistory creates or opens the history database at path.
func NewHistory(path string) (*History, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewHistory")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	h := &History{db: db, dbPath: path}
	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logging.Store("history database ready at %s", path)
	return h, nil
}

// Close closes the database connection.
func (h *History) Close() error {
	return h.db.Close()
}

// Path returns the database file path.
func (h *History) Path() string { return h.dbPath }

func (h *History) initSchema() error {
	ctx := context.Background()
	existing := GetSchemaVersion(ctx, h.db)

	schema := `
	CREATE TABLE IF NOT EXISTS coupling_snapshots (
		id TEXT PRIMARY KEY,
		taken_at TEXT NOT NULL,
		reason TEXT NOT NULL,
		mean REAL NOT NULL,
		std REAL NOT NULL,
		off_diag_std REAL NOT NULL,
		learning_rate REAL NOT NULL,
		update_count INTEGER NOT NULL,
		matrix_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		at TEXT NOT NULL,
		cycles INTEGER NOT NULL,
		halt_reason TEXT NOT NULL,
		energy REAL NOT NULL,
		satisfaction REAL NOT NULL,
		confidence REAL NOT NULL,
		tau REAL NOT NULL,
		regime TEXT NOT NULL,
		family_id TEXT,
		nexus_count INTEGER NOT NULL,
		timed_out INTEGER NOT NULL DEFAULT 0,
		fallback INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, at);

	CREATE TABLE IF NOT EXISTS epochs (
		idx INTEGER PRIMARY KEY,
		at TEXT NOT NULL,
		tasks INTEGER NOT NULL,
		success_rate REAL NOT NULL,
		mean_confidence REAL NOT NULL,
		reward REAL NOT NULL,
		global_before REAL NOT NULL,
		global_after REAL NOT NULL
	);
	`
	if _, err := h.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	backup := ""
	if existing > 0 && existing < CurrentSchemaVersion {
		backup = fmt.Sprintf("%s.v%d-%s.bak", h.dbPath, existing, time.Now().UTC().Format("20060102T150405"))
	}
	_, err := RunMigrations(ctx, h.db, backup)
	return err
}

// RecordSnapshot appends a coupling snapshot.
func (h *History) RecordSnapshot(ctx context.Context, s coupling.Snapshot) error {
	body, err := json.Marshal(s.Matrix)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot matrix: %w", err)
	}
	lr, updates := 0.0, 0
	if s.Matrix != nil {
		lr, updates = s.Matrix.LearningRate, s.Matrix.UpdateCount
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.db.ExecContext(ctx, `
		INSERT INTO coupling_snapshots (id, taken_at, reason, mean, std, off_diag_std, learning_rate, update_count, matrix_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, formatTime(s.TakenAt), s.Reason, s.Health.Mean, s.Health.Std, s.Health.OffDiagStd, lr, updates, string(body))
	if err != nil {
		return fmt.Errorf("failed to record snapshot: %w", err)
	}
	return nil
}

// RecordTurn appends a turn row.
func (h *History) RecordTurn(ctx context.Context, t TurnRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var family any
	if t.FamilyID != "" {
		family = t.FamilyID
	}
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO turns (id, session_id, at, cycles, halt_reason, energy, satisfaction, confidence, tau, regime, family_id, nexus_count, timed_out, fallback, category, emitted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, formatTime(t.At), t.Cycles, t.HaltReason, t.Energy, t.Satisfaction, t.Confidence,
		t.Tau, t.Regime, family, t.NexusCount, boolInt(t.TimedOut), boolInt(t.Fallback), t.Category, boolInt(t.Emitted))
	if err != nil {
		return fmt.Errorf("failed to record turn: %w", err)
	}
	return nil
}

// RecordEpoch appends an epoch summary. Re-recording an index replaces it.
func (h *History) RecordEpoch(ctx context.Context, e reward.Epoch) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO epochs (idx, at, tasks, success_rate, mean_confidence, reward, global_before, global_after)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Index, formatTime(e.At), e.Tasks, e.SuccessRate, e.MeanConfidence, e.Reward, e.GlobalBefore, e.GlobalAfter)
	if err != nil {
		return fmt.Errorf("failed to record epoch: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit turns, newest first. An empty session
// matches every session.
func (h *History) RecentTurns(ctx context.Context, session string, limit int) ([]TurnRecord, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	query := `SELECT id, session_id, at, cycles, halt_reason, energy, satisfaction, confidence, tau, regime,
		COALESCE(family_id, ''), nexus_count, timed_out, fallback, category, emitted FROM turns`
	args := []any{}
	if session != "" {
		query += ` WHERE session_id = ?`
		args = append(args, session)
	}
	query += ` ORDER BY at DESC, rowid DESC LIMIT ?`
	args = append(args, limitOrAll(limit))

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var out []TurnRecord
	for rows.Next() {
		var t TurnRecord
		var at string
		var timedOut, fallback, emitted int
		if err := rows.Scan(&t.ID, &t.SessionID, &at, &t.Cycles, &t.HaltReason, &t.Energy, &t.Satisfaction,
			&t.Confidence, &t.Tau, &t.Regime, &t.FamilyID, &t.NexusCount, &timedOut, &fallback, &t.Category, &emitted); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.At = parseTime(at)
		t.TimedOut, t.Fallback, t.Emitted = timedOut != 0, fallback != 0, emitted != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

// Snapshots returns up to limit snapshot summaries, newest first.
func (h *History) Snapshots(ctx context.Context, limit int) ([]SnapshotSummary, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rows, err := h.db.QueryContext(ctx, `
		SELECT id, taken_at, reason, mean, std, off_diag_std, learning_rate, update_count
		FROM coupling_snapshots ORDER BY taken_at DESC, rowid DESC LIMIT ?`, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotSummary
	for rows.Next() {
		var s SnapshotSummary
		var at string
		if err := rows.Scan(&s.ID, &at, &s.Reason, &s.Mean, &s.Std, &s.OffDiagStd, &s.LearningRate, &s.UpdateCount); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		s.TakenAt = parseTime(at)
		out = append(out, s)
	}
	return out, rows.Err()
}

// SnapshotMatrix returns the matrix stored with snapshot id.
func (h *History) SnapshotMatrix(ctx context.Context, id string) (*coupling.Matrix, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var body string
	err := h.db.QueryRowContext(ctx, `SELECT matrix_json FROM coupling_snapshots WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	var m coupling.Matrix
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return nil, fmt.Errorf("%w: snapshot %s: %v", ErrCorrupt, id, err)
	}
	return &m, nil
}

// Epochs returns up to limit epochs in ascending index order (the most recent ones).
func (h *History) Epochs(ctx context.Context, limit int) ([]reward.Epoch, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rows, err := h.db.QueryContext(ctx, `
		SELECT idx, at, tasks, success_rate, mean_confidence, reward, global_before, global_after
		FROM (SELECT * FROM epochs ORDER BY idx DESC LIMIT ?) ORDER BY idx ASC`, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query epochs: %w", err)
	}
	defer rows.Close()

	var out []reward.Epoch
	for rows.Next() {
		var e reward.Epoch
		var at string
		if err := rows.Scan(&e.Index, &at, &e.Tasks, &e.SuccessRate, &e.MeanConfidence, &e.Reward, &e.GlobalBefore, &e.GlobalAfter); err != nil {
			return nil, fmt.Errorf("failed to scan epoch: %w", err)
		}
		e.At = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountTurns returns the number of logged turns, optionally for one session.
func (h *History) CountTurns(ctx context.Context, session string) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var n int
	var err error
	if session == "" {
		err = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns`).Scan(&n)
	} else {
		err = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE session_id = ?`, session).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count turns: %w", err)
	}
	return n, nil
}

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
