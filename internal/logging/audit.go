package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType names a learned-state event.
type AuditEventType string

const (
	// Turn lifecycle
	AuditTurnCommit  AuditEventType = "turn_commit"
	AuditTurnTimeout AuditEventType = "turn_timeout"

	// Coupling matrix
	AuditCouplingDegraded AuditEventType = "coupling_degraded"
	AuditCouplingReset    AuditEventType = "coupling_reset"

	// Reward cascade
	AuditEpochClose AuditEventType = "epoch_close"

	// Regime and stability
	AuditRegimeChange    AuditEventType = "regime_change"
	AuditStabilityChange AuditEventType = "stability_change"

	// Families
	AuditLabelsReloaded AuditEventType = "labels_reloaded"

	// Persistence
	AuditDataLoss   AuditEventType = "data_loss"
	AuditFlushError AuditEventType = "flush_error"
)

// =============================================================================
// AUDIT EVENT STRUCTURE
// =============================================================================

// AuditEvent is one JSON line of the audit log.
type AuditEvent struct {
	Timestamp int64                  `json:"ts"` // Unix milliseconds
	EventType AuditEventType         `json:"event"`
	Category  string                 `json:"cat,omitempty"`
	SessionID string                 `json:"session,omitempty"`
	TurnID    string                 `json:"turn,omitempty"`
	Target    string                 `json:"target,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Message   string                 `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger = &AuditLogger{}
)

// AuditLogger writes audit events, optionally scoped to a session.
type AuditLogger struct {
	sessionID string
	category  Category
}

// InitAudit opens <logs>/<date>_audit.log. It is a no-op outside debug mode.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file
	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger
func Audit() *AuditLogger { return auditLogger }

// AuditWithSession creates an audit logger scoped to a session
func AuditWithSession(sessionID string) *AuditLogger {
	return &AuditLogger{sessionID: sessionID}
}

// AuditWithContext creates a session- and category-scoped audit logger
func AuditWithContext(sessionID string, category Category) *AuditLogger {
	return &AuditLogger{sessionID: sessionID, category: category}
}

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.SessionID == "" {
		event.SessionID = a.sessionID
	}
	if event.Category == "" && a.category != "" {
		event.Category = string(a.category)
	}

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.Write(append(data, '\n'))
	}
}

// =============================================================================
// CONVENIENCE METHODS FOR COMMON EVENTS
// =============================================================================

// TurnCommit logs a committed turn
func (a *AuditLogger) TurnCommit(turnID, reason string, satisfaction, confidence, tau float64) {
	a.Log(AuditEvent{
		EventType: AuditTurnCommit,
		Category:  string(CategoryEngine),
		TurnID:    turnID,
		Target:    reason,
		Success:   true,
		Fields:    map[string]interface{}{"satisfaction": satisfaction, "confidence": confidence, "tau": tau},
	})
}

// TurnTimeout logs a turn that fell back after the wall-clock budget
func (a *AuditLogger) TurnTimeout(turnID string, cycles int) {
	a.Log(AuditEvent{
		EventType: AuditTurnTimeout,
		Category:  string(CategoryEngine),
		TurnID:    turnID,
		Fields:    map[string]interface{}{"cycles": cycles},
	})
}

// CouplingReset logs a snapshot-and-reinitialize of the coupling matrix
func (a *AuditLogger) CouplingReset(snapshotID, reason string, meanBefore, stdBefore float64) {
	a.Log(AuditEvent{
		EventType: AuditCouplingReset,
		Category:  string(CategoryCoupling),
		Target:    snapshotID,
		Success:   true,
		Message:   reason,
		Fields:    map[string]interface{}{"mean_before": meanBefore, "std_before": stdBefore},
	})
}

// CouplingDegraded logs a failed health check
func (a *AuditLogger) CouplingDegraded(reasons []string) {
	a.Log(AuditEvent{
		EventType: AuditCouplingDegraded,
		Category:  string(CategoryCoupling),
		Fields:    map[string]interface{}{"reasons": reasons},
	})
}

// EpochClose logs the end of a reward epoch
func (a *AuditLogger) EpochClose(index int, reward, global float64) {
	a.Log(AuditEvent{
		EventType: AuditEpochClose,
		Category:  string(CategoryReward),
		Success:   true,
		Fields:    map[string]interface{}{"index": index, "reward": reward, "global": global},
	})
}

// RegimeChange logs a regime transition
func (a *AuditLogger) RegimeChange(from, to string) {
	a.Log(AuditEvent{
		EventType: AuditRegimeChange,
		Category:  string(CategoryRegime),
		Target:    to,
		Success:   true,
		Message:   from + " -> " + to,
	})
}

// StabilityChange logs a stability decision change
func (a *AuditLogger) StabilityChange(from, to string, iterations int) {
	a.Log(AuditEvent{
		EventType: AuditStabilityChange,
		Category:  string(CategoryStability),
		Target:    to,
		Success:   true,
		Message:   from + " -> " + to,
		Fields:    map[string]interface{}{"iterations": iterations},
	})
}

// LabelsReloaded logs a label table swap
func (a *AuditLogger) LabelsReloaded(version, relabeled int) {
	a.Log(AuditEvent{
		EventType: AuditLabelsReloaded,
		Category:  string(CategoryFamily),
		Success:   true,
		Fields:    map[string]interface{}{"version": version, "relabeled": relabeled},
	})
}

// DataLoss logs a rejected persisted document
func (a *AuditLogger) DataLoss(kind, quarantinedAt string, err error) {
	e := AuditEvent{
		EventType: AuditDataLoss,
		Category:  string(CategoryStore),
		Target:    kind,
		Message:   quarantinedAt,
	}
	if err != nil {
		e.Error = err.Error()
	}
	a.Log(e)
}

// FlushError logs a failed state flush
func (a *AuditLogger) FlushError(err error) {
	a.Log(AuditEvent{
		EventType: AuditFlushError,
		Category:  string(CategoryStore),
		Error:     err.Error(),
	})
}
