// Package logging provides config-driven categorized file-based logging for organon.
// Logs are written to <workspace>/.organon/logs/ with a separate file per category.
// Logging is controlled by Settings.DebugMode - when false, no logs are written.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Boot/initialization
	CategoryEngine    Category = "engine"    // Turn processing, commits
	CategoryCycle     Category = "cycle"     // Convergence loop
	CategoryEnergy    Category = "energy"    // V0 energy evaluation
	CategoryNexus     Category = "nexus"     // Nexus composition and gating
	CategoryCoupling  Category = "coupling"  // Hebbian coupling updates, health, resets
	CategoryFamily    Category = "family"    // Family clustering and labels
	CategoryRegime    Category = "regime"    // Regime classification
	CategoryThreshold Category = "threshold" // Tau evolution
	CategoryStability Category = "stability" // Stability tracker
	CategoryReward    Category = "reward"    // Reward cascade
	CategoryStore     Category = "store"     // Documents and history store
)

// AllCategories lists every known category in a stable order.
var AllCategories = []Category{
	CategoryBoot, CategoryEngine, CategoryCycle, CategoryEnergy, CategoryNexus,
	CategoryCoupling, CategoryFamily, CategoryRegime, CategoryThreshold,
	CategoryStability, CategoryReward, CategoryStore,
}

// Settings mirrors config.LoggingConfig so this package stays import-free.
type Settings struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// Logger wraps a zap sugared logger bound to one category and file.
// A Logger with a nil sugar is a no-op.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	settings  Settings
	configMu  sync.RWMutex
	level     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Initialize sets up the logging directory for workspace ws.
// Should be called once at startup.
func Initialize(ws string, s Settings) error {
	if ws == "" {
		return fmt.Errorf("workspace path required")
	}

	CloseAll()

	configMu.Lock()
	settings = s
	level.SetLevel(parseLevel(s.Level))
	configMu.Unlock()

	if !s.DebugMode {
		logsDir = ""
		return nil // Silent no-op in production mode
	}

	dir := filepath.Join(ws, ".organon", "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	logsDir = dir

	boot := Get(CategoryBoot)
	boot.Info("=== organon logging initialized ===")
	boot.Info("Workspace: %s", ws)
	boot.Info("Log level: %s", level.Level())
	if len(s.Categories) > 0 {
		enabled := 0
		for _, on := range s.Categories {
			if on {
				enabled++
			}
		}
		boot.Info("Enabled categories: %d/%d", enabled, len(s.Categories))
	} else {
		boot.Info("All categories enabled (no category filter)")
	}
	return nil
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return settings.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !settings.DebugMode {
		return false
	}
	if settings.Categories == nil {
		return true
	}
	enabled, exists := settings.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) || logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		sugar:    zap.New(newCore(file)).With(zap.String("cat", string(category))).Sugar(),
	}
	loggers[category] = l
	return l
}

func newCore(file *os.File) zapcore.Core {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	configMu.RLock()
	jsonFormat := settings.JSONFormat
	configMu.RUnlock()

	var enc zapcore.Encoder
	if jsonFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewCore(enc, zapcore.AddSync(file), level)
}

// Category returns the logger's category.
func (l *Logger) Category() Category { return l.category }

// Enabled reports whether the logger writes anywhere.
func (l *Logger) Enabled() bool { return l.sugar != nil }

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// With returns a child logger that attaches key/value pairs to every entry.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	if l.sugar == nil {
		return l
	}
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// StructuredLog writes a single entry with custom fields at the given level.
func (l *Logger) StructuredLog(lvl string, msg string, fields map[string]interface{}) {
	if l.sugar == nil {
		return
	}
	kv := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	switch parseLevel(lvl) {
	case zapcore.DebugLevel:
		l.sugar.Debugw(msg, kv...)
	case zapcore.WarnLevel:
		l.sugar.Warnw(msg, kv...)
	case zapcore.ErrorLevel:
		l.sugar.Errorw(msg, kv...)
	default:
		l.sugar.Infow(msg, kv...)
	}
}

// CloseAll flushes and closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.sugar != nil {
			_ = l.sugar.Sync()
		}
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// TIMERS
// =============================================================================

// Timer measures an operation and logs its duration on Stop.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer starts a timer for operation in category.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, operation: operation, start: time.Now()}
}

// Stop logs the elapsed time at debug level and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.operation, elapsed)
	return elapsed
}

// StopWithThreshold logs at warn level when elapsed exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s slow: %v (threshold %v)", t.operation, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.operation, elapsed)
	}
	return elapsed
}

// =============================================================================
// CONVENIENCE FUNCTIONS - no-ops if the category is disabled
// =============================================================================

func Boot(format string, args ...interface{})     { Get(CategoryBoot).Info(format, args...) }
func BootWarn(format string, args ...interface{}) { Get(CategoryBoot).Warn(format, args...) }
func Engine(format string, args ...interface{})   { Get(CategoryEngine).Info(format, args...) }
func EngineDebug(format string, args ...interface{}) {
	Get(CategoryEngine).Debug(format, args...)
}
func EngineWarn(format string, args ...interface{})  { Get(CategoryEngine).Warn(format, args...) }
func EngineError(format string, args ...interface{}) { Get(CategoryEngine).Error(format, args...) }
func Cycle(format string, args ...interface{})       { Get(CategoryCycle).Info(format, args...) }
func CycleDebug(format string, args ...interface{})  { Get(CategoryCycle).Debug(format, args...) }
func CycleWarn(format string, args ...interface{})   { Get(CategoryCycle).Warn(format, args...) }
func NexusDebug(format string, args ...interface{})  { Get(CategoryNexus).Debug(format, args...) }
func Coupling(format string, args ...interface{})    { Get(CategoryCoupling).Info(format, args...) }
func CouplingDebug(format string, args ...interface{}) {
	Get(CategoryCoupling).Debug(format, args...)
}
func CouplingWarn(format string, args ...interface{}) { Get(CategoryCoupling).Warn(format, args...) }
func Family(format string, args ...interface{})       { Get(CategoryFamily).Info(format, args...) }
func FamilyDebug(format string, args ...interface{})  { Get(CategoryFamily).Debug(format, args...) }
func RegimeDebug(format string, args ...interface{})  { Get(CategoryRegime).Debug(format, args...) }
func ThresholdDebug(format string, args ...interface{}) {
	Get(CategoryThreshold).Debug(format, args...)
}
func Stability(format string, args ...interface{}) { Get(CategoryStability).Info(format, args...) }
func Reward(format string, args ...interface{})    { Get(CategoryReward).Info(format, args...) }
func Store(format string, args ...interface{})     { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}
func StoreWarn(format string, args ...interface{})  { Get(CategoryStore).Warn(format, args...) }
func StoreError(format string, args ...interface{}) { Get(CategoryStore).Error(format, args...) }
