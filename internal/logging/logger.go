// Package logging provides categorized file-based logging for the builder.
// Logs are written under <data-dir>/logs with one file per category per
// day. When debug mode is off, Get returns no-op loggers and nothing is
// written.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category names one builder subsystem's log stream.
type Category string

const (
	CategoryBoot         Category = "boot"
	CategoryIntake       Category = "intake"
	CategoryOrchestrator Category = "orchestrator"
	CategoryGateway      Category = "gateway"
	CategorySandbox      Category = "sandbox"
	CategoryAnalysis     Category = "analysis"
	CategoryArtifact     Category = "artifact"
	CategoryStore        Category = "store"
	CategoryPolicy       Category = "policy"
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Config controls what gets written.
type Config struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories,omitempty"`
}

// Logger writes one category's stream.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggersMu sync.RWMutex
	loggers   = make(map[Category]*Logger)

	stateMu  sync.RWMutex
	logsDir  string
	config   Config
	logLevel int
)

// Initialize sets up the logging directory. Call once at startup with the
// builder data dir. A disabled config is a silent no-op.
func Initialize(dataDir string, cfg Config) error {
	stateMu.Lock()
	config = cfg
	switch cfg.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	if !cfg.DebugMode {
		logsDir = ""
		stateMu.Unlock()
		return nil
	}
	logsDir = filepath.Join(dataDir, "logs")
	dir := logsDir
	stateMu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}
	Get(CategoryBoot).Info("logging initialized, dir=%s level=%s", dir, cfg.Level)
	return nil
}

// enabled reports whether a category should write.
func enabled(category Category) bool {
	stateMu.RLock()
	defer stateMu.RUnlock()
	if !config.DebugMode || logsDir == "" {
		return false
	}
	if config.Categories == nil {
		return true
	}
	on, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return on
}

// Get returns (or creates) the logger for a category. Disabled categories
// get a no-op logger.
func Get(category Category) *Logger {
	if !enabled(category) {
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

	stateMu.RLock()
	dir := logsDir
	stateMu.RUnlock()

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) write(level int, tag, format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	stateMu.RLock()
	min := logLevel
	stateMu.RUnlock()
	if level < min {
		return
	}
	l.logger.Printf("[%s] %s", tag, fmt.Sprintf(format, args...))
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "DEBUG", format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(LevelInfo, "INFO", format, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(LevelWarn, "WARN", format, args...)
}

// Error logs an error.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(LevelError, "ERROR", format, args...)
}
