package observability

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls the process-wide log sink.
type LogConfig struct {
	Level string

	// File enables a rotating JSON log file next to stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	sinkMu    sync.RWMutex
	sink      io.Writer = os.Stdout
	baseLevel           = zerolog.InfoLevel
	rotator   *lumberjack.Logger
)

// ConfigureLogging installs the log sink used by every logger created
// afterwards. STABILITY_LOG_LEVEL overrides cfg.Level.
func ConfigureLogging(cfg LogConfig) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	level := cfg.Level
	if env := os.Getenv("STABILITY_LOG_LEVEL"); env != "" {
		level = env
	}
	baseLevel = parseLogLevel(level)

	if rotator != nil {
		_ = rotator.Close()
		rotator = nil
	}

	if cfg.File == "" {
		sink = os.Stdout
		return
	}

	rotator = &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	sink = zerolog.MultiLevelWriter(os.Stdout, rotator)
}

// CloseLogging flushes and closes the rotating file, if any.
func CloseLogging() error {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	if rotator == nil {
		return nil
	}
	err := rotator.Close()
	rotator = nil
	sink = os.Stdout
	return err
}

// NewLogger creates a structured JSON logger for one component.
func NewLogger(component string) zerolog.Logger {
	sinkMu.RLock()
	level := baseLevel
	sinkMu.RUnlock()
	return NewLoggerWithLevel(component, level)
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	sinkMu.RLock()
	w := sink
	sinkMu.RUnlock()

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func parseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if env := os.Getenv("STABILITY_LOG_LEVEL"); env != "" {
		baseLevel = parseLogLevel(env)
	}
}
