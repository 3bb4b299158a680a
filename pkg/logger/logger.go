package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// LogLevel represents the logging verbosity level
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// DebugCategory represents specific debug categories for targeted debugging
type DebugCategory string

const (
	DebugRTP    DebugCategory = "rtp"
	DebugNAL    DebugCategory = "nal"
	DebugTrack  DebugCategory = "track"
	DebugRTMP   DebugCategory = "rtmp"
	DebugSRT    DebugCategory = "srt"
	DebugHLS    DebugCategory = "hls"
	DebugWebRTC DebugCategory = "webrtc"
	DebugAll    DebugCategory = "all"
)

var allCategories = []DebugCategory{DebugRTP, DebugNAL, DebugTrack, DebugRTMP, DebugSRT, DebugHLS, DebugWebRTC}

// OutputFormat determines the log output format
type OutputFormat string

const (
	FormatJSON    OutputFormat = "json"
	FormatConsole OutputFormat = "console"
)

// Config holds logger configuration
type Config struct {
	Level             LogLevel
	Format            OutputFormat
	OutputFile        string
	EnabledCategories map[DebugCategory]bool
	mu                sync.RWMutex
}

// NewConfig creates a new logger configuration with defaults
func NewConfig() *Config {
	return &Config{
		Level:             LevelInfo,
		Format:            FormatConsole,
		EnabledCategories: make(map[DebugCategory]bool),
	}
}

// ParseLevel converts a string to LogLevel
func ParseLevel(level string) (LogLevel, error) {
	switch level {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO":
		return LevelInfo, nil
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}

// ParseFormat converts a string to OutputFormat
func ParseFormat(format string) (OutputFormat, error) {
	switch format {
	case "json", "JSON":
		return FormatJSON, nil
	case "console", "CONSOLE", "text":
		return FormatConsole, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be json or console)", format)
	}
}

// ToZerologLevel converts LogLevel to zerolog.Level
func (l LogLevel) ToZerologLevel() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// EnableCategory enables a specific debug category
func (c *Config) EnableCategory(category DebugCategory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if category == DebugAll {
		for _, cat := range allCategories {
			c.EnabledCategories[cat] = true
		}
	} else {
		c.EnabledCategories[category] = true
	}
}

// IsCategoryEnabled checks if a debug category is enabled
func (c *Config) IsCategoryEnabled(category DebugCategory) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.EnabledCategories[category]
}

// Logger wraps zerolog.Logger with category-based debugging and the
// connection context id carried as a "cid" field.
type Logger struct {
	zl     zerolog.Logger
	config *Config
	file   *os.File
}

// New creates a new Logger instance with the given configuration
func New(cfg *Config) (*Logger, error) {
	var writer io.Writer = os.Stdout
	var file *os.File

	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.OutputFile, err)
		}
		writer = f
		file = f
	}

	if cfg.Format == FormatConsole {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05.000"}
	}

	zl := zerolog.New(writer).Level(cfg.Level.ToZerologLevel()).With().Timestamp().Logger()

	return &Logger{zl: zl, config: cfg, file: file}, nil
}

// Close closes the log file if one was opened
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// With returns a new Logger with the given attributes bound to every line
func (l *Logger) With(args ...any) *Logger {
	ctx := l.zl.With()
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		ctx = ctx.Interface(key, args[i+1])
	}
	return &Logger{zl: ctx.Logger(), config: l.config, file: l.file}
}

// WithCid returns a new Logger carrying the context id as a cid field
func (l *Logger) WithCid(cid fmt.Stringer) *Logger {
	return &Logger{zl: l.zl.With().Str("cid", cid.String()).Logger(), config: l.config, file: l.file}
}

func emit(ev *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		switch v := args[i+1].(type) {
		case string:
			ev = ev.Str(key, v)
		case error:
			ev = ev.AnErr(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}

// Debug logs at debug level
func (l *Logger) Debug(msg string, args ...any) { emit(l.zl.Debug(), msg, args) }

// Info logs at info level
func (l *Logger) Info(msg string, args ...any) { emit(l.zl.Info(), msg, args) }

// Warn logs at warn level
func (l *Logger) Warn(msg string, args ...any) { emit(l.zl.Warn(), msg, args) }

// Error logs at error level
func (l *Logger) Error(msg string, args ...any) { emit(l.zl.Error(), msg, args) }

// DebugCat logs at debug level when the given category is enabled
func (l *Logger) DebugCat(category DebugCategory, msg string, args ...any) {
	if l.config.IsCategoryEnabled(category) {
		args = append([]any{"category", string(category)}, args...)
		emit(l.zl.Debug(), msg, args)
	}
}

// Global logger instance
var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
	once          sync.Once
)

// SetDefault sets the global default logger
func SetDefault(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// Default returns the default logger, creating one if necessary
func Default() *Logger {
	once.Do(func() {
		defaultMu.Lock()
		defer defaultMu.Unlock()
		if defaultLogger == nil {
			defaultLogger, _ = New(NewConfig())
		}
	})
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Package-level convenience functions

// Debug logs at Debug level using the default logger
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }

// Info logs at Info level using the default logger
func Info(msg string, args ...any) { Default().Info(msg, args...) }

// Warn logs at Warn level using the default logger
func Warn(msg string, args ...any) { Default().Warn(msg, args...) }

// Error logs at Error level using the default logger
func Error(msg string, args ...any) { Default().Error(msg, args...) }
