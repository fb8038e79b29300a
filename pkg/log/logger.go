package log

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = map[LogLevel]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
	LevelFatal: "FATAL",
}

type Logger struct {
	level  LogLevel
	logger *log.Logger
}

func NewLogger(level LogLevel) *Logger {
	return &Logger{
		level:  level,
		logger: log.New(os.Stdout, "", 0),
	}
}

// SetLevel changes the minimum level this logger emits.
func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// Fatal logs a fatal error and exits the process.
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.log(LevelFatal, format, args...)
	os.Exit(1)
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	if level < l.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	fileName := "unknown"
	if ok {
		fileName = filepath.Base(file)
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)

	logEntry := fmt.Sprintf("[%s] [%s] [%s:%d] %s",
		timestamp,
		levelNames[level],
		fileName,
		line,
		message)

	l.logger.Println(logEntry)
}

// FileLogger writes log entries to a file instead of stdout.
type FileLogger struct {
	*Logger
	file *os.File
}

// NewFileLogger creates a logger appending to logFile, creating the
// directory if needed.
func NewFileLogger(logFile string, level LogLevel) (*FileLogger, error) {
	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := NewLogger(level)
	logger.logger = log.New(file, "", 0)

	return &FileLogger{
		Logger: logger,
		file:   file,
	}, nil
}

// Close closes the underlying log file.
func (l *FileLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// ParseLevel parses a textual level name ("debug", "INFO", ...) into a
// LogLevel. Unknown or empty input falls back to LevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// Global logger instance
var globalLogger *Logger

// InitLogger initializes the global logger at the given level.
func InitLogger(level LogLevel) {
	globalLogger = NewLogger(level)
}

// GetLogger returns the global logger, creating an info-level one on first use.
func GetLogger() *Logger {
	if globalLogger == nil {
		globalLogger = NewLogger(LevelInfo)
	}
	return globalLogger
}

// Convenience functions
func Debug(format string, args ...interface{}) {
	GetLogger().Debug(format, args...)
}

func Info(format string, args ...interface{}) {
	GetLogger().Info(format, args...)
}

func Warn(format string, args ...interface{}) {
	GetLogger().Warn(format, args...)
}

func Error(format string, args ...interface{}) {
	GetLogger().Error(format, args...)
}

func Fatal(format string, args ...interface{}) {
	GetLogger().Fatal(format, args...)
}
