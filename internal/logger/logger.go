// Package logger provides leveled logging in text or JSON-lines form.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents a logging level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "fatal"
	}
}

// ParseLevel maps a config string to a Level, defaulting to InfoLevel.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Logger provides leveled logging.
type Logger struct {
	mu     sync.Mutex
	level  Level
	json   bool
	out    io.Writer
	logger *log.Logger
}

var defaultLogger *Logger

// Init initializes the default logger with the specified level and format.
func Init(level string, format string) {
	defaultLogger = newLogger(os.Stderr, ParseLevel(level), strings.ToLower(format) == "json")
}

// SetOutput redirects the default logger, initializing it at debug level if needed.
func SetOutput(w io.Writer) {
	if defaultLogger == nil {
		defaultLogger = newLogger(w, DebugLevel, false)
		return
	}
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.out = w
	defaultLogger.logger.SetOutput(w)
}

func newLogger(w io.Writer, level Level, jsonFormat bool) *Logger {
	flags := log.LstdFlags | log.Lmicroseconds | log.Lshortfile
	if jsonFormat {
		flags = 0
	}
	return &Logger{
		level:  level,
		json:   jsonFormat,
		out:    w,
		logger: log.New(w, "", flags),
	}
}

type jsonLine struct {
	Time  string `json:"time"`
	Level string `json:"level"`
	Msg   string `json:"msg"`
}

func (l *Logger) output(level Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if !l.json {
		_ = l.logger.Output(4, fmt.Sprintf("[%s] %s", strings.ToUpper(level.String()), msg))
		return
	}
	line, err := json.Marshal(jsonLine{
		Time:  time.Now().UTC().Format(time.RFC3339Nano),
		Level: level.String(),
		Msg:   msg,
	})
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(line, '\n'))
}

func logAt(level Level, format string, args ...interface{}) {
	if defaultLogger != nil && defaultLogger.level <= level {
		defaultLogger.output(level, format, args...)
	}
}

func Debug(format string, args ...interface{}) {
	logAt(DebugLevel, format, args...)
}

func Info(format string, args ...interface{}) {
	logAt(InfoLevel, format, args...)
}

func Warn(format string, args ...interface{}) {
	logAt(WarnLevel, format, args...)
}

func Error(format string, args ...interface{}) {
	logAt(ErrorLevel, format, args...)
}

func Fatal(format string, args ...interface{}) {
	logAt(ErrorLevel+1, format, args...)
	os.Exit(1)
}
