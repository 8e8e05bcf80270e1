package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level is the severity of a log line.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	SILENT
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "SILENT"}

var levelColors = [...]string{
	"\033[36m", // cyan
	"\033[32m", // green
	"\033[33m", // yellow
	"\033[31m", // red
	"",
}

const resetColor = "\033[0m"

func (l Level) String() string {
	if l < DEBUG || l > SILENT {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel accepts the level names in any case, plus "warning" and "none".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "silent", "none":
		return SILENT, nil
	}
	return INFO, fmt.Errorf("invalid log level: %s", s)
}

// Logger writes module-tagged lines at or above its level. Output defaults
// to stderr so stdout can carry result JSON.
type Logger struct {
	mu       sync.Mutex
	level    Level
	useColor bool
	out      *log.Logger
}

// New creates a Logger. A nil output means os.Stderr.
func New(level Level, output io.Writer, useColor bool) *Logger {
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		level:    level,
		useColor: useColor,
		out:      log.New(output, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *Logger) Level() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Enabled reports whether a line at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return level < SILENT && level >= l.Level()
}

func (l *Logger) logf(level Level, module, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}
	prefix := "[" + level.String() + "]"
	if l.useColor {
		prefix = levelColors[level] + prefix + resetColor
	}
	if module != "" {
		prefix += " [" + module + "]"
	}
	l.out.Printf("%s %s", prefix, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(module, format string, args ...any) { l.logf(DEBUG, module, format, args...) }
func (l *Logger) Info(module, format string, args ...any)  { l.logf(INFO, module, format, args...) }
func (l *Logger) Warn(module, format string, args ...any)  { l.logf(WARN, module, format, args...) }
func (l *Logger) Error(module, format string, args ...any) { l.logf(ERROR, module, format, args...) }

// Module is a Logger bound to one module tag. The zero Module logs through
// the global logger.
type Module struct {
	name string
	l    *Logger
}

// Module binds l to name.
func (l *Logger) Module(name string) *Module { return &Module{name: name, l: l} }

func (m *Module) target() *Logger {
	if m.l != nil {
		return m.l
	}
	return current()
}

func (m *Module) Name() string { return m.name }

func (m *Module) Debugf(format string, args ...any) {
	if t := m.target(); t != nil {
		t.Debug(m.name, format, args...)
	}
}

func (m *Module) Infof(format string, args ...any) {
	if t := m.target(); t != nil {
		t.Info(m.name, format, args...)
	}
}

func (m *Module) Warnf(format string, args ...any) {
	if t := m.target(); t != nil {
		t.Warn(m.name, format, args...)
	}
}

func (m *Module) Errorf(format string, args ...any) {
	if t := m.target(); t != nil {
		t.Error(m.name, format, args...)
	}
}

// Writer returns an io.Writer that logs each written line at level. Used to
// bridge subprocess stderr.
func (m *Module) Writer(level Level) io.Writer {
	return &lineWriter{m: m, level: level}
}

type lineWriter struct {
	mu    sync.Mutex
	m     *Module
	level Level
	buf   []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := strings.IndexByte(string(w.buf), '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		if line == "" {
			continue
		}
		if t := w.m.target(); t != nil {
			t.logf(w.level, w.m.name, "%s", line)
		}
	}
	return len(p), nil
}

// Global logger. Until Init or SetDefault is called, logging is a no-op.

var (
	globalMu      sync.RWMutex
	defaultLogger *Logger
)

// Init installs the global logger on first call; later calls are ignored.
func Init(level Level, output io.Writer, useColor bool) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(level, output, useColor)
	}
}

// SetDefault replaces the global logger. Tests use it to capture output.
func SetDefault(l *Logger) {
	globalMu.Lock()
	defaultLogger = l
	globalMu.Unlock()
}

func current() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return defaultLogger
}

// For returns a handle bound to module that follows the global logger.
func For(module string) *Module { return &Module{name: module} }

func SetLevel(level Level) {
	if l := current(); l != nil {
		l.SetLevel(level)
	}
}

func GetLevel() Level {
	if l := current(); l != nil {
		return l.Level()
	}
	return INFO
}

func Debug(module, format string, args ...any) {
	if l := current(); l != nil {
		l.Debug(module, format, args...)
	}
}

func Info(module, format string, args ...any) {
	if l := current(); l != nil {
		l.Info(module, format, args...)
	}
}

func Warn(module, format string, args ...any) {
	if l := current(); l != nil {
		l.Warn(module, format, args...)
	}
}

func Error(module, format string, args ...any) {
	if l := current(); l != nil {
		l.Error(module, format, args...)
	}
}
