package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LogLevel(%d)", int(l))
}

// ParseLevel maps a config string such as "debug" or "WARN" to a LogLevel.
// Unknown values fall back to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

type sink struct {
	mu          sync.RWMutex
	level       LogLevel
	console     io.Writer
	file        *os.File
	log         zerolog.Logger
	exitOnFatal bool
}

var std = newSink(os.Stderr)

func newSink(console io.Writer) *sink {
	s := &sink{
		level:       INFO,
		console:     console,
		exitOnFatal: true,
	}
	s.rebuild()
	return s
}

// rebuild must be called with s.mu held for writing (or before s is shared).
func (s *sink) rebuild() {
	writers := []io.Writer{zerolog.ConsoleWriter{
		Out:        s.console,
		TimeFormat: time.DateTime,
		NoColor:    true,
	}}
	if s.file != nil {
		writers = append(writers, s.file)
	}
	s.log = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(toZerolog(s.level)).
		With().
		Timestamp().
		Logger()
}

func toZerolog(l LogLevel) zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	case FATAL:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func SetLevel(level LogLevel) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.level = level
	std.rebuild()
}

func GetLevel() LogLevel {
	std.mu.RLock()
	defer std.mu.RUnlock()
	return std.level
}

// SetOutput redirects console output. Mainly useful in tests.
func SetOutput(w io.Writer) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.console = w
	std.rebuild()
}

// EnableFileLogging appends JSON log lines to path in addition to the console.
func EnableFileLogging(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	std.mu.Lock()
	defer std.mu.Unlock()
	if std.file != nil {
		std.file.Close()
	}
	std.file = f
	std.rebuild()
	return nil
}

func DisableFileLogging() {
	std.mu.Lock()
	defer std.mu.Unlock()
	if std.file != nil {
		std.file.Close()
		std.file = nil
	}
	std.rebuild()
}

func logMessage(level LogLevel, component, message string, fields map[string]interface{}) {
	std.mu.RLock()
	l := std.log
	exit := std.exitOnFatal
	std.mu.RUnlock()

	var evt *zerolog.Event
	switch level {
	case DEBUG:
		evt = l.Debug()
	case INFO:
		evt = l.Info()
	case WARN:
		evt = l.Warn()
	case ERROR:
		evt = l.Error()
	default:
		// WithLevel keeps zerolog from calling os.Exit on its own.
		evt = l.WithLevel(zerolog.FatalLevel)
	}
	if evt == nil {
		return
	}

	if component != "" {
		evt = evt.Str("component", component)
	}
	if len(fields) > 0 {
		evt = evt.Fields(fields)
	}
	evt.Msg(message)

	if level == FATAL && exit {
		os.Exit(1)
	}
}

func Debug(message string) { logMessage(DEBUG, "", message, nil) }
func Info(message string)  { logMessage(INFO, "", message, nil) }
func Warn(message string)  { logMessage(WARN, "", message, nil) }
func Error(message string) { logMessage(ERROR, "", message, nil) }
func Fatal(message string) { logMessage(FATAL, "", message, nil) }

func DebugC(component, message string) { logMessage(DEBUG, component, message, nil) }
func InfoC(component, message string)  { logMessage(INFO, component, message, nil) }
func WarnC(component, message string)  { logMessage(WARN, component, message, nil) }
func ErrorC(component, message string) { logMessage(ERROR, component, message, nil) }

func DebugCF(component, message string, fields map[string]interface{}) {
	logMessage(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	logMessage(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	logMessage(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	logMessage(ERROR, component, message, fields)
}

func FatalCF(component, message string, fields map[string]interface{}) {
	logMessage(FATAL, component, message, fields)
}
