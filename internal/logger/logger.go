package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents the logging level
type Level int

const (
	TRACE Level = iota
	DEBUG
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	TRACE: "TRACE",
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

// String returns the level name.
func (l Level) String() string {
	if n, ok := levelNames[l]; ok {
		return n
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// MarshalJSON writes the level name instead of its number.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// Component represents the logging component
type Component string

const (
	ComponentApp        Component = "app"
	ComponentServer     Component = "server"
	ComponentMetadata   Component = "metadata"
	ComponentRelay      Component = "relay"
	ComponentCache      Component = "cache"
	ComponentClient     Component = "client"
	ComponentDownloader Component = "downloader"
)

// Format represents the log output format
type Format int

const (
	FormatText Format = iota
	FormatJSON
	FormatColor
)

// Fields carries structured key/value context for an entry.
type Fields = map[string]interface{}

// Config holds logger configuration
type Config struct {
	Level      Level
	Format     Format
	Output     io.Writer
	Components map[Component]bool
	Timestamp  bool
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  INFO,
		Format: FormatText,
		Output: os.Stdout,
		Components: map[Component]bool{
			ComponentApp:        true,
			ComponentServer:     true,
			ComponentMetadata:   true,
			ComponentRelay:      true,
			ComponentCache:      true,
			ComponentClient:     false,
			ComponentDownloader: true,
		},
		Timestamp: true,
	}
}

// Entry represents a single log entry
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Component Component `json:"component"`
	Message   string    `json:"message"`
	Fields    Fields    `json:"fields,omitempty"`
}

// Logger provides structured logging functionality
type Logger struct {
	config *Config
	mu     sync.RWMutex
}

// New creates a new logger instance
func New(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Components == nil {
		config.Components = make(map[Component]bool)
	}
	if config.Output == nil {
		config.Output = os.Stdout
	}
	return &Logger{
		config: config,
	}
}

// Discard returns a logger that drops every entry.
func Discard() *Logger {
	cfg := DefaultConfig()
	cfg.Output = io.Discard
	cfg.Level = ERROR + 1
	return New(cfg)
}

// WithComponent creates a new logger instance for a specific component
func (l *Logger) WithComponent(component Component) *ComponentLogger {
	return &ComponentLogger{
		logger:    l,
		component: component,
	}
}

// SetLevel changes the logging level
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Level = level
}

// SetFormat changes the log format
func (l *Logger) SetFormat(format Format) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Format = format
}

// SetOutput changes the log output
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Output = w
}

// EnableComponent enables logging for a specific component
func (l *Logger) EnableComponent(component Component) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Components[component] = true
}

// DisableComponent disables logging for a specific component
func (l *Logger) DisableComponent(component Component) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Components[component] = false
}

// Enabled reports whether an entry of this level and component would be written.
func (l *Logger) Enabled(level Level, component Component) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.config.Level && l.config.Components[component]
}

func (l *Logger) log(level Level, component Component, message string, fields Fields) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if level < l.config.Level {
		return
	}
	if !l.config.Components[component] {
		return
	}

	l.writeEntry(Entry{
		Timestamp: time.Now(),
		Level:     level,
		Component: component,
		Message:   message,
		Fields:    fields,
	})
}

func (l *Logger) writeEntry(entry Entry) {
	var output string

	switch l.config.Format {
	case FormatJSON:
		output = l.formatJSON(entry)
	case FormatColor:
		output = l.formatColor(entry)
	default:
		output = l.formatText(entry)
	}

	fmt.Fprintln(l.config.Output, output)
}

func (l *Logger) formatText(entry Entry) string {
	var parts []string

	if l.config.Timestamp {
		parts = append(parts, entry.Timestamp.Format("2006-01-02 15:04:05"))
	}

	parts = append(parts, fmt.Sprintf("[%s]", entry.Level))
	parts = append(parts, fmt.Sprintf("[%s]", entry.Component))
	parts = append(parts, entry.Message)

	if len(entry.Fields) > 0 {
		var fieldParts []string
		for _, k := range sortedKeys(entry.Fields) {
			fieldParts = append(fieldParts, fmt.Sprintf("%s=%v", k, entry.Fields[k]))
		}
		parts = append(parts, strings.Join(fieldParts, " "))
	}

	return strings.Join(parts, " ")
}

func (l *Logger) formatJSON(entry Entry) string {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Sprintf(`{"level":%q,"component":%q,"message":%q,"marshal_error":%q}`,
			entry.Level, entry.Component, entry.Message, err.Error())
	}
	return string(data)
}

func (l *Logger) formatColor(entry Entry) string {
	var parts []string

	if l.config.Timestamp {
		parts = append(parts, "\033[90m"+entry.Timestamp.Format("2006-01-02 15:04:05")+"\033[0m")
	}

	levelColor := levelColor(entry.Level)
	parts = append(parts, fmt.Sprintf("%s[%s]\033[0m", levelColor, entry.Level))
	parts = append(parts, fmt.Sprintf("\033[36m[%s]\033[0m", entry.Component))
	parts = append(parts, entry.Message)

	if len(entry.Fields) > 0 {
		var fieldParts []string
		for _, k := range sortedKeys(entry.Fields) {
			fieldParts = append(fieldParts, fmt.Sprintf("\033[33m%s\033[0m=\033[32m%v\033[0m", k, entry.Fields[k]))
		}
		parts = append(parts, strings.Join(fieldParts, " "))
	}

	return strings.Join(parts, " ")
}

func sortedKeys(fields Fields) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func levelColor(level Level) string {
	switch level {
	case TRACE:
		return "\033[37m" // White
	case DEBUG:
		return "\033[94m" // Blue
	case INFO:
		return "\033[92m" // Green
	case WARN:
		return "\033[93m" // Yellow
	case ERROR:
		return "\033[91m" // Red
	default:
		return "\033[0m"
	}
}

// ComponentLogger provides component-specific logging
type ComponentLogger struct {
	logger    *Logger
	component Component
}

// Trace logs a trace message
func (cl *ComponentLogger) Trace(message string, fields ...Fields) {
	cl.log(TRACE, message, fields...)
}

// Debug logs a debug message
func (cl *ComponentLogger) Debug(message string, fields ...Fields) {
	cl.log(DEBUG, message, fields...)
}

// Info logs an info message
func (cl *ComponentLogger) Info(message string, fields ...Fields) {
	cl.log(INFO, message, fields...)
}

// Warn logs a warning message
func (cl *ComponentLogger) Warn(message string, fields ...Fields) {
	cl.log(WARN, message, fields...)
}

// Error logs an error message
func (cl *ComponentLogger) Error(message string, fields ...Fields) {
	cl.log(ERROR, message, fields...)
}

// log merges all supplied field maps; later maps win on key clashes.
func (cl *ComponentLogger) log(level Level, message string, fields ...Fields) {
	var merged Fields
	switch len(fields) {
	case 0:
	case 1:
		merged = fields[0]
	default:
		merged = make(Fields)
		for _, f := range fields {
			for k, v := range f {
				merged[k] = v
			}
		}
	}
	cl.logger.log(level, cl.component, message, merged)
}

var (
	globalMu     sync.RWMutex
	globalLogger = New(DefaultConfig())
)

// SetGlobalLogger sets the global logger instance
func SetGlobalLogger(logger *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// WithComponent returns a component logger from global logger
func WithComponent(component Component) *ComponentLogger {
	return GetGlobalLogger().WithComponent(component)
}
