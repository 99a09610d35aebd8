package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	envPrefix  = "TERAPROXY_LOG_"
	fileScheme = "file:"
)

// LogConfig represents the complete logging configuration
type LogConfig struct {
	Level      string          `json:"level"`
	Format     string          `json:"format"`
	Output     string          `json:"output"`
	Components map[string]bool `json:"components"`
	Timestamp  bool            `json:"timestamp"`
	Rotation   *RotationConfig `json:"rotation,omitempty"`
}

// RotationConfig represents log rotation configuration
type RotationConfig struct {
	MaxSize    string `json:"max_size"`    // e.g., "100MB", "1GB"
	MaxAge     string `json:"max_age"`     // e.g., "7d", "24h"
	MaxBackups int    `json:"max_backups"` // number of backup files
	Compress   bool   `json:"compress"`    // compress old logs
}

// DefaultLogConfig returns default logging configuration
func DefaultLogConfig() *LogConfig {
	components := make(map[string]bool)
	for c, on := range DefaultConfig().Components {
		components[string(c)] = on
	}
	return &LogConfig{
		Level:      "INFO",
		Format:     "text",
		Output:     "stdout",
		Components: components,
		Timestamp:  true,
		Rotation: &RotationConfig{
			MaxSize:    "100MB",
			MaxAge:     "7d",
			MaxBackups: 3,
			Compress:   true,
		},
	}
}

// LoadConfigFromFile loads configuration from a JSON file
func LoadConfigFromFile(filename string) (*LogConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultLogConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return config, nil
}

// ToLoggerConfig converts LogConfig to logger.Config. The output is not
// opened here; see Build.
func (c *LogConfig) ToLoggerConfig() (*Config, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("parse level: %w", err)
	}

	format, err := parseFormat(c.Format)
	if err != nil {
		return nil, fmt.Errorf("parse format: %w", err)
	}

	components := make(map[Component]bool)
	for name, enabled := range c.Components {
		components[Component(name)] = enabled
	}

	return &Config{
		Level:      level,
		Format:     format,
		Components: components,
		Timestamp:  c.Timestamp,
	}, nil
}

// Build validates the configuration, opens its output and returns the logger.
// For file outputs with rotation configured a RotatingWriter is used. The
// returned closer releases the output and is never nil.
func Build(c *LogConfig) (*Logger, io.Closer, error) {
	if err := c.ValidateConfig(); err != nil {
		return nil, nil, fmt.Errorf("validate config: %w", err)
	}

	loggerConfig, err := c.ToLoggerConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("convert config: %w", err)
	}

	var output io.Writer
	var closer io.Closer = nopCloser{}
	if strings.HasPrefix(c.Output, fileScheme) && c.Rotation != nil {
		rw, err := newRotatingWriterFromConfig(strings.TrimPrefix(c.Output, fileScheme), c.Rotation)
		if err != nil {
			return nil, nil, fmt.Errorf("create rotating writer: %w", err)
		}
		output, closer = rw, rw
	} else {
		output, err = parseOutput(c.Output)
		if err != nil {
			return nil, nil, fmt.Errorf("parse output: %w", err)
		}
		if f, ok := output.(*os.File); ok && f != os.Stdout && f != os.Stderr {
			closer = f
		}
	}

	loggerConfig.Output = output
	return New(loggerConfig), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func parseLevel(levelStr string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "TRACE":
		return TRACE, nil
	case "DEBUG":
		return DEBUG, nil
	case "INFO", "":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown level: %s", levelStr)
	}
}

func parseFormat(formatStr string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(formatStr)) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "color", "colored":
		return FormatColor, nil
	default:
		return FormatText, fmt.Errorf("unknown format: %s", formatStr)
	}
}

func parseOutput(outputStr string) (io.Writer, error) {
	switch strings.ToLower(outputStr) {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "null", "none":
		return io.Discard, nil
	}
	if strings.HasPrefix(outputStr, fileScheme) {
		filePath := strings.TrimPrefix(outputStr, fileScheme)
		if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		return file, nil
	}
	return nil, fmt.Errorf("unknown output: %s", outputStr)
}

// EnvironmentConfig overlays TERAPROXY_LOG_* environment variables on base.
// A nil base starts from DefaultLogConfig.
func EnvironmentConfig(base *LogConfig) *LogConfig {
	config := base
	if config == nil {
		config = DefaultLogConfig()
	}

	if level := os.Getenv(envPrefix + "LEVEL"); level != "" {
		config.Level = level
	}
	if format := os.Getenv(envPrefix + "FORMAT"); format != "" {
		config.Format = format
	}
	if output := os.Getenv(envPrefix + "OUTPUT"); output != "" {
		config.Output = output
	}
	if timestamp := os.Getenv(envPrefix + "TIMESTAMP"); timestamp != "" {
		config.Timestamp = timestamp == "true" || timestamp == "1"
	}

	// An explicit component list replaces the defaults.
	if components := os.Getenv(envPrefix + "COMPONENTS"); components != "" {
		config.Components = make(map[string]bool)
		for _, comp := range strings.Split(components, ",") {
			comp = strings.TrimSpace(comp)
			if comp != "" {
				config.Components[comp] = true
			}
		}
	}

	return config
}

// ValidateConfig validates the configuration without opening outputs.
func (c *LogConfig) ValidateConfig() error {
	if _, err := parseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid level: %w", err)
	}

	if _, err := parseFormat(c.Format); err != nil {
		return fmt.Errorf("invalid format: %w", err)
	}

	switch strings.ToLower(c.Output) {
	case "", "stdout", "stderr", "null", "none":
	default:
		if !strings.HasPrefix(c.Output, fileScheme) || strings.TrimPrefix(c.Output, fileScheme) == "" {
			return fmt.Errorf("invalid output: %s", c.Output)
		}
	}

	if c.Rotation != nil {
		if err := c.Rotation.Validate(); err != nil {
			return fmt.Errorf("invalid rotation config: %w", err)
		}
	}

	return nil
}

// Validate validates rotation configuration
func (r *RotationConfig) Validate() error {
	if r.MaxSize != "" {
		if _, err := parseSize(r.MaxSize); err != nil {
			return fmt.Errorf("invalid max_size: %w", err)
		}
	}

	if r.MaxAge != "" {
		if _, err := parseDuration(r.MaxAge); err != nil {
			return fmt.Errorf("invalid max_age: %w", err)
		}
	}

	if r.MaxBackups < 0 {
		return fmt.Errorf("max_backups must be non-negative")
	}

	return nil
}

// splitNumber splits "100MB" into ("100", "MB").
func splitNumber(s string) (int64, string, error) {
	s = strings.TrimSpace(s)
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, "", fmt.Errorf("no number found in %q", s)
	}
	num, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("parse number: %w", err)
	}
	return num, strings.TrimSpace(s[i:]), nil
}

// parseSize parses size string (e.g., "100MB", "1GB") to bytes
func parseSize(sizeStr string) (int64, error) {
	if strings.TrimSpace(sizeStr) == "" {
		return 0, nil
	}
	num, unit, err := splitNumber(sizeStr)
	if err != nil {
		return 0, err
	}

	switch strings.ToUpper(unit) {
	case "B", "":
		return num, nil
	case "KB":
		return num << 10, nil
	case "MB":
		return num << 20, nil
	case "GB":
		return num << 30, nil
	case "TB":
		return num << 40, nil
	default:
		return 0, fmt.Errorf("unknown unit: %s", unit)
	}
}

// parseDuration parses duration string (e.g., "7d", "24h", "30m") to time.Duration
func parseDuration(durationStr string) (time.Duration, error) {
	if strings.TrimSpace(durationStr) == "" {
		return 0, nil
	}
	num, unit, err := splitNumber(durationStr)
	if err != nil {
		return 0, err
	}

	switch strings.ToLower(unit) {
	case "s", "sec", "second", "seconds":
		return time.Duration(num) * time.Second, nil
	case "m", "min", "minute", "minutes":
		return time.Duration(num) * time.Minute, nil
	case "h", "hour", "hours":
		return time.Duration(num) * time.Hour, nil
	case "d", "day", "days":
		return time.Duration(num) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown unit: %s", unit)
	}
}
