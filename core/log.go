package core

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Component identifies a subsystem for log filtering
type Component string

const (
	ComponentIMU       Component = "icm42688p"
	ComponentBridge    Component = "bridge"
	ComponentWorkQueue Component = "workqueue"
	ComponentStatus    Component = "status"
	ComponentHost      Component = "host"
	ComponentSensor    Component = "sensor"
)

// LogFormat specifies the output format for logging
type LogFormat int

const (
	LogFormatText LogFormat = iota
	LogFormatJSON
)

var (
	// Logger is the logger used by every package in the module
	Logger *slog.Logger

	logLevel = new(slog.LevelVar)
	logMutex sync.RWMutex
)

func init() {
	logLevel.Set(slog.LevelInfo)
	Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

// SetLogLevel sets the minimum log level
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLogger replaces the logger
func SetLogger(logger *slog.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	Logger = logger
}

// SetLogOutput rebuilds the logger for the given writer and format
func SetLogOutput(w io.Writer, format LogFormat) {
	opts := &slog.HandlerOptions{Level: logLevel}

	var logger *slog.Logger
	switch format {
	case LogFormatJSON:
		logger = slog.New(slog.NewJSONHandler(w, opts))
	default:
		logger = slog.New(slog.NewTextHandler(w, opts))
	}
	SetLogger(logger)
}

// ParseLogLevel converts a config string into a level
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}

// ParseLogFormat converts a config string into a format
func ParseLogFormat(s string) (LogFormat, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return LogFormatText, nil
	case "json":
		return LogFormatJSON, nil
	}
	return LogFormatText, fmt.Errorf("unknown log format %q", s)
}

// Log returns the module logger tagged with a component
func Log(c Component) *slog.Logger {
	logMutex.RLock()
	logger := Logger
	logMutex.RUnlock()
	return logger.With("component", string(c))
}
