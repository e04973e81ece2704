// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for Tidepool services.
//
// Every Tidepool process builds its logger the same way: the bot edge,
// the updater CLI, and the freshness scheduler all construct a Logger
// from the same Config. The defaults favor operator ergonomics:
//
//   - Default: stderr output (what you want when running `tidepool` by hand)
//   - Optional: daily log files for long-lived updater and scheduler runs
//   - Hosted: extensible via the LogExporter interface for off-box shipping
//
// The package is a thin layer over the standard library slog package,
// adding fan-out to multiple destinations and an export hook:
//
//	┌─────────────────────────────────────────────────────────────┐
//	│                         Logger                              │
//	│  ┌─────────────┐  ┌─────────────┐  ┌─────────────────────┐ │
//	│  │   stderr    │  │  log file   │  │   LogExporter       │ │
//	│  │  (default)  │  │  (optional) │  │   (hosted)          │ │
//	│  └─────────────┘  └─────────────┘  └─────────────────────┘ │
//	└─────────────────────────────────────────────────────────────┘
//
// A one-shot CLI run logs to stderr:
//
//	logger := logging.Default()
//	logger.Info("starting crawl", "start_url", startURL)
//
// A scheduled updater keeps a file trail alongside stderr:
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.tidepool/logs",  // Supports ~ expansion
//	    Service: "updater",
//	})
//	defer logger.Close()  // Important: flushes and closes file
//
// Files are named `{service}_{date}.log` and always JSON.
//
// # Security Considerations
//
// Nothing here redacts sensitive data. Lead capture handles visitor
// names, emails, and phone numbers; log metadata about them, never the
// values:
//
//	// BAD: logs a visitor's contact details
//	logger.Info("lead captured", "email", lead.Email)
//
//	// GOOD: log presence only
//	logger.Info("lead captured", "has_email", lead.Email != "")
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// Levels
// =============================================================================

// Level is a log severity. Levels follow the slog convention and order:
// Debug < Info < Warn < Error. Setting a minimum level discards
// everything below it.
type Level int

const (
	// LevelDebug traces execution flow: per-URL crawl decisions,
	// retrieval scoring detail.
	LevelDebug Level = iota

	// LevelInfo confirms normal operation: job started, pages stored,
	// tenants reloaded.
	LevelInfo

	// LevelWarn flags recoverable trouble: embedding batch retries,
	// sitemap fetch falling back to link walking.
	LevelWarn

	// LevelError reports a failed operation the process survives:
	// page fetch failed, vector store unavailable.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// toSlogLevel bridges Level to the standard library. Unknown values map
// to Info.
func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures Logger behavior. A zero-value Config yields an
// Info-level text logger on stderr, which is the right default for an
// interactive `tidepool` run.
type Config struct {
	// Level is the minimum level; messages below it are discarded.
	// Default: LevelInfo (the zero value is LevelDebug by construction,
	// callers should set this explicitly).
	Level Level

	// LogDir enables file logging to the given directory. Logs go to
	// both stderr and a file named "{Service}_{YYYY-MM-DD}.log", always
	// JSON. The directory is created with 0750 permissions. Supports ~
	// expansion: "~/.tidepool/logs" -> "/home/user/.tidepool/logs".
	// Default: "" (file logging disabled)
	LogDir string

	// Service tags every entry with a "service" attribute so bot
	// traffic separates from updater runs in an aggregated stream.
	// Recommended values: "bot", "updater", "scheduler".
	// Default: "" (no service attribute)
	Service string

	// JSON switches stderr output from human-readable text to JSON.
	// File logs are always JSON regardless.
	JSON bool

	// Quiet drops the stderr handler. Useful for scheduler-spawned
	// updater jobs whose stderr nobody watches. Logs still go to the
	// file (if LogDir is set) and the Exporter (if configured).
	Quiet bool

	// Exporter additionally ships entries off-box, asynchronously.
	// Export failures are silently ignored so a down aggregator cannot
	// disrupt logging. Extension point for hosted deployments; the
	// self-hosted build leaves it nil.
	Exporter LogExporter
}

// =============================================================================
// Logger
// =============================================================================

// Logger wraps slog.Logger with multi-destination output and an export
// hook.
//
// # Thread Safety
//
// Safe for concurrent use from multiple goroutines. Mutable state is
// mutex-protected and the underlying slog.Logger is thread-safe.
//
// Always Close() a logger that has file logging or an exporter
// configured; Close flushes the exporter and syncs the file.
type Logger struct {
	slog     *slog.Logger
	config   Config
	file     *os.File // nil when file logging is disabled
	exporter LogExporter
	mu       sync.Mutex
}

// New builds a Logger from config: a stderr handler unless Quiet, a
// file handler when LogDir is set, and the exporter when configured.
//
// File setup failures (unwritable directory, open error) degrade to
// stderr-only logging rather than failing construction; a process
// should not die because its log directory is missing.
func New(config Config) *Logger {
	var handlers []slog.Handler

	opts := &slog.HandlerOptions{
		Level: config.Level.toSlogLevel(),
	}

	if !config.Quiet {
		var stderrHandler slog.Handler
		if config.JSON {
			stderrHandler = slog.NewJSONHandler(os.Stderr, opts)
		} else {
			stderrHandler = slog.NewTextHandler(os.Stderr, opts)
		}
		handlers = append(handlers, stderrHandler)
	}

	logger := &Logger{
		config:   config,
		exporter: config.Exporter,
	}

	if config.LogDir != "" {
		logDir := expandPath(config.LogDir)
		if err := os.MkdirAll(logDir, 0750); err == nil {
			serviceName := config.Service
			if serviceName == "" {
				serviceName = "tidepool"
			}
			filename := fmt.Sprintf("%s_%s.log", serviceName, time.Now().Format("2006-01-02"))
			logPath := filepath.Join(logDir, filename)

			file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
			if err == nil {
				logger.file = file
				// File logs are always JSON, they're for machines.
				handlers = append(handlers, slog.NewJSONHandler(file, opts))
			}
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		// Quiet with no file still needs somewhere to go.
		handler = slog.NewTextHandler(os.Stderr, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", config.Service),
		})
	}

	logger.slog = slog.New(handler)
	return logger
}

// Default returns an Info-level text logger on stderr with service
// "tidepool". Suitable for one-shot CLI invocations.
func Default() *Logger {
	return New(Config{
		Level:   LevelInfo,
		Service: "tidepool",
	})
}

// Debug logs at Debug level. Args are slog-style key-value pairs.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, msg, args...)
}

// Info logs at Info level.
func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs at Warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, msg, args...)
}

// Error logs at Error level. For fatal conditions, follow with os.Exit.
func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, msg, args...)
}

// With returns a child Logger carrying additional attributes. The child
// shares the parent's file handle and exporter; the parent is not
// modified.
//
//	jobLogger := logger.With("job_id", jobID, "resource_id", resourceID)
//	jobLogger.Info("crawl started")  // Includes job_id, resource_id
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:     l.slog.With(args...),
		config:   l.config,
		file:     l.file,
		exporter: l.exporter,
	}
}

// Slog exposes the underlying slog.Logger for callers that need
// LogAttrs or custom Record handling, or want to slog.SetDefault it.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close flushes and closes the exporter, then syncs and closes the log
// file. Returns the first error encountered.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error

	if l.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.exporter.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush exporter: %w", err))
		}
		if err := l.exporter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter: %w", err))
		}
	}

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync log file: %w", err))
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// log writes to slog (stderr and file) and ships to the exporter.
func (l *Logger) log(level Level, msg string, args ...any) {
	switch level {
	case LevelDebug:
		l.slog.Debug(msg, args...)
	case LevelInfo:
		l.slog.Info(msg, args...)
	case LevelWarn:
		l.slog.Warn(msg, args...)
	case LevelError:
		l.slog.Error(msg, args...)
	}

	if l.exporter != nil && level >= l.config.Level {
		entry := LogEntry{
			Timestamp: time.Now(),
			Level:     level,
			Message:   msg,
			Service:   l.config.Service,
			Attrs:     argsToMap(args),
		}
		// Async so a slow exporter cannot block the log call.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = l.exporter.Export(ctx, entry)
		}()
	}
}

// =============================================================================
// Multi-Handler
// =============================================================================

// multiHandler fans out records to several slog handlers so stderr and
// the file can run different formats.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// =============================================================================
// Helpers
// =============================================================================

// expandPath expands a leading ~ to the user's home directory. Paths
// without ~ pass through unchanged.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// argsToMap converts slog-style key-value args into LogEntry.Attrs.
// Non-string keys and a trailing odd value are skipped.
func argsToMap(args []any) map[string]any {
	result := make(map[string]any)
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			result[key] = args[i+1]
		}
	}
	return result
}
