package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"blindsolve/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// Setup configures global logging: stdout plus an optional dated file in LogDir.
// The returned closer releases the log file.
func Setup(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Logging.Level)

	writers := []io.Writer{os.Stdout}
	var closer io.Closer = nopCloser{}

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("blindsolve-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)
		closer = file

		// Point the current-log symlink at today's file; failure is not fatal.
		currentLogPath := filepath.Join(cfg.Logging.LogDir, "blindsolve-current.log")
		_ = os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	out := io.MultiWriter(writers...)
	var handler slog.Handler
	if strings.ToLower(cfg.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = NewTraditionalHandler(out, level)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("blindsolve logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// TraditionalHandler implements slog.Handler with "[LEVEL] message [k=v ...]" lines.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []string // preformatted, keyed with the group active when added
	group  string
	mu     *sync.Mutex
}

// NewTraditionalHandler writes records to w with standard log timestamps.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{
		logger: log.New(w, "", log.LstdFlags),
		level:  level,
		mu:     &sync.Mutex{},
	}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.format(a))
		return true
	})
	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return fmt.Sprintf("%s=%v", key, a.Value.Resolve())
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append([]string{}, h.attrs...)
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, h.format(a))
	}
	return &clone
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if clone.group != "" {
		clone.group += "." + name
	} else {
		clone.group = name
	}
	return &clone
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogAttemptStart logs the beginning of a solve attempt.
func LogAttemptStart(logger *slog.Logger, attemptID, imagePath string, local, remote bool) {
	logger.Info("solve attempt started",
		"id", attemptID,
		"image", imagePath,
		"local", local,
		"remote", remote,
	)
}

// LogAttemptComplete logs a successful attempt.
func LogAttemptComplete(logger *slog.Logger, attemptID, source string, duration time.Duration, result map[string]any) {
	logger.Info("solve attempt completed",
		"id", attemptID,
		"source", source,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"result", result,
	)
}

// LogAttemptError logs a failed attempt with its classified kind and full cause.
func LogAttemptError(logger *slog.Logger, attemptID, kind string, duration time.Duration, err error) {
	cause := ""
	if err != nil {
		cause = err.Error()
	}
	logger.Error("solve attempt failed",
		"id", attemptID,
		"kind", kind,
		"duration_ms", duration.Milliseconds(),
		"error", cause,
	)
}

// LogStage logs a state change within an attempt.
func LogStage(logger *slog.Logger, attemptID, from, to, detail string) {
	logger.Info("solve stage",
		"id", attemptID,
		"from", from,
		"to", to,
		"detail", detail,
	)
}

// LogToolStatus logs tool detection and status
func LogToolStatus(logger *slog.Logger, tool string, available bool, path string, err error) {
	if available {
		logger.Debug("tool detected",
			"tool", tool,
			"path", path,
		)
	} else {
		logger.Debug("tool not available",
			"tool", tool,
			"error", err,
		)
	}
}
