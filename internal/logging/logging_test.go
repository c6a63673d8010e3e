package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"blindsolve/internal/config"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo)).With("attempt", "a1")

	logger.Debug("hidden")
	logger.WithGroup("remote").Warn("poll failed", "stage", "submission")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record should be filtered: %q", out)
	}
	if !strings.Contains(out, "[WARN] poll failed [attempt=a1 remote.stage=submission]") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestSetupWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.LogDir = t.TempDir()
	cfg.Logging.Level = "debug"

	logger, closer, err := Setup(cfg)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() {
		closer.Close()
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	})
	LogStage(logger, "a1", "idle", "trying_local", "/opt/astap")

	data, err := os.ReadFile(filepath.Join(cfg.Logging.LogDir, "blindsolve-current.log"))
	if err != nil {
		t.Fatalf("read current log: %v", err)
	}
	if !strings.Contains(string(data), "solve stage") || !strings.Contains(string(data), "to=trying_local") {
		t.Fatalf("log file missing stage record: %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "WARNING": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
