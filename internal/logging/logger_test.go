package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tablesync/tablesync/internal/config"
)

func TestSetupStdout(t *testing.T) {
	var buf bytes.Buffer
	lj := setup(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	if lj != nil {
		t.Error("expected nil lumberjack logger for stdout")
	}

	slog.Info("test message", "key", "value")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["service"] != "tablesync" || rec["key"] != "value" {
		t.Errorf("record = %v", rec)
	}
}

func TestSetupTextFormat(t *testing.T) {
	var buf bytes.Buffer
	setup(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)

	slog.Debug("debug message should appear")
	if !strings.Contains(buf.String(), "debug message should appear") {
		t.Errorf("debug line missing: %q", buf.String())
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	setup(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)

	slog.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", buf.String())
	}

	SetLevel("info")
	slog.Info("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("info not logged after SetLevel: %q", buf.String())
	}
}

func TestRoomLogger(t *testing.T) {
	var buf bytes.Buffer
	setup(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	Room("abc").Info("joined")
	if !strings.Contains(buf.String(), "room_id=abc") {
		t.Errorf("room attribute missing: %q", buf.String())
	}
}

func TestSetupFileLogging(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "test.log")

	lj := Setup(config.LoggingConfig{Level: "info", Format: "json", File: logFile, MaxSizeMB: 10, MaxBackups: 1, MaxAgeDays: 7})
	if lj == nil {
		t.Fatal("expected lumberjack logger for file output")
	}
	defer lj.Close()

	slog.Info("file log test", "key", "value")

	info, err := os.Stat(logFile)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if info.Size() == 0 {
		t.Error("log file is empty")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
