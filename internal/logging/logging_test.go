package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaysync/internal/config"
)

var _ goose.Logger = GooseLogger{}

func TestSetLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)
	if err := SetLevel("WARN"); err != nil {
		t.Fatalf("set level: %v", err)
	}
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %s", zerolog.GlobalLevel())
	}
	if err := SetLevel(""); err != nil || zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("expected empty level to mean info, got %s err=%v", zerolog.GlobalLevel(), err)
	}
	if err := SetLevel("loud"); err == nil {
		t.Fatalf("expected invalid level to fail")
	}
}

func TestNewWritesStructuredJSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	var buf bytes.Buffer
	logger := New(&buf, "json")
	logger.Info().Str("integration", "acme").Msg("sync completed")
	logger.Debug().Msg("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected debug line to be filtered, got %d lines", len(lines))
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["integration"] != "acme" || entry["service"] != "relaysync" || entry["time"] == nil {
		t.Fatalf("unexpected log entry %v", entry)
	}
}

func TestSetupAppendsToFile(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)
	path := filepath.Join(t.TempDir(), "relaysync.log")
	logger, closer, err := Setup(config.LoggingConfig{Level: "info", Format: "console", Path: path})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	GooseLogger{Logger: logger}.Printf("OK   00001_checkpoints.sql (%d ms)\n", 3)
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "00001_checkpoints.sql (3 ms)") || !strings.Contains(string(data), "component=migration") {
		t.Fatalf("unexpected log file contents %q", data)
	}
}
