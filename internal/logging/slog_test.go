package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func newBufferLogger(level slog.Level) (*SlogLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	h := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level})
	return NewSlogLogger(slog.New(h)), &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not valid JSON: %v", err)
	}
	return record
}

func TestSlogLogger_WritesLevelAndAttrs(t *testing.T) {
	logger, buf := newBufferLogger(slog.LevelInfo)

	logger.Info(context.Background(), "request served", "status", 200)

	record := decodeLine(t, buf)
	if record["msg"] != "request served" {
		t.Fatalf("unexpected msg: %v", record["msg"])
	}
	if record["level"] != "INFO" {
		t.Fatalf("unexpected level: %v", record["level"])
	}
	if record["status"] != float64(200) {
		t.Fatalf("unexpected status attr: %v", record["status"])
	}
}

func TestSlogLogger_DebugSuppressedBelowLevel(t *testing.T) {
	logger, buf := newBufferLogger(slog.LevelInfo)

	logger.Debug(context.Background(), "noisy detail")

	if buf.Len() != 0 {
		t.Fatalf("debug record should have been suppressed, got %q", buf.String())
	}
}

func TestSlogLogger_WithCarriesAttrs(t *testing.T) {
	logger, buf := newBufferLogger(slog.LevelInfo)

	child := logger.With("component", "authservice")
	child.Warn(context.Background(), "token expired")

	record := decodeLine(t, buf)
	if record["component"] != "authservice" {
		t.Fatalf("With attr missing: %v", record)
	}
	if record["level"] != "WARN" {
		t.Fatalf("unexpected level: %v", record["level"])
	}
}
