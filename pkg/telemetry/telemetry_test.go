package telemetry

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevelPrefix(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantLevel string
		wantMsg   string
	}{
		{name: "plain word", input: "INFO listening on :54321", wantLevel: "INFO", wantMsg: "listening on :54321"},
		{name: "bracketed", input: "[error] download failed", wantLevel: "ERROR", wantMsg: "download failed"},
		{name: "colon", input: "warn: symlink skipped", wantLevel: "WARN", wantMsg: "symlink skipped"},
		{name: "warning alias", input: "WARNING disk low", wantLevel: "WARN", wantMsg: "disk low"},
		{name: "no level", input: "served fw.bin", wantLevel: "INFO", wantMsg: "served fw.bin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, msg := parseLevel(tt.input)
			if level != tt.wantLevel || msg != tt.wantMsg {
				t.Fatalf("parseLevel(%q) = (%q, %q), want (%q, %q)", tt.input, level, msg, tt.wantLevel, tt.wantMsg)
			}
		})
	}
}

func TestParseLevelName(t *testing.T) {
	if got, err := ParseLevel(""); err != nil || got != "INFO" {
		t.Fatalf("ParseLevel(\"\") = %q, %v", got, err)
	}
	if got, err := ParseLevel("warning"); err != nil || got != "WARN" {
		t.Fatalf("ParseLevel(warning) = %q, %v", got, err)
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestLoggerDropsBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("espota", &buf, "warn")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.Printf("DEBUG hashing %s", "fw.bin")
	logger.Printf("INFO serving %s", "fw.bin")
	logger.Printf("ERROR release lookup failed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]string
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["level"] != "ERROR" || entry["msg"] != "release lookup failed" || entry["service"] != "espota" {
		t.Fatalf("unexpected entry %v", entry)
	}
}
