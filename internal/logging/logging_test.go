package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{" warn ", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, %v", tt.in, got, err)
			}
		})
	}
}

func TestJSONAndLevelChange(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "info", Stdout: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Debug("hidden")
	l.Info("render: surface created", "buffer_width", 1280)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if rec["msg"] != "render: surface created" || rec["buffer_width"] != float64(1280) {
		t.Errorf("record = %v", rec)
	}

	if err := l.SetLevel("debug"); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	buf.Reset()
	l.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Error("debug record dropped after SetLevel(debug)")
	}
	if err := l.SetLevel("nope"); err == nil {
		t.Error("SetLevel accepted an unknown level")
	}
	if l.Level() != slog.LevelDebug {
		t.Errorf("Level = %v", l.Level())
	}
}

func TestTextAndFileSink(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "viewer.log")
	l, err := New(Options{Format: "text", File: path, MaxSizeMB: 1, MaxBackups: 1, Stdout: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Warn("capture: device lost", "device", "0")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !strings.Contains(buf.String(), `msg="capture: device lost"`) {
		t.Errorf("stdout = %q", buf.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "device=0") {
		t.Errorf("file = %q", data)
	}
}

func TestUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Error("New accepted xml")
	}
}
