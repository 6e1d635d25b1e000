package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{in: "DEBUG", want: slog.LevelDebug},
		{in: "info", want: slog.LevelInfo},
		{in: "Warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "CRITICAL", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Fatalf("ParseLevel(%q)=%v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestEvent_LevelsAndDetail(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := NewLogger(Options{Level: "debug", Output: &buf})

	l.Event("ERROR", "Failed to reload table", "fuentes: deadlock")
	l.Event("DEBUG", "Table reloaded", "")
	l.Event("bogus", "Unknown level", "")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%d, want 3:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "level=ERROR") || !strings.Contains(lines[0], `detail="fuentes: deadlock"`) {
		t.Fatalf("line0=%q", lines[0])
	}
	if !strings.Contains(lines[1], "level=DEBUG") || strings.Contains(lines[1], "detail=") {
		t.Fatalf("line1=%q", lines[1])
	}
	if !strings.Contains(lines[2], "level=INFO") {
		t.Fatalf("line2=%q", lines[2])
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := NewLogger(Options{Level: "info", Output: &buf})
	l.Debug("hidden")
	l.With("run_id", "r1").Info("shown", "stage", "fetch")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record written at info level: %q", out)
	}
	if !strings.Contains(out, "run_id=r1") || !strings.Contains(out, "stage=fetch") {
		t.Fatalf("out=%q", out)
	}
}

func TestFileOutput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "db.log")
	l := NewLogger(Options{Path: path})
	l.Printf("--- STARTING PROGRAM ---\n")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(b), `msg="--- STARTING PROGRAM ---"`) {
		t.Fatalf("log file=%q", b)
	}
}
