package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewLoggerToWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerTo(&buf, "warn")
	log.Info("dropped")
	log.Warn("kept", "trip_id", "t1")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected a single JSON line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "kept" || line["trip_id"] != "t1" || line["source"] == nil {
		t.Fatalf("unexpected record %v", line)
	}
}

func TestLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, " WARNING ": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo, "loud": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := LevelFromString(in); got != want {
			t.Fatalf("%q: expected %v, got %v", in, want, got)
		}
	}
}
