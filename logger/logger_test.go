package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func jsonLogger(buf *bytes.Buffer, level string) *Logger {
	return NewWithWriter(&Config{Level: level, Format: "json"}, buf, "flow-test")
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid json line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestNewDefault(t *testing.T) {
	l := NewDefault("test-svc")
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
	if l.service != "test-svc" {
		t.Errorf("expected service 'test-svc', got %q", l.service)
	}
}

func TestNewInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := jsonLogger(&buf, "invalid-level")
	l.Debug("hidden")
	l.Info("shown")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0]["message"] != "shown" {
		t.Errorf("unexpected message %v", lines[0]["message"])
	}
}

func TestWithStageAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := jsonLogger(&buf, "debug").WithComponent("pipeline").WithStage("map")
	l.Debug("signal", Fields(FieldDemand, 3, FieldSubscriptionID, "abc"))

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	got := lines[0]
	tests := map[string]any{
		FieldComponent:      "pipeline",
		FieldStage:          "map",
		FieldSubscriptionID: "abc",
		FieldDemand:         float64(3),
		"service":           "flow-test",
	}
	for k, want := range tests {
		if got[k] != want {
			t.Errorf("field %s: got %v, want %v", k, got[k], want)
		}
	}
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	jsonLogger(&buf, "info").WithError(errors.New("boom")).Error("failed")
	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["error"] != "boom" {
		t.Fatalf("unexpected output %v", lines)
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	ctx := ContextWithTraceID(context.Background(), "trace-1")
	ctx = ContextWithSubscriptionID(ctx, "sub-9")
	jsonLogger(&buf, "info").WithContext(ctx).Info("ctx")

	lines := decodeLines(t, &buf)
	if lines[0][FieldTraceID] != "trace-1" {
		t.Errorf("trace_id: got %v", lines[0][FieldTraceID])
	}
	if lines[0][FieldSubscriptionID] != "sub-9" {
		t.Errorf("subscription_id: got %v", lines[0][FieldSubscriptionID])
	}
}

func TestEnabled(t *testing.T) {
	var buf bytes.Buffer
	l := jsonLogger(&buf, "warn")
	if l.Enabled("debug") {
		t.Error("debug should be disabled at warn level")
	}
	if !l.Enabled("error") {
		t.Error("error should be enabled at warn level")
	}
	if l.Enabled("bogus") {
		t.Error("unknown levels are never enabled")
	}
}

func TestNopLogger(t *testing.T) {
	l := NewNop()
	l.Info("nothing", Fields("k", "v"))
	if l.Enabled("error") {
		t.Error("nop logger should not be enabled")
	}
}

func TestFields(t *testing.T) {
	f := Fields("a", 1, "b", "two", 3, "skipped", "dangling")
	if len(f) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(f))
	}
	if f["a"] != 1 || f["b"] != "two" {
		t.Errorf("unexpected fields %v", f)
	}

	ef := ErrorFields("subscribe", errors.New("x"))
	if ef[FieldOperation] != "subscribe" || ef[FieldError] != "x" {
		t.Errorf("unexpected error fields %v", ef)
	}

	df := DurationFields("drain", 1500*time.Millisecond)
	if df[FieldDuration] != int64(1500) {
		t.Errorf("unexpected duration %v", df[FieldDuration])
	}

	m := MergeWithError(nil, errors.New("y"))
	if m[FieldError] != "y" {
		t.Errorf("unexpected merged %v", m)
	}
}

func TestConfigDefaultsAndValidate(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	if cfg.Level != "info" || cfg.Format != "console" || cfg.Output != "stdout" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad level", Config{Level: "loud", Format: "json", Output: "stdout"}},
		{"bad format", Config{Level: "info", Format: "xml", Output: "stdout"}},
		{"bad output", Config{Level: "info", Format: "json", Output: "file"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	var buf bytes.Buffer
	l := jsonLogger(&buf, "info")
	Register("hub", l)
	defer Unregister("hub")

	if Get("hub") != l {
		t.Error("expected registered logger")
	}
	if Get("unknown-component") == nil {
		t.Error("expected fallback logger")
	}
}

func TestGlobalLogger(t *testing.T) {
	prev := GetGlobalLogger()
	defer SetGlobalLogger(prev)

	var buf bytes.Buffer
	SetGlobalLogger(jsonLogger(&buf, "info"))
	Info("global", Fields("k", "v"))
	WithComponent("sched").Warn("warned")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[1][FieldComponent] != "sched" {
		t.Errorf("unexpected component %v", lines[1][FieldComponent])
	}
}
