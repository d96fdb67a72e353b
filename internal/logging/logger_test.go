package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decode(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid json %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.input); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
	if Level(42).String() != "unknown" {
		t.Errorf("unexpected name for unknown level")
	}
}

func TestParseFormat(t *testing.T) {
	if ParseFormat("text") != FormatText || ParseFormat("json") != FormatJSON || ParseFormat("") != FormatJSON {
		t.Fatal("unexpected format mapping")
	}
}

func TestJSONOutputWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Output: &buf})

	l.Infof("scan started", map[string]any{"scanId": int64(7), "error": errors.New("boom")})

	lines := decode(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	e := lines[0]
	if e["message"] != "scan started" || e["level"] != "info" {
		t.Errorf("unexpected entry %v", e)
	}
	if e["scanId"] != float64(7) {
		t.Errorf("scanId = %v", e["scanId"])
	}
	if e["error"] != "boom" {
		t.Errorf("error field = %v, want string", e["error"])
	}
	if _, ok := e["timestamp"]; !ok {
		t.Errorf("missing timestamp")
	}
}

func TestLevelFilteringAndSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelWarn, Output: &buf})
	l.Info("dropped")
	l.Warn("kept")
	if n := len(decode(t, &buf)); n != 1 {
		t.Fatalf("got %d lines, want 1", n)
	}

	child := l.With(map[string]any{"k": "v"})
	l.SetLevel(LevelDebug)
	if child.GetLevel() != LevelDebug {
		t.Fatalf("derived logger should share level")
	}
	buf.Reset()
	child.Debug("now visible")
	lines := decode(t, &buf)
	if len(lines) != 1 || lines[0]["k"] != "v" {
		t.Fatalf("unexpected output %v", lines)
	}
}

func TestNamedAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Output: &buf}).Named("gc").WithRequestID("req-1")
	l.Error("failed")
	e := decode(t, &buf)[0]
	if e["component"] != "gc" || e["requestId"] != "req-1" {
		t.Fatalf("unexpected entry %v", e)
	}
	if l.RequestID() != "req-1" {
		t.Fatalf("RequestID = %q", l.RequestID())
	}
}

func TestCallerAdded(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Output: &buf, AddCaller: true}).Info("x")
	e := decode(t, &buf)[0]
	caller, _ := e["caller"].(string)
	if !strings.Contains(caller, "logger_test.go") {
		t.Fatalf("caller = %q, want logger_test.go", caller)
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Output: &buf, Format: FormatText}).Infof("hello", map[string]any{"a": 1})
	out := buf.String()
	if !strings.Contains(out, "hello") || !strings.Contains(out, "info") {
		t.Fatalf("unexpected text output %q", out)
	}
}

func TestFromCtx(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Output: &buf})

	ctx := WithRequestIDCtx(context.Background(), "abc")
	l := FromCtx(ctx, base)
	l.Info("x")
	if e := decode(t, &buf)[0]; e["requestId"] != "abc" {
		t.Fatalf("requestId = %v", e["requestId"])
	}

	attached := base.With(map[string]any{"attached": true})
	ctx = WithLoggerCtx(context.Background(), attached)
	if FromCtx(ctx, base) != attached {
		t.Fatalf("expected logger from context")
	}
	if LoggerFromCtx(context.Background()) != nil {
		t.Fatalf("expected nil logger")
	}
	if FromCtx(context.Background(), nil) != Global() {
		t.Fatalf("expected global fallback")
	}
}

func TestSetGlobal(t *testing.T) {
	prev := Global()
	defer SetGlobal(prev)

	var buf bytes.Buffer
	SetGlobal(New(Config{Output: &buf}))
	Warnf("global", map[string]any{"n": 1})
	if e := decode(t, &buf)[0]; e["message"] != "global" {
		t.Fatalf("unexpected entry %v", e)
	}
}

func TestNopLogger(t *testing.T) {
	l := NewNop()
	l.Errorf("ignored", map[string]any{"x": 1})
}
