package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func resetLogger(t *testing.T) {
	t.Helper()
	t.Cleanup(func() { Init("info", "json") })
}

func TestLevelFiltering(t *testing.T) {
	resetLogger(t)
	var buf bytes.Buffer
	InitWithWriter("warn", "json", &buf)

	Debug("debug %d", 1)
	Info("info %d", 2)
	Warn("warn %d", 3)
	Error("error %d", 4)

	out := buf.String()
	if strings.Contains(out, "debug 1") || strings.Contains(out, "info 2") {
		t.Errorf("Expected debug and info to be filtered, got %q", out)
	}
	if !strings.Contains(out, "warn 3") || !strings.Contains(out, "error 4") {
		t.Errorf("Expected warn and error entries, got %q", out)
	}
	if !strings.Contains(out, `"level":"warn"`) {
		t.Errorf("Expected JSON level field, got %q", out)
	}
}

func TestTextFormat(t *testing.T) {
	resetLogger(t)
	var buf bytes.Buffer
	InitWithWriter("debug", "text", &buf)

	Debug("hello %s", "world")

	out := buf.String()
	if !strings.Contains(out, "hello world") {
		t.Errorf("Expected message in console output, got %q", out)
	}
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Errorf("Expected console output, got JSON %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"bogus":   InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCtxAddsRequestID(t *testing.T) {
	resetLogger(t)
	var buf bytes.Buffer
	InitWithWriter("info", "json", &buf)

	ctx := WithRequestID(context.Background(), "req-123")
	Ctx(ctx).Info().Msg("handled")

	if !strings.Contains(buf.String(), `"request_id":"req-123"`) {
		t.Errorf("Expected request_id field, got %q", buf.String())
	}
	if RequestID(context.Background()) != "" {
		t.Error("Expected empty request ID for bare context")
	}
}
