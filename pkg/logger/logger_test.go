package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	SetLevel(WARN)
	defer SetLevel(INFO)

	InfoC("wx849", "hidden info line")
	WarnCF("wx849", "visible warn line", map[string]interface{}{"msg_id": "m1"})

	out := buf.String()
	if strings.Contains(out, "hidden info line") {
		t.Fatalf("info line should be filtered at WARN level, got %q", out)
	}
	if !strings.Contains(out, "visible warn line") {
		t.Fatalf("warn line missing from output %q", out)
	}
	if !strings.Contains(out, "msg_id=m1") {
		t.Fatalf("fields missing from output %q", out)
	}
	if !strings.Contains(out, "component=wx849") {
		t.Fatalf("component tag missing from output %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DEBUG,
		" WARN ":  WARN,
		"warning": WARN,
		"error":   ERROR,
		"":        INFO,
		"verbose": INFO,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFileLogging(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	path := filepath.Join(t.TempDir(), "wxclaw.log")
	if err := EnableFileLogging(path); err != nil {
		t.Fatalf("EnableFileLogging() error = %v", err)
	}
	InfoCF("media", "cache hit", map[string]interface{}{"aeskey": "abc"})
	DisableFileLogging()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"aeskey":"abc"`) {
		t.Fatalf("log file = %q, want JSON field aeskey", string(data))
	}
}
