package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestTextFormatRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	Init("warn", "text")
	SetOutput(&buf)

	Info("cycle %d done", 1)
	Warn("slow cycle %d", 2)

	out := buf.String()
	if strings.Contains(out, "cycle 1 done") {
		t.Errorf("info line written at warn level: %q", out)
	}
	if !strings.Contains(out, "[WARN] slow cycle 2") {
		t.Errorf("warn line missing: %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init("debug", "json")
	SetOutput(&buf)

	Debug("tracked %d keys", 42)

	var line struct {
		Time  string `json:"time"`
		Level string `json:"level"`
		Msg   string `json:"msg"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if line.Level != "debug" || line.Msg != "tracked 42 keys" || line.Time == "" {
		t.Errorf("unexpected line: %+v", line)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug": DebugLevel,
		"INFO":  InfoLevel,
		"warn":  WarnLevel,
		"error": ErrorLevel,
		"bogus": InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
