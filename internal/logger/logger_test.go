package logger

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
	Setup("info", "console")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARNING", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestJSONFieldsAndWith(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	l := New(&buf, "json").With("session", "abc")
	l.Info("step", "role", "ffn_infer", "position", 7, "err", errors.New("boom"))

	var event map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &event); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if event["session"] != "abc" {
		t.Errorf("session = %v", event["session"])
	}
	if event["role"] != "ffn_infer" {
		t.Errorf("role = %v", event["role"])
	}
	if event["position"] != float64(7) {
		t.Errorf("position = %v", event["position"])
	}
	if event["err"] != "boom" {
		t.Errorf("err = %v", event["err"])
	}
	if event["message"] != "step" {
		t.Errorf("message = %v", event["message"])
	}
}

func TestOddArgsDropTrailingKey(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "json").Info("odd", "a", 1, "dangling")
	if strings.Contains(buf.String(), "dangling") {
		t.Errorf("dangling key should be dropped: %s", buf.String())
	}
}
