package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

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
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"Warn", zerolog.WarnLevel},
		{"ERROR", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
			Setup(tt.level, "console")
			if got := zerolog.GlobalLevel(); got != tt.expect {
				t.Errorf("global level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
	Setup("info", "console")
}

func TestJSONFieldsAndWith(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter("debug", "json", &buf)
	defer Setup("info", "console")

	Log.With("component", "groupnorm").Info("kernel ready",
		"epsilon", 1e-5,
		"workers", 4,
		"err", errors.New("boom"),
		123, "numeric key",
		"orphan_key",
	)

	var event map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &event); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if event["message"] != "kernel ready" {
		t.Errorf("message = %v", event["message"])
	}
	if event["component"] != "groupnorm" {
		t.Errorf("component = %v", event["component"])
	}
	if event["workers"] != float64(4) {
		t.Errorf("workers = %v", event["workers"])
	}
	if event["err"] != "boom" {
		t.Errorf("err = %v", event["err"])
	}
	if event["123"] != "numeric key" {
		t.Errorf("non-string key not converted: %v", event)
	}
	if _, ok := event["orphan_key"]; ok {
		t.Error("orphan key without value should be dropped")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter("error", "json", &buf)
	defer Setup("info", "console")

	Log.Debug("filtered")
	Log.Info("filtered")
	Log.Warn("filtered")
	Log.Error("kept")

	out := buf.String()
	if strings.Count(out, "\n") != 1 || !strings.Contains(out, "kept") {
		t.Errorf("expected only the error line, got %q", out)
	}
}
