package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw string
		lvl zerolog.Level
		ok  bool
	}{
		{"", zerolog.InfoLevel, false},
		{"debug", zerolog.DebugLevel, true},
		{" WARN ", zerolog.WarnLevel, true},
		{"warning", zerolog.WarnLevel, true},
		{"off", zerolog.Disabled, true},
		{"loud", zerolog.InfoLevel, false},
	}
	for _, tt := range tests {
		lvl, ok := ParseLevel(tt.raw)
		if lvl != tt.lvl || ok != tt.ok {
			t.Errorf("ParseLevel(%q) = (%s, %v), exp (%s, %v)", tt.raw, lvl, ok, tt.lvl, tt.ok)
		}
	}
}

func TestApplyJSONComponent(t *testing.T) {
	saved := log.Logger
	savedLevel := zerolog.GlobalLevel()
	defer func() {
		log.Logger = saved
		zerolog.SetGlobalLevel(savedLevel)
	}()

	var buf bytes.Buffer
	Apply(Config{Level: zerolog.InfoLevel, JSON: true, Out: &buf})

	logger := Component("input")
	logger.Debug().Msg("hidden")
	logger.Info().Str("source", "10.0.0.1:514").Msg("visible")

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected exactly one JSON log line, got %q: %s", buf.String(), err)
	}
	if entry["component"] != "input" || entry["app"] != "ecsyslogd" || entry["message"] != "visible" {
		t.Fatalf("unexpected log entry: %v", entry)
	}
}
