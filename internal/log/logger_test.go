package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := parseLevel(tt.in); got != tt.want {
				t.Fatalf("parseLevel(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestComponentTagsOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "debug")

	Component(logger, "relay").Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, "component=") || !strings.Contains(out, "relay") {
		t.Fatalf("expected component field in output, got %q", out)
	}
}

func TestComponentNilParent(t *testing.T) {
	l := Component(nil, "x")
	l.Info().Msg("discarded")
}
