package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level string
		env   string
		want  zapcore.Level
	}{
		{"", "production", zapcore.InfoLevel},
		{"debug", "development", zapcore.DebugLevel},
		{"WARN", "production", zapcore.WarnLevel},
		{"error", "staging", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		logger, err := New(tt.level, tt.env)
		if err != nil {
			t.Fatalf("New(%q, %q) failed: %v", tt.level, tt.env, err)
		}
		if !logger.Core().Enabled(tt.want) {
			t.Errorf("New(%q): level %s not enabled", tt.level, tt.want)
		}
		if tt.want > zapcore.DebugLevel && logger.Core().Enabled(tt.want-1) {
			t.Errorf("New(%q): level below %s should be disabled", tt.level, tt.want)
		}
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("verbose", "production"); err == nil {
		t.Error("expected error for unknown level")
	}
}
