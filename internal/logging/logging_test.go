package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

// TestValidate tests accepted and rejected settings.
func TestValidate(t *testing.T) {
	tests := []struct {
		cfg Config
		ok  bool
	}{
		{Default(), true},
		{Config{}, true},
		{Config{Level: "debug", Format: "Console"}, true},
		{Config{Level: "loud"}, false},
		{Config{Format: "xml"}, false},
	}
	for _, tt := range tests {
		err := tt.cfg.Validate()
		if tt.ok != (err == nil) {
			t.Errorf("Validate(%+v) = %v", tt.cfg, err)
		}
	}
}

// TestNew tests that the logger honors the configured level.
func TestNew(t *testing.T) {
	log, err := New(Config{Level: "warn", Format: FormatConsole})
	if err != nil {
		t.Fatal(err)
	}
	if log.Core().Enabled(zapcore.InfoLevel) || !log.Core().Enabled(zapcore.WarnLevel) {
		t.Error("level not applied")
	}
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Error("New() error = nil for a bad level")
	}
}
