// Package logging builds the zap loggers used across probeweaver.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Output formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config selects the level and encoding of the root logger.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns info-level JSON logging.
func Default() Config {
	return Config{Level: "info", Format: FormatJSON}
}

// Validate checks the level and format.
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.level()); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	switch c.format() {
	case FormatJSON, FormatConsole:
		return nil
	}
	return fmt.Errorf("log format %q: want %s or %s", c.Format, FormatJSON, FormatConsole)
}

func (c Config) level() string {
	if c.Level == "" {
		return "info"
	}
	return c.Level
}

func (c Config) format() string {
	if c.Format == "" {
		return FormatJSON
	}
	return strings.ToLower(c.Format)
}

// New returns a logger writing to stderr. JSON output uses the production
// encoder; console output uses the development encoder with colored levels.
func New(c Config) (*zap.Logger, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	level, _ := zapcore.ParseLevel(c.level())

	var zc zap.Config
	if c.format() == FormatConsole {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.Sampling = nil
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}
