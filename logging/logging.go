// Package logging configures the zap loggers handed to queue handles and
// the command line tool. Output format and level are driven by the
// LOG_FORMAT and LOG_LEVEL environment variables.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	baseConfig = NewConfig()
	baseLogger = zap.Must(baseConfig.Build())
)

// NewConfig builds a zap configuration from the environment: human-readable
// console output when LOG_FORMAT is "development", JSON otherwise, with the
// level taken from LOG_LEVEL when it parses.
func NewConfig() zap.Config {
	var config zap.Config

	if os.Getenv("LOG_FORMAT") == "development" {
		config = newDevelopmentConfig()
	} else {
		config = newProductionConfig()
	}

	if level, ok := os.LookupEnv("LOG_LEVEL"); ok {
		if strings.EqualFold(level, "warning") {
			level = "warn"
		}
		if lvl, err := zap.ParseAtomicLevel(level); err == nil {
			config.Level = lvl
		}
	}

	return config
}

func newDevelopmentConfig() zap.Config {
	return zap.Config{
		Level:             zap.NewAtomicLevelAt(zap.DebugLevel),
		Development:       true,
		DisableStacktrace: true,
		Encoding:          "console",
		EncoderConfig:     newDevelopmentEncoderConfig(),
		OutputPaths:       []string{"stderr"},
	}
}

func newProductionConfig() zap.Config {
	return zap.Config{
		Level:       zap.NewAtomicLevelAt(zap.InfoLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding:      "json",
		EncoderConfig: newProductionEncoderConfig(),
		OutputPaths:   []string{"stderr"},
	}
}

func newDevelopmentEncoderConfig() zapcore.EncoderConfig {
	encoderConfig := newProductionEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.NameKey = ""
	return encoderConfig
}

func newProductionEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "severity",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// New creates a logger with a "logger" field naming its source, suitable
// for passing to the engines' WithLogger options.
func New(name string) *zap.Logger {
	return baseLogger.Named(name)
}
