// Package logging configures the zap loggers used across redis-kit. Output
// is JSON on stdout by default; set LOG_FORMAT=development for a colorized
// console encoder on stderr, and LOG_LEVEL to adjust verbosity.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var baseLogger = zap.Must(NewConfig().Build())

func NewConfig() zap.Config {
	var config zap.Config

	if os.Getenv("LOG_FORMAT") == "development" {
		config = zap.Config{
			Level:             zap.NewAtomicLevelAt(zap.DebugLevel),
			Development:       true,
			DisableStacktrace: true,
			Encoding:          "console",
			EncoderConfig:     newEncoderConfig(true),
			OutputPaths:       []string{"stderr"},
		}
	} else {
		config = zap.Config{
			Level:         zap.NewAtomicLevelAt(zap.InfoLevel),
			Encoding:      "json",
			EncoderConfig: newEncoderConfig(false),
			OutputPaths:   []string{"stdout"},
		}
	}

	if level, ok := os.LookupEnv("LOG_LEVEL"); ok {
		if lvl, err := zap.ParseAtomicLevel(level); err == nil {
			config.Level = lvl
		}
	}

	return config
}

func newEncoderConfig(development bool) zapcore.EncoderConfig {
	encoderConfig := zapcore.EncoderConfig{
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
	if development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.NameKey = ""
	}
	return encoderConfig
}

// New creates a new logger with a default "logger" field so we can identify
// the source of log messages.
func New(name string) *zap.Logger {
	return baseLogger.Named(name)
}
