package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Verbose bool
	JSON    bool
	// Level names the minimum level and wins over Verbose when set.
	Level string
}

func New(opts Options) (*zap.Logger, error) {
	level, err := opts.level()
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	if !opts.JSON {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = ""
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeCaller = nil
	}

	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = level > zapcore.DebugLevel

	if opts.JSON {
		cfg.Encoding = "json"
	} else {
		cfg.Encoding = "console"
	}

	return cfg.Build()
}

func (o Options) level() (zapcore.Level, error) {
	name := strings.TrimSpace(o.Level)
	if name == "" {
		if o.Verbose {
			return zapcore.DebugLevel, nil
		}
		return zapcore.InfoLevel, nil
	}

	level, err := zapcore.ParseLevel(strings.ToLower(name))
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", name, err)
	}
	return level, nil
}
