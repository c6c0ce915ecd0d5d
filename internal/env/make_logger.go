package env

import (
	"fmt"

	zap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// MakeLogger builds the process logger. The terminal owns stdout, so logs
// go to stderr unless file names a path.
func MakeLogger(level, format, file string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(lvl)
	switch format {
	case "", "json":
		logConfig.Encoding = "json"
	case "console":
		logConfig.Encoding = "console"
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	out := "stderr"
	if file != "" {
		out = file
	}
	logConfig.OutputPaths = []string{out}
	logConfig.ErrorOutputPaths = []string{"stderr"}

	return logConfig.Build()
}
