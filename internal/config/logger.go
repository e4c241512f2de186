package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/HerbHall/netmedic/internal/version"
)

// NewLogger builds the process logger from the logging section.
//
// Level is one of debug, info, warn, error (default info). Format is json
// (default) or console. Output is "stderr" (default), "stdout" or a file
// path. Every entry carries service and version fields. Nothing is sampled,
// so no transition or alert line is ever dropped.
func NewLogger(s LoggingSettings) (*zap.Logger, error) {
	lvlText := s.Level
	if lvlText == "" {
		lvlText = "info"
	}
	level, err := zapcore.ParseLevel(lvlText)
	if err != nil {
		return nil, &ConfigError{Field: "logging.level", Reason: fmt.Sprintf("invalid log level %q", lvlText)}
	}

	var enc zapcore.Encoder
	switch s.Format {
	case "json", "":
		ec := zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(ec)
	case "console":
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	default:
		return nil, &ConfigError{Field: "logging.format", Reason: fmt.Sprintf("invalid log format %q: must be \"json\" or \"console\"", s.Format)}
	}

	output := s.Output
	if output == "" {
		output = "stderr"
	}
	sink, _, err := zap.Open(output)
	if err != nil {
		return nil, &ConfigError{Field: "logging.output", Reason: fmt.Sprintf("cannot open %q: %v", output, err)}
	}

	core := zapcore.NewCore(enc, sink, level)
	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
	).With(
		zap.String("service", "netmedic"),
		zap.String("version", version.Short()),
	), nil
}
