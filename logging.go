package main

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds the shared structured logger. structuredLogging selects
// zap's JSON production encoder; otherwise a human-readable console
// encoder is used. The returned AtomicLevel lets logging/setLevel adjust
// verbosity at runtime without rebuilding the logger.
func newLogger(levelName string, structuredLogging bool) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	level, err := parseLevel(levelName)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	atomic := zap.NewAtomicLevelAt(level)

	var encoderCfg zapcore.EncoderConfig
	var encoder zapcore.Encoder
	if structuredLogging {
		encoderCfg = zap.NewProductionEncoderConfig()
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	// Logs never touch stdout: that fd is the client's JSON-RPC wire.
	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), atomic)
	logger := zap.New(core)
	return logger.Sugar(), atomic, nil
}

func parseLevel(name string) (zapcore.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "INFO":
		return zapcore.InfoLevel, nil
	case "DEBUG":
		return zapcore.DebugLevel, nil
	case "WARN", "WARNING":
		return zapcore.WarnLevel, nil
	case "ERROR":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("logging: unrecognized level %q", name)
	}
}
