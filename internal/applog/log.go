// Package applog builds the process-wide structured logger and the
// per-request "runner" trace logger, mirroring the teacher's
// logger/runnerLogger split in cmd/server/main.go but backed by zap
// instead of bare log.New.
package applog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the operational logger: human-readable console output at
// info level, matching the teacher's "[apipod-smart-proxy] " prefix
// style via a named logger instead.
func New() (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.AddSync(os.Stdout),
		zapcore.InfoLevel,
	)
	logger := zap.New(core).Named("apipod-smart-proxy")
	return logger.Sugar(), nil
}

// NewRunnerLogger builds the per-request trace logger, writing to path
// (truncated on each run, matching the teacher's runner.log). The
// forwarder holds this logger but writes no lines to it.
func NewRunnerLogger(path string) (*zap.SugaredLogger, *os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}

	cfg := zapcore.EncoderConfig{
		TimeKey:     "ts",
		MessageKey:  "msg",
		EncodeTime:  zapcore.ISO8601TimeEncoder,
		LineEnding:  zapcore.DefaultLineEnding,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(f), zapcore.InfoLevel)
	logger := zap.New(core)
	return logger.Sugar(), f, nil
}
