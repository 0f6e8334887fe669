package mkimage

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the console logger the command line uses. verbose turns
// on the per-section and per-relocation trail; extra sinks receive the same
// records.
func NewLogger(verbose bool, extra ...zapcore.WriteSyncer) *zap.Logger {
	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.TimeKey = ""

	sinks := append([]zapcore.WriteSyncer{zapcore.Lock(os.Stderr)}, extra...)
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.NewMultiWriteSyncer(sinks...), level)
	return zap.New(core)
}

func hex(key string, v uint64) zap.Field {
	return zap.String(key, fmt.Sprintf("0x%x", v))
}

func orNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
