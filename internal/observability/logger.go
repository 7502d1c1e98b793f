package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is attached to every log line and reported by /health.
const ServiceName = "weather-dashboard-service"

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func NewLogger() (*zap.Logger, error) {
	return buildLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// buildLogger returns a JSON logger, or a colored console logger when format is "console".
func buildLogger(level, format string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(logLevel(level))
	cfg.InitialFields = map[string]interface{}{"service": ServiceName}
	return cfg.Build()
}

// logLevel maps a LOG_LEVEL value to debug, info, warn or error. Anything else is info.
func logLevel(s string) zapcore.Level {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		return zapcore.WarnLevel
	}
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel
	}
	switch lvl {
	case zapcore.DebugLevel, zapcore.WarnLevel, zapcore.ErrorLevel:
		return lvl
	}
	return zapcore.InfoLevel
}
