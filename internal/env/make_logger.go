package env

import (
	zap "go.uber.org/zap"
)

// MakeLogger builds the production JSON logger. Pass debugWire=true to
// lower the level to Debug, which includes per-line wire logging from the
// transport.
func MakeLogger(debugWire bool) (*zap.Logger, error) {
	logConfig := zap.NewProductionConfig()

	level := zap.InfoLevel
	if debugWire {
		level = zap.DebugLevel
	}

	logConfig.Level = zap.NewAtomicLevelAt(level)
	logConfig.Encoding = "json"

	return logConfig.Build()
}
