package telemetry

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process-wide structured logger. It must be initialized via
// Init before any engine component runs; transition provenance and the
// unverified-callback acceptance path both depend on it being loud.
var Logger = zap.NewNop()

// Init builds the production logger.
func Init(serviceName string) error {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build(zap.Fields(zap.String("service", serviceName)))
	if err != nil {
		return fmt.Errorf("telemetry: initialize logger: %w", err)
	}

	Logger = logger
	return nil
}

// Sync flushes buffered log entries. Call on shutdown.
func Sync() error {
	return Logger.Sync()
}
