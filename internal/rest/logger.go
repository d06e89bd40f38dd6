package rest

import "go.uber.org/zap"

// Logger is the logging surface the client needs. Both *zap.Logger and the
// gofulmen *logging.Logger satisfy it.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

func nopLogger() Logger {
	return zap.NewNop()
}
