// Package logger provides a zap-based application logger.
package logger

import "go.uber.org/zap"

// Log is the global zap logger used across the project. It defaults to
// a no-op logger so library code can log before Init is called.
var Log = zap.NewNop()

// Init configures the global logger in production mode, tagging every
// entry with the service name.
func Init(service string) {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	Log = l.With(zap.String("service", service))
}

// Sync flushes any buffered log entries.
func Sync() {
	_ = Log.Sync()
}
