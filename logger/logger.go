package logger

import "go.uber.org/zap"

var (
	Logger = zap.NewNop()
	Sugar  = Logger.Sugar()
)

func SetLogger(l *zap.Logger) {
	Logger = l
	Sugar = l.Sugar()
}

// Named returns a child of the package logger for the given component.
func Named(component string) *zap.Logger {
	return Logger.Named(component)
}
