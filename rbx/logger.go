package rbx

// Logger defines the contract for loggers.
type Logger interface {
	Info(msg string)
	Debug(msg string)
	Warn(msg string)
	Error(msg string, err error)
}

// Loggable defines a contract for implementations that can write to the log.
// Repositories and emitters implementing it receive the relay logger.
type Loggable interface {
	SetLogger(Logger)
}

// propagateLogger hands l to every component that accepts a logger.
func propagateLogger(l Logger, components ...any) {
	for _, c := range components {
		if lg, ok := c.(Loggable); ok {
			lg.SetLogger(l)
		}
	}
}

// NopLogger discards everything. It is the default logger.
type NopLogger struct{}

var _ Logger = (*NopLogger)(nil)

func (*NopLogger) Debug(string) {}

func (*NopLogger) Warn(string) {}

func (*NopLogger) Error(string, error) {}

func (*NopLogger) Info(string) {}
