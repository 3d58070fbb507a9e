// Package logger is a process-wide logging facade. Components log through
// the package functions and prefix messages with their component name in
// brackets, e.g. logger.Info("[Chunker] split document", "chunks", 3).
package logger

import "sync"

// LoggerInstance is a logging backend.
type LoggerInstance interface {
	Log(message string, keyvals ...any)
	Debug(message string, keyvals ...any)
	Info(message string, keyvals ...any)
	Warn(message string, keyvals ...any)
	Error(message string, keyvals ...any)
	Fatal(message string, keyvals ...any)
}

// Logger fans log calls out to every configured backend.
type Logger struct {
	instances []LoggerInstance
}

var (
	mu        sync.RWMutex
	singleton *Logger
)

func backends() []LoggerInstance {
	mu.RLock()
	defer mu.RUnlock()
	if singleton == nil {
		return nil
	}
	return singleton.instances
}

// Init installs the logging backends. Calls made before Init are dropped.
func Init(instances ...LoggerInstance) {
	mu.Lock()
	defer mu.Unlock()
	singleton = &Logger{instances: instances}
}

// Log writes a message without a level.
func Log(message string, keyvals ...any) {
	for _, instance := range backends() {
		instance.Log(message, keyvals...)
	}
}

// Debug writes a message at DEBUG level.
func Debug(message string, keyvals ...any) {
	for _, instance := range backends() {
		instance.Debug(message, keyvals...)
	}
}

// Info writes a message at INFO level.
func Info(message string, keyvals ...any) {
	for _, instance := range backends() {
		instance.Info(message, keyvals...)
	}
}

// Warn writes a message at WARN level.
func Warn(message string, keyvals ...any) {
	for _, instance := range backends() {
		instance.Warn(message, keyvals...)
	}
}

// Error writes a message at ERROR level.
func Error(message string, keyvals ...any) {
	for _, instance := range backends() {
		instance.Error(message, keyvals...)
	}
}

// Fatal writes a message at FATAL level. Console backends exit the process.
func Fatal(message string, keyvals ...any) {
	for _, instance := range backends() {
		instance.Fatal(message, keyvals...)
	}
}
