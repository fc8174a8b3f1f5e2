package logger

import "go.uber.org/zap"

// Symbol-aware logging helpers.
// These functions log with the symbol as a structured field, not in the message.
//
// Usage:
//
//	// Instead of:
//	logger.Infow(SymWorker + " heartbeat received", "instrument", name)
//
//	// Use:
//	logger.WorkerInfow("heartbeat received", "instrument", name)
//
// This makes logs queryable by symbol and keeps messages clean.

// Domain symbols for the instrument-server subsystems.
const (
	SymWorker  = "⚙" // worker process lifecycle
	SymProxy   = "↻" // worker proxy / IPC round-trips
	SymBarrier = "⊨" // sync coordinator / parallel dispatch
	SymJob     = "⏲" // job manager
	SymPlugin  = "❖" // plugin ABI / loader
	SymRPC     = "☍" // HTTP/JSON RPC façade
)

// WorkerInfow logs an info message tagged with the worker symbol.
func WorkerInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, SymWorker}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// WorkerWarnw logs a warning message tagged with the worker symbol.
func WorkerWarnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, SymWorker}, keysAndValues...)
		Logger.Warnw(msg, fields...)
	}
}

// ProxyInfow logs an info message tagged with the proxy symbol.
func ProxyInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, SymProxy}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// ProxyErrorw logs an error message tagged with the proxy symbol.
func ProxyErrorw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, SymProxy}, keysAndValues...)
		Logger.Errorw(msg, fields...)
	}
}

// ProxyWarnw logs a warning message tagged with the proxy symbol.
func ProxyWarnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, SymProxy}, keysAndValues...)
		Logger.Warnw(msg, fields...)
	}
}

// BarrierDebugw logs a debug message tagged with the barrier symbol.
func BarrierDebugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, SymBarrier}, keysAndValues...)
		Logger.Debugw(msg, fields...)
	}
}

// JobInfow logs an info message tagged with the job symbol.
func JobInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, SymJob}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// RPCInfow logs an info message tagged with the RPC symbol.
func RPCInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, SymRPC}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// RPCWarnw logs a warning message tagged with the RPC symbol.
func RPCWarnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, SymRPC}, keysAndValues...)
		Logger.Warnw(msg, fields...)
	}
}

// WithSymbol returns a logger with the given symbol as a field.
// For ad-hoc symbol usage not covered by the helpers above.
func WithSymbol(symbol string) *zap.SugaredLogger {
	return Logger.With(FieldSymbol, symbol)
}
