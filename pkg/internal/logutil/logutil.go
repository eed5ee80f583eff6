package logutil

import (
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	jsonMode atomic.Bool
	mu       sync.Mutex
	def      *zap.SugaredLogger
)

func init() {
	if os.Getenv("REPLSET_LOG_JSON") == "1" || os.Getenv("REPLSET_LOG_FORMAT") == "json" {
		jsonMode.Store(true)
	}
}

// SetJSON switches the default logger between console and JSON encoding.
// Loggers already handed out keep their encoder.
func SetJSON(enabled bool) {
	jsonMode.Store(enabled)
	mu.Lock()
	def = nil
	mu.Unlock()
}

// New builds a zap logger writing to stderr at the given level.
func New(level zapcore.Level) *zap.SugaredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if jsonMode.Load() {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return zap.New(core).Sugar()
}

// Default returns the process-wide logger (info level).
func Default() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if def == nil {
		def = New(zapcore.InfoLevel)
	}
	return def
}

// Or returns l, or the default logger when l is nil.
func Or(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return Default()
	}
	return l
}

func Debugf(l *zap.SugaredLogger, f string, args ...any) { Or(l).Debugf(f, args...) }
func Infof(l *zap.SugaredLogger, f string, args ...any)  { Or(l).Infof(f, args...) }
func Warnf(l *zap.SugaredLogger, f string, args ...any)  { Or(l).Warnf(f, args...) }
func Errorf(l *zap.SugaredLogger, f string, args ...any) { Or(l).Errorf(f, args...) }
