package zaplog

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var logger atomic.Pointer[zap.Logger]

var nop = zap.NewNop()

// Logger returns the process-wide logger, or a no-op logger if none is set.
func Logger() *zap.Logger {
	l := logger.Load()
	if l == nil {
		return nop
	}
	return l
}

func SetLogger(l *zap.Logger) { logger.Store(l) }
