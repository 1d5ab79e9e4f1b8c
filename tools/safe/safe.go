package safe

import (
	"deskchat/logger"
	"deskchat/tools/errs"

	"go.uber.org/zap"
)

// SafeGo starts a goroutine whose panic is logged instead of crashing the process.
func SafeGo(name string, f func()) {
	go func() {
		defer Recover(name)
		f()
	}()
}

// Recover must be deferred directly.
func Recover(name string) {
	if r := recover(); r != nil {
		logger.Error("[SafeGo] panic recovered", zap.String("task", name), zap.Error(errs.ErrPanic(r)))
	}
}
