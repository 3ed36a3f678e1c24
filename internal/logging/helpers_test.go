package logging

import (
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedCore() (zapcore.Core, *observer.ObservedLogs) {
	return observer.New(TraceLevel)
}
