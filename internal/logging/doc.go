// Package logging provides structured logging for scratch.
//
// The package wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - console output on stdout or stderr, plus an optional OpenTelemetry bridge
//   - context field injection (trace_id, workbook.id, session.id, request.id)
//   - secret redaction by field name and value pattern
//   - level-aware sampling that never drops errors
//
// Usage:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithWorkbookID(ctx, "wb_123")
//	logger.Info(ctx, "changes saved", zap.Int("ops", 3))
//
// Components that take a plain *zap.Logger get logger.Underlying().
//
// Tests use TestLogger:
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "hello")
//	tl.AssertLogged(t, zapcore.InfoLevel, "hello")
package logging
