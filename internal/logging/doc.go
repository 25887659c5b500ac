// Package logging provides structured, context-aware logging on top of Zap.
//
// # Overview
//
// The package wraps Zap with:
//   - A custom Trace level (-2, below Debug)
//   - Context field injection (session, work unit, group, trace ids)
//   - Key and pattern based secret redaction applied to every field
//   - An observer-backed TestLogger for assertions in tests
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithSessionID(ctx, "sess-123")
//	logger.Info(ctx, "iteration started", zap.Int("iteration", 3))
//
// Logs are written to stderr by default. Hook invocations use stdout as the
// protocol channel back to the agent host, so nothing else may write there.
package logging
