package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger wraps Logger with an observer for test assertions.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger creates a logger that records every entry at or above Trace.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

// All returns all observed log entries.
func (tl *TestLogger) All() []observer.LoggedEntry {
	return tl.observed.All()
}

// FilterMessage returns entries with the exact message.
func (tl *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return tl.observed.FilterMessage(msg)
}

// FilterLevel returns entries at the given level.
func (tl *TestLogger) FilterLevel(level zapcore.Level) *observer.ObservedLogs {
	return tl.observed.FilterLevelExact(level)
}

// AssertLogged fails the test if no entry matches level and message.
func (tl *TestLogger) AssertLogged(t testing.TB, level zapcore.Level, msg string) {
	t.Helper()
	if tl.observed.FilterLevelExact(level).FilterMessage(msg).Len() == 0 {
		t.Errorf("expected %s log with message %q, found none", level, msg)
	}
}

// AssertField fails the test if no entry with msg carries field key=value.
func (tl *TestLogger) AssertField(t testing.TB, msg, key string, value interface{}) {
	t.Helper()
	for _, entry := range tl.observed.FilterMessage(msg).All() {
		if v, ok := entry.ContextMap()[key]; ok && v == value {
			return
		}
	}
	t.Errorf("expected log %q with field %s=%v", msg, key, value)
}

// Reset clears observed entries.
func (tl *TestLogger) Reset() {
	tl.observed.TakeAll()
}
