package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/ralph/internal/config"
)

func newBufferLogger(t *testing.T, cfg *Config) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := newLogger(cfg, &buf)
	require.NoError(t, err)
	return logger, &buf
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad format", func(c *Config) { c.Format = "xml" }},
		{"bad output", func(c *Config) { c.Output = "file" }},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }},
		{"empty field key", func(c *Config) { c.Fields = map[string]string{"": "x"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			_, err := NewLogger(cfg)
			assert.Error(t, err)
		})
	}
}

func TestLogger_ContextFields(t *testing.T) {
	logger, buf := newBufferLogger(t, NewDefaultConfig())

	ctx := WithSessionID(context.Background(), "sess-1")
	ctx = WithUnitID(ctx, "bd-42")
	ctx = WithGroupRef(ctx, "bd-7")
	logger.Info(ctx, "iteration started", zap.Int("iteration", 2))

	out := buf.String()
	assert.Contains(t, out, `"session.id":"sess-1"`)
	assert.Contains(t, out, `"unit.id":"bd-42"`)
	assert.Contains(t, out, `"group.ref":"bd-7"`)
	assert.Contains(t, out, `"iteration":2`)
	assert.Contains(t, out, `"service":"ralph"`)
}

func TestLogger_RedactsSensitiveKeys(t *testing.T) {
	logger, buf := newBufferLogger(t, NewDefaultConfig())

	logger.Info(context.Background(), "pushing branch", zap.String("token", "hunter2"))
	logger.With(zap.String("password", "swordfish")).Info(context.Background(), "child")

	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "swordfish")
	assert.Contains(t, out, redacted)
}

func TestLogger_RedactsPatterns(t *testing.T) {
	logger, buf := newBufferLogger(t, NewDefaultConfig())

	logger.Warn(context.Background(), "reviewer failed",
		zap.String("detail", "Authorization: Bearer abc.def.ghi"),
		zap.Error(errors.New("bad key sk-ant-api03-AAAAAAAAAAAA")),
	)

	out := buf.String()
	assert.NotContains(t, out, "abc.def.ghi")
	assert.NotContains(t, out, "sk-ant-api03-AAAAAAAAAAAA")
}

func TestLogger_RedactionDisabled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Redaction.Enabled = false
	logger, buf := newBufferLogger(t, cfg)

	logger.Info(context.Background(), "raw", zap.String("token", "visible"))
	assert.Contains(t, buf.String(), "visible")
}

func TestLogger_TraceLevel(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Level = TraceLevel
	logger, buf := newBufferLogger(t, cfg)

	logger.Trace(context.Background(), "raw worker output")
	assert.Contains(t, buf.String(), "raw worker output")

	cfg2 := NewDefaultConfig()
	quiet, buf2 := newBufferLogger(t, cfg2)
	quiet.Trace(context.Background(), "hidden")
	quiet.Debug(context.Background(), "hidden too")
	assert.Empty(t, buf2.String())
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"trace", TraceLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := LevelFromString(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWithSessionID_PanicsOnInvalid(t *testing.T) {
	assert.Panics(t, func() { WithSessionID(context.Background(), "bad id!") })
	assert.NotPanics(t, func() { WithSessionID(context.Background(), "ok_id-1") })
}

func TestSecretField(t *testing.T) {
	f := Secret("api_key", config.Secret("sk-ant-123"))
	assert.Equal(t, redacted, f.String)

	empty := Secret("api_key", config.Secret(""))
	assert.Equal(t, "", empty.String)
}

func TestFromContext(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Info(ctx, "hello")
	tl.AssertLogged(t, zapcore.InfoLevel, "hello")

	assert.NotNil(t, FromContext(context.Background()))
}

func TestTestLogger_AssertField(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithSessionID(context.Background(), "s1")
	tl.Info(ctx, "decided", zap.String("action", "continue"))

	tl.AssertField(t, "decided", "action", "continue")
	tl.AssertField(t, "decided", "session.id", "s1")
	assert.Len(t, tl.All(), 1)

	tl.Reset()
	assert.Empty(t, tl.All())
}
