package logging

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/ralph/internal/config"
)

const redacted = "[REDACTED]"

// Secret creates a zap field for a config.Secret. The value is never logged.
func Secret(key string, s config.Secret) zap.Field {
	if s.IsSet() {
		return zap.String(key, redacted)
	}
	return zap.String(key, "")
}

// RedactingEncoder wraps an encoder and redacts sensitive fields by key
// and string values by pattern.
type RedactingEncoder struct {
	zapcore.Encoder
	fields   map[string]struct{}
	patterns []*regexp.Regexp
	enabled  bool
}

// NewRedactingEncoder creates an encoder with redaction.
func NewRedactingEncoder(enc zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	fields := make(map[string]struct{}, len(cfg.Fields))
	for _, f := range cfg.Fields {
		fields[strings.ToLower(f)] = struct{}{}
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return &RedactingEncoder{
		Encoder:  enc,
		fields:   fields,
		patterns: patterns,
		enabled:  cfg.Enabled,
	}, nil
}

func (e *RedactingEncoder) sensitive(key string) bool {
	_, ok := e.fields[strings.ToLower(key)]
	return ok
}

func (e *RedactingEncoder) scrub(value string) string {
	for _, re := range e.patterns {
		value = re.ReplaceAllString(value, redacted)
	}
	return value
}

func (e *RedactingEncoder) redactField(f zapcore.Field) zapcore.Field {
	if e.sensitive(f.Key) {
		return zap.String(f.Key, redacted)
	}
	switch f.Type {
	case zapcore.StringType:
		f.String = e.scrub(f.String)
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok {
			return zap.String(f.Key, e.scrub(err.Error()))
		}
	}
	return f
}

// AddString redacts context fields attached through With.
func (e *RedactingEncoder) AddString(key, value string) {
	if !e.enabled {
		e.Encoder.AddString(key, value)
		return
	}
	if e.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return
	}
	e.Encoder.AddString(key, e.scrub(value))
}

// EncodeEntry redacts per-call fields and the message before encoding.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	if !e.enabled {
		return e.Encoder.EncodeEntry(ent, fields)
	}
	ent.Message = e.scrub(ent.Message)
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = e.redactField(f)
	}
	return e.Encoder.EncodeEntry(ent, out)
}

// Clone keeps redaction on derived encoders.
func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{
		Encoder:  e.Encoder.Clone(),
		fields:   e.fields,
		patterns: e.patterns,
		enabled:  e.enabled,
	}
}
