package redact

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type core struct {
	zapcore.Core
	r *Redactor
}

// WrapCore returns a zap option that sanitizes the message and every
// string, error and stringer field before the wrapped core sees it.
func WrapCore(r *Redactor) zap.Option {
	return zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return &core{Core: c, r: r}
	})
}

func (c *core) With(fields []zapcore.Field) zapcore.Core {
	return &core{Core: c.Core.With(c.sanitize(fields)), r: c.r}
}

func (c *core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = c.r.String(ent.Message)
	return c.Core.Write(ent, c.sanitize(fields))
}

func (c *core) sanitize(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		switch f.Type {
		case zapcore.StringType:
			f.String = c.r.String(f.String)
		case zapcore.ErrorType:
			if err, ok := f.Interface.(error); ok && err != nil {
				if msg, ok := safeText(err.Error); ok {
					f = zap.String(f.Key, c.r.String(msg))
				}
			}
		case zapcore.StringerType:
			if s, ok := f.Interface.(fmt.Stringer); ok && s != nil {
				if msg, ok := safeText(s.String); ok {
					f = zap.String(f.Key, c.r.String(msg))
				}
			}
		}
		out[i] = f
	}
	return out
}

// safeText calls fn, reporting false if it panics (typically a nil pointer
// receiver). Such fields are left for zap's encoder, which renders them
// without panicking.
func safeText(fn func() string) (s string, ok bool) {
	defer func() {
		if recover() != nil {
			s, ok = "", false
		}
	}()
	return fn(), true
}
