package logging

import (
	"github.com/Swind/go-task-toolkit/core"
	"go.uber.org/zap"
)

// ZapLogger adapts a *zap.Logger to core.Logger.
type ZapLogger struct {
	zl *zap.Logger
}

var _ core.Logger = (*ZapLogger)(nil)

// NewZap wraps zl. A nil logger discards everything.
func NewZap(zl *zap.Logger) *ZapLogger {
	if zl == nil {
		zl = zap.NewNop()
	}
	return &ZapLogger{zl: zl}
}

func (l *ZapLogger) Debug(msg string, fields ...core.Field) { l.zl.Debug(msg, zapFields(fields)...) }
func (l *ZapLogger) Info(msg string, fields ...core.Field)  { l.zl.Info(msg, zapFields(fields)...) }
func (l *ZapLogger) Warn(msg string, fields ...core.Field)  { l.zl.Warn(msg, zapFields(fields)...) }
func (l *ZapLogger) Error(msg string, fields ...core.Field) { l.zl.Error(msg, zapFields(fields)...) }

func zapFields(fields []core.Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			out = append(out, zap.NamedError(f.Key, v))
		case []byte:
			// panic stacks
			out = append(out, zap.ByteString(f.Key, v))
		default:
			out = append(out, zap.Any(f.Key, v))
		}
	}
	return out
}
