// Package zap adapts a *zap.Logger to docmirror.Logger.
package zap

import (
	"sort"

	"go.uber.org/zap"

	"github.com/unkn0wn-root/docmirror"
)

var _ docmirror.Logger = Logger{}

type Logger struct{ L *zap.Logger }

// New wraps l, naming it "docmirror". A nil l yields zap.NewNop.
func New(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return Logger{L: l.Named("docmirror")}
}

func (z Logger) Debug(msg string, f docmirror.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f docmirror.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f docmirror.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f docmirror.Fields) { z.L.Error(msg, fields(f)...) }

// fields sorts by key so entries render the same way every time. Values of type
// error are written with zap.NamedError to keep their message.
func fields(f docmirror.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(f))
	for _, k := range keys {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
