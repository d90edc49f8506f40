// Package logrus adapts a logrus entry to docmirror.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/docmirror"
)

var _ docmirror.Logger = Logger{}

type Logger struct{ E *logrus.Entry }

// New wraps l with a component=docmirror field. A nil l uses logrus.StandardLogger.
func New(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return Logger{E: l.WithField("component", "docmirror")}
}

func (l Logger) Debug(msg string, f docmirror.Fields) { l.with(f).Debug(msg) }
func (l Logger) Info(msg string, f docmirror.Fields)  { l.with(f).Info(msg) }
func (l Logger) Warn(msg string, f docmirror.Fields)  { l.with(f).Warn(msg) }
func (l Logger) Error(msg string, f docmirror.Fields) { l.with(f).Error(msg) }

// with moves an "err" field onto logrus' error key.
func (l Logger) with(f docmirror.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	lf := make(logrus.Fields, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			lf[logrus.ErrorKey] = err
			continue
		}
		lf[k] = v
	}
	return l.E.WithFields(lf)
}
