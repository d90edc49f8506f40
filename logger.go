package docmirror

// Fields is a minimal structured field map for logs.
type Fields map[string]any

// Logger is a tiny leveled logger. Provide an adapter around logging stack
// (see log/zap, log/logrus, log/slog). If Logger is nil in Options, logging is disabled.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

type NopLogger struct{}

func (NopLogger) Debug(string, Fields) {}
func (NopLogger) Info(string, Fields)  {}
func (NopLogger) Warn(string, Fields)  {}
func (NopLogger) Error(string, Fields) {}

// scoped stamps base fields (database, collection) onto every entry.
type scoped struct {
	l    Logger
	base Fields
}

func withFields(l Logger, base Fields) Logger {
	if _, nop := l.(NopLogger); nop {
		return l
	}
	return scoped{l: l, base: base}
}

func (s scoped) merge(f Fields) Fields {
	out := make(Fields, len(s.base)+len(f))
	for k, v := range s.base {
		out[k] = v
	}
	for k, v := range f {
		out[k] = v
	}
	return out
}

func (s scoped) Debug(msg string, f Fields) { s.l.Debug(msg, s.merge(f)) }
func (s scoped) Info(msg string, f Fields)  { s.l.Info(msg, s.merge(f)) }
func (s scoped) Warn(msg string, f Fields)  { s.l.Warn(msg, s.merge(f)) }
func (s scoped) Error(msg string, f Fields) { s.l.Error(msg, s.merge(f)) }
