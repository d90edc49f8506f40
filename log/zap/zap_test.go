package zap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unkn0wn-root/docmirror"
)

func TestLevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core))

	l.Debug("d", nil)
	l.Info("i", docmirror.Fields{"collection": "users"})
	l.Warn("w", docmirror.Fields{"b": 2, "a": 1})
	l.Error("e", docmirror.Fields{"err": errors.New("boom")})

	entries := logs.All()
	require.Len(t, entries, 4)
	require.Equal(t, zapcore.DebugLevel, entries[0].Level)
	require.Equal(t, "docmirror", entries[0].LoggerName)
	require.Equal(t, "users", entries[1].ContextMap()["collection"])

	require.Equal(t, "a", entries[2].Context[0].Key)
	require.Equal(t, "b", entries[2].Context[1].Key)

	require.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	require.Equal(t, "boom", entries[3].ContextMap()["err"])
}

func TestNewNilLogger(t *testing.T) {
	l := New(nil)
	l.Info("ignored", docmirror.Fields{"k": "v"})
}
