package jsbridge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestConsole_CapturesAndLogs(t *testing.T) {
	observed, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(observed))
	defer SetLogger(nil)

	x := newTestExtendedRuntime(t)
	require.NoError(t, x.ExecuteVoid(`
console.log('plain', 1, true);
console.warn({ a: 1, big: 2n });
console.error(new TypeError('bad'));
`))

	entries := x.ConsoleLogs()
	require.Len(t, entries, 3)
	assert.Equal(t, "log", entries[0].Level)
	assert.Equal(t, "plain 1 true", entries[0].Message)
	assert.Equal(t, `{"a":1,"big":"2n"}`, entries[1].Message)
	assert.Equal(t, "TypeError: bad", entries[2].Message)

	scriptLines := logs.FilterMessage("script console")
	require.Equal(t, 3, scriptLines.Len())
	assert.Equal(t, zapcore.InfoLevel, scriptLines.All()[0].Level)
	assert.Equal(t, zapcore.WarnLevel, scriptLines.All()[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, scriptLines.All()[2].Level)

	assert.Len(t, x.DrainConsole(), 3)
	assert.Empty(t, x.ConsoleLogs())
	assert.Equal(t, 0, x.HandleCount())
}

func TestConsole_Limits(t *testing.T) {
	x := newTestExtendedRuntime(t)
	require.NoError(t, x.ExecuteVoid("console.info('x'.repeat(5000))"))
	require.NoError(t, x.ExecuteVoid("for (var i = 0; i < 1100; i++) console.debug(i)"))

	entries := x.ConsoleLogs()
	require.Len(t, entries, MaxConsoleEntries)
	assert.True(t, strings.HasSuffix(entries[0].Message, "...(truncated)"))
	assert.Len(t, entries[0].Message, MaxConsoleMessageSize+len("...(truncated)"))
	assert.Equal(t, "debug", entries[1].Level)
}

func TestConsole_BaseFlavorHasNone(t *testing.T) {
	rt := newTestRuntime(t)
	v := execute(t, rt, "typeof __console")
	s, err := v.AsString()
	require.NoError(t, err)
	assert.Equal(t, "undefined", s)
}
