package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in    string
		level LogLevel
		ok    bool
	}{
		{"debug", DebugLevel, true},
		{"INFO", InfoLevel, true},
		{"", InfoLevel, true},
		{"warning", WarnLevel, true},
		{"error", ErrorLevel, true},
		{"fatal", FatalLevel, true},
		{"verbose", InfoLevel, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			level, ok := ParseLevel(tt.in)
			assert.Equal(t, tt.level, level)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestSlogWriter(t *testing.T) {
	t.Setenv("ENV", "")
	require := require.New(t)

	var buf bytes.Buffer
	l := NewSlogWriter(&buf, InfoLevel, false)
	require.Equal(InfoLevel, l.Level())

	l.Debug("hidden")
	require.Zero(buf.Len())

	l.With("session", "abc").Info("connected", "attempt", 1)

	var rec map[string]any
	require.NoError(json.Unmarshal(buf.Bytes(), &rec))
	require.Equal("connected", rec["msg"])
	require.Equal("abc", rec["session"])
	require.EqualValues(1, rec["attempt"])
	require.Contains(rec, "ts")

	l.SetLevel(DebugLevel)
	require.Equal(DebugLevel, l.Level())
}

func TestZap(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	l := NewZap(&buf, WarnLevel)
	require.Equal(WarnLevel, l.Level())

	l.Info("hidden")
	l.With("session", "abc").Warn("reconnecting", "attempt", 2)
	require.NoError(l.Sync())

	var rec map[string]any
	require.NoError(json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	require.Equal("reconnecting", rec["msg"])
	require.Equal("abc", rec["session"])
	require.EqualValues(2, rec["attempt"])

	l.SetLevel(FatalLevel)
	require.Equal(FatalLevel, l.Level())
}

func TestDefaultLogger(t *testing.T) {
	prev := GetLogger()
	defer SetLogger(prev)

	m := NewMockLogger()
	m.On("Info", "hello", []any{"k", "v"}).Once()
	SetLogger(m)
	SetLogger(nil)

	Info("hello", "k", "v")
	m.AssertExpectations(t)
	assert.Equal(t, []string{"hello"}, m.Messages("Info"))
}
