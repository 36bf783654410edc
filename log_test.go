package rtctrack

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(LogConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())

	l.WithField("track", "t1").Debug("hello")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "t1", entry["track"])
}

func TestNewLogger_Defaults(t *testing.T) {
	l, err := NewLogger(LogConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, l.Formatter)
}

func TestNewLogger_Errors(t *testing.T) {
	_, err := NewLogger(LogConfig{Level: "loud"}, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewLogger(LogConfig{Format: "xml"}, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPionLoggerFactory(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(LogConfig{Level: "trace", Format: "json"}, &buf)
	require.NoError(t, err)

	pl := NewPionLoggerFactory(l).NewLogger("ice")
	pl.Warnf("candidate %d failed", 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "candidate 3 failed", entry["msg"])
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "ice", entry["scope"])
	assert.Equal(t, "pion", entry["component"])

	buf.Reset()
	pl.Trace("tick")
	assert.Contains(t, buf.String(), `"level":"trace"`)
}
