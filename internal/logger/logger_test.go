package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetWriter(&buf)
	t.Cleanup(func() {
		SetWriter(os.Stdout)
		SetLevel("INFO")
		_ = SetFormat("text")
	})
	return &buf
}

func TestLevels(t *testing.T) {
	t.Run("FiltersBelowLevel", func(t *testing.T) {
		buf := capture(t)
		SetLevel("WARN")

		Info("hidden %d", 1)
		Warn("shown %d", 2)

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown 2")
	})

	t.Run("CaseInsensitive", func(t *testing.T) {
		capture(t)
		SetLevel("debug")
		assert.Equal(t, LevelDebug, GetLevel())
		assert.True(t, IsDebug())
	})

	t.Run("UnknownLevelIgnored", func(t *testing.T) {
		capture(t)
		SetLevel("ERROR")
		SetLevel("loud")
		assert.Equal(t, LevelError, GetLevel())
	})

	t.Run("ParseLevel", func(t *testing.T) {
		lvl, err := ParseLevel("warning")
		require.NoError(t, err)
		assert.Equal(t, LevelWarn, lvl)
		assert.Equal(t, "WARN", lvl.String())

		_, err = ParseLevel("nope")
		assert.Error(t, err)
	})
}

func TestFormat(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		buf := capture(t)
		require.NoError(t, SetFormat("json"))

		WithFields(Fields{"conn": "c1"}).Info("hello %s", "world")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "hello world", line["msg"])
		assert.Equal(t, "c1", line["conn"])
	})

	t.Run("RejectsUnknown", func(t *testing.T) {
		assert.Error(t, SetFormat("xml"))
	})
}

func TestSetOutputFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpc.log")
	require.NoError(t, SetOutput(path))
	t.Cleanup(func() { _ = SetOutput("stdout") })

	Error("written to file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}
