package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "info", "json")
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("stored object", "filename", "abc.png")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "output should be a single JSON line: %s", buf.String())
	require.Equal(t, "stored object", entry["msg"])
	require.Equal(t, "abc.png", entry["filename"])
}

func TestNewRejectsBadInput(t *testing.T) {
	var buf bytes.Buffer

	_, err := New(&buf, "loud", "text")
	require.Error(t, err)

	_, err = New(&buf, "info", "yaml")
	require.Error(t, err)
}
