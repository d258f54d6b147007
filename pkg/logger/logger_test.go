package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLogger_WritesStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("tracker", "info", &buf)

	log.Info("connected", map[string]interface{}{"namespace": "tracking"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "tracker", entry["service"])
	assert.Equal(t, "connected", entry["message"])
	assert.Equal(t, "tracking", entry["namespace"])
}

func TestJSONLogger_FiltersBelowMinimum(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("tracker", "warn", &buf)

	log.Debug("noise", nil)
	log.Info("noise", nil)
	assert.Zero(t, buf.Len())

	log.Warn("kept", nil)
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
}

func TestJSONLogger_WithAddsBaseFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("tracker", "debug", &buf).With(map[string]interface{}{"component": "registry"})

	log.Debug("subscribed", map[string]interface{}{"entity_id": "v-1"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "registry", entry["component"])
	assert.Equal(t, "v-1", entry["entity_id"])
}
