package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	err := PrintJSON(&buf, map[string]any{"status": "ok", "count": 3})
	require.NoError(t, err)

	assert.Contains(t, buf.String(), `"status": "ok"`)
	assert.Contains(t, buf.String(), `"count": 3`)
}

func TestPrintYAML(t *testing.T) {
	var buf bytes.Buffer
	err := PrintYAML(&buf, map[string]string{"status": "ok"})
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "status: ok")
}

func TestSimpleTable(t *testing.T) {
	pairs := [][2]string{
		{"Key1", "Value1"},
		{"Key2", "Value2"},
	}

	var buf bytes.Buffer
	err := SimpleTable(&buf, pairs)
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "Key1")
	assert.Contains(t, output, "Value1")
	assert.Contains(t, output, "Key2")
	assert.Contains(t, output, "Value2")
}
