package log

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]interface{}{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestJsonLoggerShapes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJsonLogger(Build(Config{Level: "info"}, &buf), "host-1")

	logger.Warning(LogCategory_CacheError, "redis down: %s", "refused")
	logger.Metrics(map[string]interface{}{"layer": "topology"})
	logger.Log(map[string]interface{}{"message": "served %d", "type": "info"}, 3)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 3)

	assert.Equal(t, "warning", lines[0]["type"])
	assert.Equal(t, "cache", lines[0]["category"])
	assert.Equal(t, "redis down: refused", lines[0]["message"])
	assert.Equal(t, "host-1", lines[0]["hostname"])

	assert.Equal(t, "metrics", lines[1]["category"])
	assert.Equal(t, "topology", lines[1]["layer"])

	assert.Equal(t, "served 3", lines[2]["message"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJsonLogger(Build(Config{Level: "error"}, &buf), "h")
	logger.Info("dropped")
	logger.Error(LogCategory_StorageError, "kept")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["message"])
}

func TestLoggingMiddlewareRecovers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJsonLogger(Build(Config{}, &buf), "h")
	h := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/tiles/1", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	lines := decodeLines(t, &buf)
	require.NotEmpty(t, lines)
	assert.Equal(t, "boom", lines[0]["err"])
}
