package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestWorker(out *bytes.Buffer) *worker {
	return &worker{
		cfg: &workerConfig{
			agentID:   "7",
			agentName: "test-agent",
			port:      3001,
			config:    map[string]any{"model": "m-a"},
		},
		out:     newEmitter(out),
		logger:  zap.NewNop(),
		started: time.Now(),
	}
}

func TestHeartbeatReportsRequestCounters(t *testing.T) {
	var out bytes.Buffer
	w := newTestWorker(&out)

	// Two processed tasks, one rejected body.
	for _, body := range []string{`{"input":"a"}`, `{"input":"b"}`} {
		rec := httptest.NewRecorder()
		w.handleProcess(rec, httptest.NewRequest("POST", "/process", strings.NewReader(body)))
		require.Equal(t, 200, rec.Code)
	}
	rec := httptest.NewRecorder()
	w.handleProcess(rec, httptest.NewRequest("POST", "/process", strings.NewReader("not json")))
	require.Equal(t, 400, rec.Code)

	w.emitHeartbeat()

	var ev map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &ev))
	assert.Equal(t, "heartbeat", ev["type"])
	assert.EqualValues(t, 2, ev["requestCount"])
	assert.EqualValues(t, 1, ev["errorCount"])
	assert.GreaterOrEqual(t, ev["uptimeMs"].(float64), float64(0))
}

func TestProcessEchoesConfiguredModel(t *testing.T) {
	var out bytes.Buffer
	w := newTestWorker(&out)

	rec := httptest.NewRecorder()
	w.handleProcess(rec, httptest.NewRequest("POST", "/process", strings.NewReader(`{"input":"hello"}`)))
	require.Equal(t, 200, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "m-a", resp["model"])
	assert.Equal(t, "hello", resp["input"])
	assert.EqualValues(t, 1, resp["processed"])
}
