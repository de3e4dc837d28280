package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upstreamResponse(status int, contentType, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {contentType}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestRelayMirrorsFullBody(t *testing.T) {
	body := strings.Repeat("x", 10000)
	m := NewMirroredResponse(upstreamResponse(200, "application/json", body), 1<<20)
	defer m.Close()

	rec := httptest.NewRecorder()
	n, err := m.Relay(rec, false)
	require.NoError(t, err)

	assert.Equal(t, int64(len(body)), n)
	assert.Equal(t, body, rec.Body.String())

	snapshot, complete := m.Snapshot()
	assert.True(t, complete)
	assert.Equal(t, body, string(snapshot))
}

func TestRelayCapsInspectionBufferNotClient(t *testing.T) {
	body := strings.Repeat("y", 5000)
	m := NewMirroredResponse(upstreamResponse(200, "application/json", body), 1024)
	defer m.Close()

	rec := httptest.NewRecorder()
	n, err := m.Relay(rec, false)
	require.NoError(t, err)

	// Client gets every byte.
	assert.Equal(t, int64(len(body)), n)
	assert.Equal(t, body, rec.Body.String())

	// Inspection copy stops at the cap and is marked incomplete.
	snapshot, complete := m.Snapshot()
	assert.False(t, complete)
	assert.Equal(t, 1024, len(snapshot))
}

func TestRelayFlushesWhenStreaming(t *testing.T) {
	events := "event: message\ndata: {\"a\":1}\n\n"
	m := NewMirroredResponse(upstreamResponse(200, "text/event-stream", events), 1<<20)
	defer m.Close()

	w := &flushCountingWriter{ResponseRecorder: httptest.NewRecorder()}
	_, err := m.Relay(w, true)
	require.NoError(t, err)

	assert.Equal(t, events, w.Body.String())
	assert.Greater(t, w.flushes, 0)
}

func TestIsEventStream(t *testing.T) {
	m := NewMirroredResponse(upstreamResponse(200, "text/event-stream; charset=utf-8", ""), 0)
	defer m.Close()
	assert.True(t, m.IsEventStream())

	m2 := NewMirroredResponse(upstreamResponse(200, "application/json", ""), 0)
	defer m2.Close()
	assert.False(t, m2.IsEventStream())
}

type flushCountingWriter struct {
	*httptest.ResponseRecorder
	flushes int
}

func (w *flushCountingWriter) Flush() {
	w.flushes++
}
