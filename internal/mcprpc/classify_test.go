package mcprpc

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func jsonHeader() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return h
}

func TestClassifySingleRequest(t *testing.T) {
	c := Classify(http.MethodPost, jsonHeader(), []byte(`{"jsonrpc":"2.0","method":"tools/call","id":5,"params":{"name":"weather"}}`))
	assert.False(t, c.Batch)
	assert.True(t, c.HasRequests)
	assert.False(t, c.Accepted)
	assert.Equal(t, "tools/call", c.Method)
}

func TestClassifyNotification(t *testing.T) {
	c := Classify(http.MethodPost, jsonHeader(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	assert.True(t, c.Accepted)
	assert.False(t, c.HasRequests)
}

func TestClassifyNullIDIsNotNotification(t *testing.T) {
	// Presence of the id key marks a call, even when the value is null.
	c := Classify(http.MethodPost, jsonHeader(), []byte(`{"jsonrpc":"2.0","method":"ping","id":null}`))
	assert.False(t, c.Accepted)
	assert.True(t, c.HasRequests)
}

func TestClassifyBareResponse(t *testing.T) {
	c := Classify(http.MethodPost, jsonHeader(), []byte(`{"jsonrpc":"2.0","result":"ok","id":1}`))
	assert.True(t, c.Accepted)

	c = Classify(http.MethodPost, jsonHeader(), []byte(`{"jsonrpc":"2.0","error":{"code":-32600,"message":"bad"},"id":1}`))
	assert.True(t, c.Accepted)
}

func TestClassifyBatchMixed(t *testing.T) {
	c := Classify(http.MethodPost, jsonHeader(), []byte(`[{"method":"ping"},{"method":"x","id":1}]`))
	assert.True(t, c.Batch)
	assert.True(t, c.HasRequests)
	assert.False(t, c.Accepted, "a batch with at least one id-bearing request is forwarded")
}

func TestClassifyBatchAllNotifications(t *testing.T) {
	c := Classify(http.MethodPost, jsonHeader(), []byte(`[{"method":"ping"}]`))
	assert.True(t, c.Batch)
	assert.True(t, c.HasRequests)
	assert.True(t, c.Accepted)
}

func TestClassifyBatchAllResponses(t *testing.T) {
	c := Classify(http.MethodPost, jsonHeader(), []byte(`[{"result":"ok","id":1},{"error":{"code":1},"id":2}]`))
	assert.True(t, c.Batch)
	assert.False(t, c.HasRequests)
	assert.True(t, c.Accepted)
}

func TestClassifyFailOpen(t *testing.T) {
	// Malformed JSON passes through unclassified.
	c := Classify(http.MethodPost, jsonHeader(), []byte(`{not json`))
	assert.False(t, c.Accepted)
	assert.False(t, c.HasRequests)

	// Non-JSON content type is never parsed.
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	c = Classify(http.MethodPost, h, []byte(`{"method":"ping"}`))
	assert.False(t, c.Accepted)
}

func TestClassifyGetEventStream(t *testing.T) {
	h := http.Header{}
	h.Set("Accept", "text/event-stream")
	c := Classify(http.MethodGet, h, nil)
	assert.True(t, c.ExpectsStream)
	assert.False(t, c.Accepted)

	c = Classify(http.MethodGet, http.Header{}, nil)
	assert.False(t, c.ExpectsStream)
}

func TestClassifyOtherMethodsPassThrough(t *testing.T) {
	c := Classify(http.MethodDelete, jsonHeader(), []byte(`{"method":"ping"}`))
	assert.Equal(t, Classification{}, c)
}
