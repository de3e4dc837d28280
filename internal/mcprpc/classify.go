// Package mcprpc classifies HTTP bodies carrying MCP JSON-RPC 2.0 traffic.
//
// DESIGN: The gateway must answer one transport-level question before any
// payment logic runs: does this payload expect a body-bearing reply at all?
// Notifications (requests without an id) and bare responses mandate an
// empty 202 Accepted with no upstream call. Classification inspects the
// body with gjson so the raw bytes stay intact for forwarding.
package mcprpc

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Classification describes what a request body contains at the JSON-RPC
// transport layer.
type Classification struct {
	// Batch is true when the body is a JSON array.
	Batch bool
	// HasRequests is true when at least one element is a request
	// (an object with a string "method" field).
	HasRequests bool
	// ExpectsStream is true for GET requests accepting text/event-stream.
	ExpectsStream bool
	// Accepted is true when the protocol mandates an immediate empty 202
	// and no upstream call.
	Accepted bool
	// Method is the JSON-RPC method of a single forwarded request, when
	// one is identifiable ("" for batches and unclassified bodies).
	Method string
}

// Classify inspects an HTTP method, headers, and body.
//
// Fail-open contract: anything that is not recognizably JSON-RPC (wrong
// content type, malformed JSON, unexpected shapes) is passed through
// unclassified and the upstream issues its own protocol error.
func Classify(method string, header http.Header, body []byte) Classification {
	var c Classification

	switch method {
	case http.MethodGet:
		c.ExpectsStream = acceptsEventStream(header)
		return c
	case http.MethodPost:
	default:
		return c
	}

	if !strings.Contains(header.Get("Content-Type"), "application/json") {
		return c
	}
	if !gjson.ValidBytes(body) {
		return c
	}

	parsed := gjson.ParseBytes(body)
	switch {
	case parsed.IsArray():
		c.Batch = true
		items := parsed.Array()
		if len(items) == 0 {
			return c
		}
		requests := 0
		withIDs := 0
		responses := 0
		for _, item := range items {
			if isRequest(item) {
				requests++
				if hasID(item) {
					withIDs++
				}
			} else if isResponse(item) {
				responses++
			}
		}
		c.HasRequests = requests > 0
		// All responses, or all notifications: no reply body is allowed.
		if responses == len(items) || (requests > 0 && withIDs == 0) {
			c.Accepted = true
		}
	case parsed.IsObject():
		switch {
		case isRequest(parsed):
			if !hasID(parsed) {
				// Notification.
				c.Accepted = true
				return c
			}
			c.HasRequests = true
			c.Method = parsed.Get("method").String()
		case isResponse(parsed):
			c.Accepted = true
		}
	}
	return c
}

// isRequest reports whether v is a JSON-RPC request: a string method field.
func isRequest(v gjson.Result) bool {
	return v.Get("method").Type == gjson.String
}

// isResponse reports whether v is a JSON-RPC response: result or error
// present, and no method.
func isResponse(v gjson.Result) bool {
	if v.Get("method").Exists() {
		return false
	}
	return v.Get("result").Exists() || v.Get("error").Exists()
}

// hasID reports whether the id key is present. Per JSON-RPC 2.0, presence
// of the key marks a call expecting a response; the value (including null)
// is irrelevant.
func hasID(v gjson.Result) bool {
	return v.Get("id").Exists()
}

func acceptsEventStream(header http.Header) bool {
	for _, accept := range header.Values("Accept") {
		if strings.Contains(accept, "text/event-stream") {
			return true
		}
	}
	return false
}
