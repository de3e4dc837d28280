// Package proxy types - the request pipeline context.
//
// DESIGN: One mutable PipelineContext per in-flight request, created at
// request entry, threaded through every stage by reference, discarded at
// response completion. It is never shared across requests. Once a
// short-circuit response is set, no later stage issues an upstream call.
package proxy

import (
	"net/http"
	"net/url"
	"time"

	"github.com/mcpay/gateway/internal/auth"
	"github.com/mcpay/gateway/internal/catalog"
	"github.com/mcpay/gateway/internal/mcprpc"
	"github.com/mcpay/gateway/internal/payments"
)

// PipelineContext carries data through the processing pipeline.
type PipelineContext struct {
	RequestID  string
	ReceivedAt time.Time

	// Inbound request and its body, captured once and replayed to every
	// stage that needs it.
	Request *http.Request
	Body    []byte

	// Resolved upstream target.
	Server    *catalog.Server
	TargetURL *url.URL

	// Identity (nil for anonymous callers).
	User       *catalog.User
	AuthMethod auth.Method

	// Resolved tool invocation (nil when the request is not a tool call
	// or the tool is unknown to the catalog).
	Tool    *catalog.ToolCall
	Pricing *catalog.PricingEntry
	Proof   *payments.Proof

	// Transport classification.
	Classification mcprpc.Classification

	// Sanitized headers for the outbound request.
	OutboundHeader http.Header

	// Cache state.
	CacheKey string
	CacheHit bool

	// Upstream response, mirrored for inspection.
	Upstream *MirroredResponse

	// ShortCircuit, when set, is written to the caller and all remaining
	// upstream-facing stages are skipped.
	ShortCircuit *ShortCircuitResponse

	// Payment capture outcome.
	ReceiptHeader  string
	PaymentSettled bool

	// Timing for telemetry.
	RateLimitWait   time.Duration
	UpstreamLatency time.Duration
}

// ShortCircuitResponse is a fixed response written without contacting the
// upstream.
type ShortCircuitResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// NewPipelineContext creates a pipeline context for one request.
func NewPipelineContext(requestID string, r *http.Request, body []byte) *PipelineContext {
	return &PipelineContext{
		RequestID:  requestID,
		ReceivedAt: time.Now(),
		Request:    r,
		Body:       body,
	}
}

// UpstreamHost returns the target hostname, or "" before resolution.
func (pc *PipelineContext) UpstreamHost() string {
	if pc.TargetURL == nil {
		return ""
	}
	return pc.TargetURL.Hostname()
}

// PaymentRequired reports whether this invocation demands payment.
func (pc *PipelineContext) PaymentRequired() bool {
	return pc.Tool != nil && pc.Tool.IsPaid() && pc.Pricing != nil
}
