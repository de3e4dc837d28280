// Package monitoring - types.go defines shared telemetry types.
//
// DESIGN: These types are used by both proxy/ and monitoring/ packages.
// Defined here ONCE to avoid duplication and circular imports.
package monitoring

import "time"

// TelemetryConfig controls the JSONL event tracker.
type TelemetryConfig struct {
	Enabled bool
	LogPath string
}

// RequestEvent captures one request through the gateway.
type RequestEvent struct {
	RequestID        string    `json:"request_id"`
	Timestamp        time.Time `json:"timestamp"`
	Method           string    `json:"method"`
	Path             string    `json:"path"`
	ClientIP         string    `json:"client_ip"`
	ServerSlug       string    `json:"server_slug,omitempty"`
	UpstreamHost     string    `json:"upstream_host,omitempty"`
	ToolName         string    `json:"tool_name,omitempty"`
	AuthMethod       string    `json:"auth_method"`
	RequestBodySize  int       `json:"request_body_size"`
	ResponseBodySize int       `json:"response_body_size"`
	StatusCode       int       `json:"status_code"`
	Streamed         bool      `json:"streamed"`
	CacheHit         bool      `json:"cache_hit"`
	ShortCircuit     bool      `json:"short_circuit"`
	Paid             bool      `json:"paid"`
	PaymentSettled   bool      `json:"payment_settled"`
	Error            string    `json:"error,omitempty"`
	RateLimitWaitMs  int64     `json:"rate_limit_wait_ms"`
	UpstreamMs       int64     `json:"upstream_ms"`
	TotalMs          int64     `json:"total_ms"`
}

// SettlementEvent captures one payment settlement attempt.
type SettlementEvent struct {
	RequestID   string    `json:"request_id"`
	Timestamp   time.Time `json:"timestamp"`
	ToolName    string    `json:"tool_name"`
	Network     string    `json:"network"`
	Amount      string    `json:"amount"`
	Signature   string    `json:"signature"` // masked
	Success     bool      `json:"success"`
	Transaction string    `json:"transaction,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// InitEvent captures gateway startup configuration.
type InitEvent struct {
	Timestamp          time.Time `json:"timestamp"`
	Event              string    `json:"event"`
	ServerPort         int       `json:"server_port"`
	DatabaseDriver     string    `json:"database_driver"`
	CacheBackend       string    `json:"cache_backend"`
	FacilitatorURL     string    `json:"facilitator_url"`
	RateLimitCapacity  int       `json:"rate_limit_capacity"`
	RateLimitMinDelay  int64     `json:"rate_limit_min_delay_ms"`
	RetryMax           int       `json:"retry_max"`
	TelemetryPath      string    `json:"telemetry_path,omitempty"`
}
