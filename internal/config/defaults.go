// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined here.
// This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// RATE LIMITING
// =============================================================================

// DefaultBucketCapacity is the token bucket capacity per upstream host.
const DefaultBucketCapacity = 30

// DefaultRefillPerSecond is the bucket refill rate (0.5/s ≈ 30/min).
const DefaultRefillPerSecond = 0.5

// DefaultMinDelay is the hard floor between two dispatches to the same host.
const DefaultMinDelay = 1000 * time.Millisecond

// DefaultMaxHosts caps the number of per-host buckets kept in memory.
// Least-recently-dispatched buckets are evicted past this point.
const DefaultMaxHosts = 1024

// =============================================================================
// UPSTREAM RETRY
// =============================================================================

// DefaultMaxRetries is the retry budget for transient upstream failures.
const DefaultMaxRetries = 3

// DefaultRetryBaseDelay is the base for exponential backoff between retries.
const DefaultRetryBaseDelay = 2 * time.Second

// DefaultRetryMaxJitter is the upper bound of random jitter added per retry.
const DefaultRetryMaxJitter = 1 * time.Second

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// DefaultBufferSize is the standard I/O buffer size.
const DefaultBufferSize = 4096

// MaxRequestBodySize is the maximum allowed request body (10MB).
const MaxRequestBodySize = 10 * 1024 * 1024

// MaxMirrorBufferSize caps the inspection copy of an upstream response.
// Streams larger than this are still relayed byte-for-byte; only the
// inspection buffer stops growing.
const MaxMirrorBufferSize = 10 * 1024 * 1024

// DefaultUpstreamOrigin is the Referer/Origin value used when the upstream
// URL has no usable host and no override is configured.
const DefaultUpstreamOrigin = "https://mcpay.tech"

// DefaultServerReadTimeout for the HTTP server.
const DefaultServerReadTimeout = 1 * time.Minute

// DefaultServerWriteTimeout for the HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// DefaultUpstreamTimeout bounds a single upstream attempt.
const DefaultUpstreamTimeout = 2 * time.Minute

// =============================================================================
// CACHE
// =============================================================================

// DefaultCacheTTL is how long cached GET responses stay servable.
const DefaultCacheTTL = 5 * time.Minute

// DefaultCacheCleanupInterval is the sweep frequency for expired entries.
const DefaultCacheCleanupInterval = 1 * time.Minute

// =============================================================================
// PAYMENTS
// =============================================================================

// DefaultFacilitatorURL is the public x402 facilitator.
const DefaultFacilitatorURL = "https://x402.org/facilitator"

// DefaultFacilitatorTimeout bounds a settlement round trip.
const DefaultFacilitatorTimeout = 30 * time.Second

// DefaultPaymentTimeoutSeconds is the maxTimeoutSeconds advertised in
// payment requirements.
const DefaultPaymentTimeoutSeconds = 300

// =============================================================================
// AUTH
// =============================================================================

// DefaultSessionCookie is the cookie carrying the signed session token.
const DefaultSessionCookie = "mcpay_session"

// =============================================================================
// SERVER
// =============================================================================

// DefaultPort is the gateway listen port.
const DefaultPort = 3000
