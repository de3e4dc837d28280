package proxy

// DESIGN: Outbound header sanitization. Inbound headers are copied through
// except for hop-by-hop headers, caller credentials, and infrastructure
// fingerprints (proxy/CDN prefixes). A coherent browser-like profile is then
// injected so the upstream sees a consistent client: rotating User-Agent,
// Accept/Accept-Language/Accept-Encoding, Sec-Fetch-* and client-hint
// headers, and Referer/Origin derived from the upstream's own origin.
// Caller credentials (Authorization, Cookie) terminate at the gateway and
// never reach the upstream; identity crosses only as X-MCPAY-WALLET.

import (
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/mcpay/gateway/internal/config"
)

// WalletHeader carries the authenticated caller's wallet address upstream.
const WalletHeader = "X-Mcpay-Wallet"

// hopByHop headers are connection-scoped and never forwarded.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// credentialHeaders terminate at the gateway. The payment proof is consumed
// by payment capture; the upstream never sees caller payment material.
var credentialHeaders = map[string]struct{}{
	"Authorization": {},
	"Cookie":        {},
	"X-Payment":     {},
}

// builtinStripPrefixes removes infrastructure fingerprints left by load
// balancers, CDNs, and the gateway itself.
var builtinStripPrefixes = []string{
	"x-forwarded-",
	"x-real-ip",
	"x-vercel-",
	"x-amzn-",
	"x-amz-",
	"cf-",
	"true-client-ip",
	"forwarded",
	"via",
	"x-mcpay-",
}

// defaultUserAgents is the rotating pool used when the config does not
// override it.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:127.0) Gecko/20100101 Firefox/127.0",
}

// Sanitizer rewrites inbound headers into a clean outbound profile.
type Sanitizer struct {
	stripPrefixes []string
	userAgents    []string
	defaultOrigin string
	counter       atomic.Uint64
}

// NewSanitizer builds a sanitizer from config, layering configured strip
// prefixes on top of the built-in set.
func NewSanitizer(cfg config.SanitizerConfig) *Sanitizer {
	prefixes := make([]string, 0, len(builtinStripPrefixes)+len(cfg.StripPrefixes))
	prefixes = append(prefixes, builtinStripPrefixes...)
	for _, p := range cfg.StripPrefixes {
		prefixes = append(prefixes, strings.ToLower(p))
	}

	agents := cfg.UserAgents
	if len(agents) == 0 {
		agents = defaultUserAgents
	}

	origin := cfg.DefaultOrigin
	if origin == "" {
		origin = config.DefaultUpstreamOrigin
	}

	return &Sanitizer{
		stripPrefixes: prefixes,
		userAgents:    agents,
		defaultOrigin: origin,
	}
}

// Sanitize produces the outbound header set for a request to target.
// walletAddress, when non-empty, is attached as the wallet header.
func (s *Sanitizer) Sanitize(in http.Header, target *url.URL, walletAddress string) http.Header {
	out := make(http.Header, len(in)+12)

	for name, values := range in {
		if s.stripped(name) {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}

	origin := s.originFor(target)

	out.Set("User-Agent", s.nextUserAgent())
	if out.Get("Accept") == "" {
		out.Set("Accept", "application/json, text/event-stream")
	}
	out.Set("Accept-Language", "en-US,en;q=0.9")
	out.Set("Accept-Encoding", "gzip, deflate, br")
	out.Set("Sec-Fetch-Dest", "empty")
	out.Set("Sec-Fetch-Mode", "cors")
	out.Set("Sec-Fetch-Site", "cross-site")
	out.Set("Sec-Ch-Ua", `"Chromium";v="126", "Not.A/Brand";v="24"`)
	out.Set("Sec-Ch-Ua-Mobile", "?0")
	out.Set("Sec-Ch-Ua-Platform", `"macOS"`)
	out.Set("Referer", origin+"/")
	out.Set("Origin", origin)

	if walletAddress != "" {
		out.Set(WalletHeader, walletAddress)
	}

	return out
}

// stripped reports whether a header name is removed during sanitization.
func (s *Sanitizer) stripped(name string) bool {
	canonical := http.CanonicalHeaderKey(name)
	if _, ok := hopByHop[canonical]; ok {
		return true
	}
	if _, ok := credentialHeaders[canonical]; ok {
		return true
	}
	switch canonical {
	case "Host", "Content-Length", "Accept-Encoding", "User-Agent", "Referer", "Origin":
		// Recomputed or replaced below.
		return true
	}
	lower := strings.ToLower(name)
	for _, prefix := range s.stripPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// nextUserAgent rotates through the pool, safe for concurrent use.
func (s *Sanitizer) nextUserAgent() string {
	n := s.counter.Add(1)
	return s.userAgents[(n-1)%uint64(len(s.userAgents))]
}

// originFor derives scheme://host from the target, falling back to the
// configured default origin when the target has no usable host.
func (s *Sanitizer) originFor(target *url.URL) string {
	if target == nil || target.Host == "" {
		return s.defaultOrigin
	}
	scheme := target.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + target.Host
}
