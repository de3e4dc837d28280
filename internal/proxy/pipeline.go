// Package proxy implements the gateway request pipeline.
//
// DESIGN: One canonical ordered pipeline over a single context type:
//
//	classify -> (202 short-circuit)
//	         -> resolve identity -> inspect tool call -> rate limit
//	         -> sanitize headers -> cache read
//	         -> [fetch + mirror] (skipped on cache hit)
//	         -> payment capture -> cache write (GET only)
//
// Stages are pure with respect to everything except the PipelineContext and
// the named collaborators they call. Once a short-circuit response is set,
// no later stage issues an upstream call.
package proxy

import (
	"bytes"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/mcpay/gateway/internal/auth"
	"github.com/mcpay/gateway/internal/cache"
	"github.com/mcpay/gateway/internal/catalog"
	"github.com/mcpay/gateway/internal/config"
	"github.com/mcpay/gateway/internal/fetch"
	"github.com/mcpay/gateway/internal/ledger"
	"github.com/mcpay/gateway/internal/mcprpc"
	"github.com/mcpay/gateway/internal/monitoring"
	"github.com/mcpay/gateway/internal/payments"
	"github.com/mcpay/gateway/internal/ratelimit"
)

// toolCallMethod is the JSON-RPC method whose invocations are priced.
const toolCallMethod = "tools/call"

// CacheHeader marks responses served from cache.
const CacheHeader = "X-Mcpay-Cache"

// Deps are the external collaborators of the pipeline.
type Deps struct {
	Catalog  *catalog.Store
	Ledger   *ledger.Store
	Resolver auth.Resolver
	Limiter  *ratelimit.Registry
	Fetcher  *fetch.Client
	Cache    cache.Store
	Settler  *payments.Settler
	Metrics  *monitoring.Metrics
	Tracker  *monitoring.Tracker
}

// Gateway runs the request pipeline.
type Gateway struct {
	cfg       *config.Config
	catalog   *catalog.Store
	ledger    *ledger.Store
	resolver  auth.Resolver
	limiter   *ratelimit.Registry
	fetcher   *fetch.Client
	cache     cache.Store
	settler   *payments.Settler
	sanitizer *Sanitizer
	metrics   *monitoring.Metrics
	tracker   *monitoring.Tracker
}

// NewGateway wires the pipeline.
func NewGateway(cfg *config.Config, deps Deps) *Gateway {
	return &Gateway{
		cfg:       cfg,
		catalog:   deps.Catalog,
		ledger:    deps.Ledger,
		resolver:  deps.Resolver,
		limiter:   deps.Limiter,
		fetcher:   deps.Fetcher,
		cache:     deps.Cache,
		settler:   deps.Settler,
		sanitizer: NewSanitizer(cfg.Sanitizer),
		metrics:   deps.Metrics,
		tracker:   deps.Tracker,
	}
}

// classify inspects the body at the JSON-RPC transport layer. Payloads the
// protocol answers locally (pure notifications, client-to-server responses)
// short-circuit to an empty 202.
func (g *Gateway) classify(pc *PipelineContext) {
	pc.Classification = mcprpc.Classify(pc.Request.Method, pc.Request.Header, pc.Body)
	if pc.Classification.Accepted {
		pc.ShortCircuit = &ShortCircuitResponse{Status: http.StatusAccepted}
		g.metrics.ShortCircuits.Inc()
	}
}

// resolveIdentity attaches the caller's identity. Absence of identity is a
// valid state; this stage never fails the request.
func (g *Gateway) resolveIdentity(pc *PipelineContext) {
	pc.User, pc.AuthMethod = g.resolver.Resolve(pc.Request.Context(), pc.Request)
}

// inspectToolCall resolves a tools/call invocation against the catalog and
// extracts a payment proof from the header or the request's _meta. A tool
// unknown to the catalog passes through unpriced. Proof decode failures are
// logged and dropped; the upstream issues its own payment challenge when
// the call arrives unpaid.
func (g *Gateway) inspectToolCall(pc *PipelineContext) {
	if pc.Classification.Method != toolCallMethod {
		return
	}

	toolName := gjson.GetBytes(pc.Body, "params.name").String()
	if toolName == "" {
		return
	}

	tc, err := g.catalog.LookupTool(pc.Request.Context(), pc.Server.ID, toolName)
	if err != nil {
		log.Error().Err(err).Str("tool", toolName).Msg("tool lookup failed")
		return
	}
	if tc == nil {
		return
	}
	pc.Tool = tc
	pc.Pricing = tc.ActivePricing()

	if header := pc.Request.Header.Get(payments.PaymentHeader); header != "" {
		proof, err := payments.DecodeHeader(header)
		if err != nil {
			log.Warn().Err(err).Str("request_id", pc.RequestID).Msg("payment header rejected")
			return
		}
		pc.Proof = proof
		return
	}

	proof, stripped, err := payments.ExtractInline(pc.Body)
	if err != nil {
		log.Warn().Err(err).Str("request_id", pc.RequestID).Msg("inline payment payload rejected")
		return
	}
	if proof != nil {
		pc.Proof = proof
		// The proof is gateway-internal; the upstream never sees it.
		pc.Body = stripped
	}
}

// throttle waits for a dispatch slot to the upstream host.
func (g *Gateway) throttle(pc *PipelineContext) error {
	start := time.Now()
	err := g.limiter.Acquire(pc.Request.Context(), pc.UpstreamHost())
	pc.RateLimitWait = time.Since(start)
	g.metrics.RateLimitWait.Observe(pc.RateLimitWait.Seconds())
	return err
}

// sanitizeHeaders builds the outbound header profile.
func (g *Gateway) sanitizeHeaders(pc *PipelineContext) {
	wallet := ""
	if pc.User != nil {
		wallet = pc.User.WalletAddress
	}
	pc.OutboundHeader = g.sanitizer.Sanitize(pc.Request.Header, pc.TargetURL, wallet)
}

// cacheRead serves GET requests from cache when possible. A hit becomes a
// short-circuit response carrying the cache marker header.
func (g *Gateway) cacheRead(pc *PipelineContext) {
	if pc.Request.Method != http.MethodGet {
		return
	}
	pc.CacheKey = cache.Key(pc.Request.Method, pc.TargetURL.String())

	entry, ok := g.cache.Get(pc.Request.Context(), pc.CacheKey)
	if !ok {
		g.metrics.CacheMisses.Inc()
		return
	}

	header := make(http.Header, len(entry.Header)+1)
	for name, values := range entry.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	header.Set(CacheHeader, "HIT")

	pc.CacheHit = true
	pc.ShortCircuit = &ShortCircuitResponse{
		Status: entry.Status,
		Header: header,
		Body:   entry.Body,
	}
	g.metrics.CacheHits.Inc()
}

// callUpstream issues the outbound request through the retrying fetcher and
// mirrors the response for inspection.
func (g *Gateway) callUpstream(pc *PipelineContext) error {
	req, err := http.NewRequestWithContext(
		pc.Request.Context(), pc.Request.Method, pc.TargetURL.String(), bytes.NewReader(pc.Body))
	if err != nil {
		return err
	}
	req.Header = pc.OutboundHeader

	start := time.Now()
	resp, err := g.fetcher.Do(req)
	pc.UpstreamLatency = time.Since(start)
	g.metrics.UpstreamLatency.Observe(pc.UpstreamLatency.Seconds())
	if err != nil {
		return err
	}

	pc.Upstream = NewMirroredResponse(resp, config.MaxMirrorBufferSize)
	return nil
}

// cacheWrite stores a completed GET response. Truncated mirrors are never
// cached. Concurrent writers for the same key race last-write-wins.
func (g *Gateway) cacheWrite(pc *PipelineContext) {
	if pc.Request.Method != http.MethodGet || pc.CacheHit || pc.Upstream == nil {
		return
	}
	if !cache.Cacheable(pc.Request.Method, pc.Upstream.StatusCode, pc.Upstream.Header.Get("Content-Type")) {
		return
	}
	body, complete := pc.Upstream.Snapshot()
	if !complete {
		return
	}
	entry := &cache.Entry{
		Status: pc.Upstream.StatusCode,
		Header: pc.Upstream.Header,
		Body:   append([]byte(nil), body...),
	}
	if err := g.cache.Set(pc.Request.Context(), pc.CacheKey, entry); err != nil {
		log.Debug().Err(err).Str("key", pc.CacheKey).Msg("cache write skipped")
	}
}
