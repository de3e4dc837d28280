package proxy

// DESIGN: HTTP entry point. One handler serves all methods under
// /v1/mcp/{serverSlug}[/*]; the pipeline stages run in their canonical
// order and the response relay writes whatever the pipeline produced:
// a short-circuit (202 or cache hit) or the mirrored upstream response,
// byte-for-byte with the settlement receipt attached.

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcpay/gateway/internal/config"
	"github.com/mcpay/gateway/internal/monitoring"
	"github.com/mcpay/gateway/internal/payments"
)

// Register mounts the proxy and operational routes on r.
func (g *Gateway) Register(r chi.Router) {
	r.HandleFunc("/v1/mcp/{serverSlug}", g.handleProxy)
	r.HandleFunc("/v1/mcp/{serverSlug}/*", g.handleProxy)
	r.Get("/healthz", g.handleHealth)
	r.Method(http.MethodGet, "/metrics", g.metrics.Handler())
}

// handleHealth reports gateway health, probing the ledger database.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := g.ledger.Ping(r.Context()); err != nil {
		health["status"] = "degraded"
		health["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(health)
}

// handleProxy runs the full pipeline for one request.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	start := time.Now()

	slug := chi.URLParam(r, "serverSlug")
	server, err := g.catalog.GetServer(r.Context(), slug)
	if err != nil {
		log.Error().Err(err).Str("slug", slug).Msg("server lookup failed")
		g.writeError(w, "catalog unavailable", http.StatusServiceUnavailable)
		return
	}
	if server == nil {
		g.writeError(w, "unknown server", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			g.writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		g.writeError(w, "failed to read request", http.StatusBadRequest)
		return
	}

	target, err := buildTargetURL(server.URL, chi.URLParam(r, "*"), r.URL.RawQuery)
	if err != nil {
		log.Error().Err(err).Str("slug", slug).Msg("bad upstream URL in catalog")
		g.writeError(w, "upstream misconfigured", http.StatusBadGateway)
		return
	}

	pc := NewPipelineContext(requestID, r, body)
	pc.Server = server
	pc.TargetURL = target

	g.runPipeline(pc, w)
	g.finish(pc, start)
}

// runPipeline executes the stages in canonical order and writes the
// response. Response writing happens here so the settlement receipt,
// produced by payment capture, can be attached before the first byte.
func (g *Gateway) runPipeline(pc *PipelineContext, w http.ResponseWriter) {
	g.classify(pc)
	if pc.ShortCircuit != nil {
		g.writeShortCircuit(pc, w)
		return
	}

	g.resolveIdentity(pc)
	g.inspectToolCall(pc)

	if err := g.throttle(pc); err != nil {
		g.writeError(w, "upstream dispatch timed out", http.StatusGatewayTimeout)
		pc.ShortCircuit = &ShortCircuitResponse{Status: http.StatusGatewayTimeout}
		return
	}

	g.sanitizeHeaders(pc)

	g.cacheRead(pc)
	if pc.ShortCircuit != nil {
		g.writeShortCircuit(pc, w)
		return
	}

	if err := g.callUpstream(pc); err != nil {
		g.logUpstreamFailure(pc, err)
		g.writeError(w, "upstream request failed", http.StatusBadGateway)
		pc.ShortCircuit = &ShortCircuitResponse{Status: http.StatusBadGateway}
		return
	}
	defer pc.Upstream.Close()

	g.capturePayment(pc)
	g.relayUpstream(pc, w)
	g.cacheWrite(pc)
}

// relayUpstream writes the mirrored upstream response byte-for-byte,
// attaching the settlement receipt when one exists.
func (g *Gateway) relayUpstream(pc *PipelineContext, w http.ResponseWriter) {
	copyHeaders(w, pc.Upstream.Header)
	if pc.ReceiptHeader != "" {
		w.Header().Set(payments.PaymentResponseHeader, pc.ReceiptHeader)
		appendExposedHeader(w.Header(), payments.PaymentResponseHeader)
	}
	w.WriteHeader(pc.Upstream.StatusCode)

	streaming := pc.Upstream.IsEventStream() || pc.Classification.ExpectsStream
	if _, err := pc.Upstream.Relay(w, streaming); err != nil {
		log.Debug().Err(err).Str("request_id", pc.RequestID).Msg("relay ended early")
	}
}

// writeShortCircuit writes a locally produced response.
func (g *Gateway) writeShortCircuit(pc *PipelineContext, w http.ResponseWriter) {
	sc := pc.ShortCircuit
	if sc.Header != nil {
		copyHeaders(w, sc.Header)
	}
	w.WriteHeader(sc.Status)
	if len(sc.Body) > 0 {
		_, _ = w.Write(sc.Body)
	}
}

// finish records telemetry and metrics for a completed request.
func (g *Gateway) finish(pc *PipelineContext, start time.Time) {
	status := 0
	responseSize := 0
	streamed := false
	switch {
	case pc.CacheHit, pc.ShortCircuit != nil:
		status = pc.ShortCircuit.Status
		responseSize = len(pc.ShortCircuit.Body)
	case pc.Upstream != nil:
		status = pc.Upstream.StatusCode
		body, _ := pc.Upstream.Snapshot()
		responseSize = len(body)
		streamed = pc.Upstream.IsEventStream()
	}

	paid := pc.PaymentRequired()
	g.metrics.Requests.WithLabelValues(statusClass(status), boolLabel(paid)).Inc()

	ev := &monitoring.RequestEvent{
		RequestID:        pc.RequestID,
		Timestamp:        pc.ReceivedAt,
		Method:           pc.Request.Method,
		Path:             pc.Request.URL.Path,
		ClientIP:         clientIP(pc.Request),
		ServerSlug:       pc.Server.Slug,
		UpstreamHost:     pc.UpstreamHost(),
		AuthMethod:       string(pc.AuthMethod),
		RequestBodySize:  len(pc.Body),
		ResponseBodySize: responseSize,
		StatusCode:       status,
		Streamed:         streamed,
		CacheHit:         pc.CacheHit,
		ShortCircuit:     pc.Classification.Accepted,
		Paid:             paid,
		PaymentSettled:   pc.PaymentSettled,
		RateLimitWaitMs:  pc.RateLimitWait.Milliseconds(),
		UpstreamMs:       pc.UpstreamLatency.Milliseconds(),
		TotalMs:          time.Since(start).Milliseconds(),
	}
	if pc.Tool != nil {
		ev.ToolName = pc.Tool.Tool.Name
	}
	g.tracker.RecordRequest(ev)
}

func (g *Gateway) logUpstreamFailure(pc *PipelineContext, err error) {
	log.Error().Err(err).
		Str("request_id", pc.RequestID).
		Str("host", pc.UpstreamHost()).
		Msg("upstream request failed")
}

// writeError writes a JSON error response.
func (g *Gateway) writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"message": msg, "type": "gateway_error"},
	})
}

// buildTargetURL joins the catalog endpoint with the request's trailing
// path and query string.
func buildTargetURL(endpoint, subPath, rawQuery string) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("endpoint %q has no scheme or host", endpoint)
	}
	if subPath != "" {
		u = u.JoinPath(subPath)
	}
	u.RawQuery = rawQuery
	return u, nil
}

func copyHeaders(w http.ResponseWriter, src http.Header) {
	for k, v := range src {
		w.Header()[k] = v
	}
}

// appendExposedHeader adds name to Access-Control-Expose-Headers so
// browser callers can read it.
func appendExposedHeader(h http.Header, name string) {
	existing := h.Get("Access-Control-Expose-Headers")
	if existing == "" {
		h.Set("Access-Control-Expose-Headers", name)
		return
	}
	for _, part := range strings.Split(existing, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set("Access-Control-Expose-Headers", existing+", "+name)
}

func statusClass(status int) string {
	if status < 100 {
		return "0xx"
	}
	return fmt.Sprintf("%dxx", status/100)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
