// Package payments handles x402 payment proofs and settlement.
//
// DESIGN: A caller supplies a payment proof either as a base64 X-PAYMENT
// header or inline in the JSON-RPC params under _meta["x402/payment"].
// The gateway decodes it, builds the payment requirement from the tool's
// active pricing entry, and settles through the x402 facilitator. The
// proof's signature doubles as the ledger dedup key.
package payments

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	x402 "github.com/x402-foundation/x402/go"
	x402http "github.com/x402-foundation/x402/go/http"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// PaymentHeader carries the encoded proof from caller to gateway.
const PaymentHeader = "X-PAYMENT"

// PaymentResponseHeader carries the encoded settlement receipt back.
const PaymentResponseHeader = "X-PAYMENT-RESPONSE"

// metaPaymentKey is the MCP _meta key for inline payment payloads.
const metaPaymentKey = "x402/payment"

// Proof is a decoded payment payload plus its dedup signature.
type Proof struct {
	Payload x402.PaymentPayload
	// Signature identifies this proof for ledger dedup. Taken from the
	// payload's signature field when present, otherwise the encoded
	// proof itself.
	Signature string
	// Raw is the proof exactly as the caller supplied it.
	Raw string
}

// DecodeHeader decodes a base64 X-PAYMENT header value.
func DecodeHeader(header string) (*Proof, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payment header: %w", err)
	}
	var payload x402.PaymentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("invalid payment payload JSON: %w", err)
	}
	if err := validateStructure(payload); err != nil {
		return nil, err
	}
	return &Proof{
		Payload:   payload,
		Signature: proofSignature(payload, header),
		Raw:       header,
	}, nil
}

// ExtractInline pulls an inline payment proof out of a JSON-RPC request
// body (params._meta["x402/payment"]) and returns the body with the proof
// removed, so the upstream never sees caller payment material. A nil Proof
// with nil error means no inline proof was present.
func ExtractInline(body []byte) (*Proof, []byte, error) {
	raw := gjson.GetBytes(body, `params._meta.x402/payment`)
	if !raw.Exists() {
		return nil, body, nil
	}

	var payload x402.PaymentPayload
	if err := json.Unmarshal([]byte(raw.Raw), &payload); err != nil {
		return nil, body, fmt.Errorf("invalid inline payment payload: %w", err)
	}
	if err := validateStructure(payload); err != nil {
		return nil, body, err
	}

	stripped, err := sjson.DeleteBytes(body, `params._meta.x402/payment`)
	if err != nil {
		return nil, body, fmt.Errorf("strip inline payment: %w", err)
	}
	return &Proof{
		Payload:   payload,
		Signature: proofSignature(payload, raw.Raw),
		Raw:       raw.Raw,
	}, stripped, nil
}

// validateStructure accepts both v1 and v2 payload shapes; the facilitator
// performs scheme-level validation at settle time.
func validateStructure(payload x402.PaymentPayload) error {
	if payload.X402Version == 0 {
		return fmt.Errorf("payment payload missing x402Version")
	}
	if payload.Payload == nil {
		return fmt.Errorf("payment payload missing payload body")
	}
	return nil
}

// proofSignature extracts the scheme signature from the payload map,
// falling back to the encoded proof when the scheme carries none.
func proofSignature(payload x402.PaymentPayload, fallback string) string {
	if sig, ok := payload.Payload["signature"].(string); ok && sig != "" {
		return sig
	}
	return fallback
}

// EncodeReceipt encodes a settlement response for the response header.
func EncodeReceipt(settle *x402.SettleResponse) (string, error) {
	data, err := json.Marshal(settle)
	if err != nil {
		return "", fmt.Errorf("marshal settle response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// BaseUnitsToDecimal converts a base-unit amount string to its
// human-readable decimal form: "10000" with 6 decimals is "0.01".
func BaseUnitsToDecimal(amount string, decimals int) (string, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
	if !ok {
		return "", fmt.Errorf("invalid base-unit amount %q", amount)
	}
	if decimals <= 0 {
		return n.String(), nil
	}
	neg := n.Sign() < 0
	n.Abs(n)

	digits := n.String()
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-decimals]
	frac := strings.TrimRight(digits[len(digits)-decimals:], "0")

	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out, nil
}

// Requirement builds the payment requirement binding a tool invocation to
// its price.
type Requirement struct {
	// ResourceURL is the tool's logical resource identifier.
	ResourceURL string
	// Description is shown to paying callers.
	Description string
	PayTo       string
	Network     string
	Asset       string
	// Amount is in base units.
	Amount string
	// TimeoutSeconds bounds how stale a signed payment may be.
	TimeoutSeconds int
}

// Build converts the requirement to x402 form.
func (r Requirement) Build() x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            "exact",
		Network:           r.Network,
		Asset:             r.Asset,
		Amount:            r.Amount,
		PayTo:             r.PayTo,
		MaxTimeoutSeconds: r.TimeoutSeconds,
		Extra: map[string]interface{}{
			"resource":    r.ResourceURL,
			"description": r.Description,
		},
	}
}

// Settler finalizes proofs against a facilitator.
type Settler struct {
	facilitator x402.FacilitatorClient
}

// NewSettler creates a Settler for the facilitator at url. A zero timeout
// uses the client's default.
func NewSettler(url string, timeout time.Duration) *Settler {
	return &Settler{
		facilitator: x402http.NewFacilitatorClient(&x402http.FacilitatorConfig{
			URL:     url,
			Timeout: timeout,
		}),
	}
}

// NewSettlerWithClient injects a facilitator client (tests).
func NewSettlerWithClient(fc x402.FacilitatorClient) *Settler {
	return &Settler{facilitator: fc}
}

// Settle finalizes the proof against the requirement, returning the
// facilitator's settlement result. A settlement the facilitator rejects
// is returned as an error so the caller can absorb it.
func (s *Settler) Settle(ctx context.Context, proof *Proof, req Requirement) (*x402.SettleResponse, error) {
	payloadBytes, err := json.Marshal(proof.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payment payload: %w", err)
	}
	reqBytes, err := json.Marshal(req.Build())
	if err != nil {
		return nil, fmt.Errorf("marshal payment requirements: %w", err)
	}

	resp, err := s.facilitator.Settle(ctx, payloadBytes, reqBytes)
	if err != nil {
		return nil, fmt.Errorf("facilitator settle: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("settlement rejected: %s", resp.ErrorReason)
	}
	return resp, nil
}
