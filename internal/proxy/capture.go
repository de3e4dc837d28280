package proxy

// DESIGN: Payment capture runs after the upstream response status is known
// and before any byte of the response reaches the caller, so the settlement
// receipt header can ride on the response. Capture only fires for a
// successful, non-cached, paid tool invocation carrying a proof. Settlement
// and ledger failures are absorbed: the result has already been produced by
// the upstream and a billing failure never unwinds a delivered result.
// Capture runs under context.WithoutCancel so a caller disconnect cannot
// abort a settlement already in flight.

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcpay/gateway/internal/config"
	"github.com/mcpay/gateway/internal/ledger"
	"github.com/mcpay/gateway/internal/monitoring"
	"github.com/mcpay/gateway/internal/payments"
	"github.com/mcpay/gateway/internal/utils"
)

// capturePayment settles the proof and records the payment. It sets
// pc.ReceiptHeader on success and never returns an error.
func (g *Gateway) capturePayment(pc *PipelineContext) {
	if !pc.PaymentRequired() || pc.Proof == nil || pc.CacheHit {
		return
	}
	if pc.Upstream == nil || pc.Upstream.StatusCode < 200 || pc.Upstream.StatusCode >= 300 {
		// The upstream refused the call; nothing was delivered, so
		// nothing is charged.
		return
	}

	ctx := context.WithoutCancel(pc.Request.Context())
	ctx, cancel := context.WithTimeout(ctx, config.DefaultFacilitatorTimeout)
	defer cancel()

	req := g.buildRequirement(pc)

	logger := log.With().
		Str("request_id", pc.RequestID).
		Str("tool", pc.Tool.Tool.Name).
		Str("signature", utils.MaskKeyShort(pc.Proof.Signature)).
		Logger()

	settle, err := g.settler.Settle(ctx, pc.Proof, req)
	if err != nil {
		logger.Warn().Err(err).Msg("payment settlement failed, result already delivered")
		g.metrics.Settlements.WithLabelValues("failed").Inc()
		g.recordSettlement(pc, req, false, "", err)
		// Best effort: a prior pending record for this signature is
		// marked failed. No row is created for a failed settlement.
		if uerr := g.ledger.UpdateStatus(ctx, pc.Proof.Signature, ledger.StatusFailed, ""); uerr != nil {
			logger.Debug().Err(uerr).Msg("ledger status update skipped")
		}
		return
	}

	receipt, err := payments.EncodeReceipt(settle)
	if err != nil {
		logger.Warn().Err(err).Msg("settlement receipt encoding failed")
	} else {
		pc.ReceiptHeader = receipt
	}
	pc.PaymentSettled = true
	g.metrics.Settlements.WithLabelValues("settled").Inc()
	g.recordSettlement(pc, req, true, settle.Transaction, nil)

	rec := &ledger.PaymentRecord{
		ID:              uuid.New(),
		ToolID:          pc.Tool.Tool.ID,
		Amount:          pc.Pricing.Amount,
		TokenDecimals:   pc.Pricing.TokenDecimals,
		Currency:        pc.Pricing.AssetAddress,
		Network:         pc.Pricing.Network,
		TransactionHash: settle.Transaction,
		Status:          ledger.StatusCompleted,
		Signature:       pc.Proof.Signature,
		PayerAddress:    settle.Payer,
		Metadata:        settleMetadata(settle),
	}
	if pc.User != nil {
		id := pc.User.ID
		rec.UserID = &id
	}
	if err := g.ledger.UpsertBySignature(ctx, rec); err != nil {
		logger.Error().Err(err).Msg("ledger write failed after settlement")
		return
	}

	logger.Info().
		Str("transaction", settle.Transaction).
		Str("network", string(settle.Network)).
		Msg("payment settled")
}

// buildRequirement binds the resolved tool invocation to its active price.
func (g *Gateway) buildRequirement(pc *PipelineContext) payments.Requirement {
	human, err := payments.BaseUnitsToDecimal(pc.Pricing.Amount, pc.Pricing.TokenDecimals)
	if err != nil {
		// A malformed stored amount still settles against base units.
		human = pc.Pricing.Amount
	}
	return payments.Requirement{
		ResourceURL:    fmt.Sprintf("mcp://%s/%s", pc.Server.Slug, pc.Tool.Tool.Name),
		Description:    fmt.Sprintf("Payment of %s for tool %q on %s", human, pc.Tool.Tool.Name, pc.Server.Name),
		PayTo:          pc.Server.ReceiverAddress,
		Network:        pc.Pricing.Network,
		Asset:          pc.Pricing.AssetAddress,
		Amount:         pc.Pricing.Amount,
		TimeoutSeconds: config.DefaultPaymentTimeoutSeconds,
	}
}

func (g *Gateway) recordSettlement(pc *PipelineContext, req payments.Requirement, ok bool, tx string, err error) {
	ev := &monitoring.SettlementEvent{
		RequestID:   pc.RequestID,
		Timestamp:   time.Now(),
		ToolName:    pc.Tool.Tool.Name,
		Network:     req.Network,
		Amount:      req.Amount,
		Signature:   utils.MaskKeyShort(pc.Proof.Signature),
		Success:     ok,
		Transaction: tx,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	g.tracker.RecordSettlement(ev)
}

// settleMetadata serializes the facilitator response for the ledger row.
func settleMetadata(settle any) string {
	data, err := json.Marshal(settle)
	if err != nil {
		return ""
	}
	return string(data)
}
