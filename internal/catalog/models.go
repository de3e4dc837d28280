// Package catalog stores the registered MCP servers, their tools, and
// tool pricing.
package catalog

import (
	"time"

	"github.com/google/uuid"
)

// Server is a registered upstream MCP server.
type Server struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"`
	// Slug is the public identifier used in gateway URLs.
	Slug string `gorm:"uniqueIndex"`
	Name string
	// URL is the upstream endpoint requests are proxied to.
	URL string `gorm:"not null"`
	// ReceiverAddress is the wallet paid tool invocations settle to.
	ReceiverAddress string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Tool is one named operation a server exposes.
type Tool struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	ServerID uuid.UUID `gorm:"type:uuid;index:idx_tools_server_name,unique"`
	Name     string    `gorm:"index:idx_tools_server_name,unique"`
	// IsMonetized marks the tool as requiring payment when an active
	// pricing entry exists.
	IsMonetized bool
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Pricing []PricingEntry `gorm:"foreignKey:ToolID"`
}

// PricingEntry prices a tool in base units of one asset on one network.
// At most one entry per tool is active at a time.
type PricingEntry struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	ToolID uuid.UUID `gorm:"type:uuid;index"`
	// Amount is the required payment in base units. Stored as a string
	// to avoid floating-point loss.
	Amount        string `gorm:"not null"`
	TokenDecimals int    `gorm:"not null"`
	// Network is a CAIP-2 network identifier (e.g. "eip155:8453").
	Network string `gorm:"not null"`
	// AssetAddress is the token contract accepted for payment.
	AssetAddress string `gorm:"not null"`
	Active       bool   `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// User is a gateway account. Anonymous callers are valid; a User row only
// exists for identified accounts.
type User struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email         string    `gorm:"uniqueIndex"`
	WalletAddress string    `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// APIKey maps a hashed bearer key to a user.
type APIKey struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;index"`
	KeyHash   string    `gorm:"uniqueIndex"`
	Name      string
	RevokedAt *time.Time
	CreatedAt time.Time
}

// ToolCall is the resolved view of one inbound tool invocation: the tool,
// its owning server, and its pricing. Immutable for the life of a request.
type ToolCall struct {
	Tool    Tool
	Server  Server
	Pricing []PricingEntry
}

// IsPaid reports whether this invocation must be paid for: the tool is
// monetized and has an active pricing entry.
func (tc *ToolCall) IsPaid() bool {
	return tc.Tool.IsMonetized && tc.ActivePricing() != nil
}

// ActivePricing returns the single active pricing entry, or nil. Historical
// inactive entries never price a tool.
func (tc *ToolCall) ActivePricing() *PricingEntry {
	for i := range tc.Pricing {
		if tc.Pricing[i].Active {
			return &tc.Pricing[i]
		}
	}
	return nil
}
