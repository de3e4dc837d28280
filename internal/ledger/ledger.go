// Package ledger persists payment records.
//
// DESIGN: The payment-proof signature is the dedup key: at most one
// PaymentRecord exists per signature, enforced by a unique index and a
// transactional upsert. Retried or duplicated capture attempts transition
// the existing row's status instead of inserting a second row.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Payment status values.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// PaymentRecord is one settled (or attempted) payment.
type PaymentRecord struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	ToolID uuid.UUID `gorm:"type:uuid;index"`
	// UserID is nil for anonymous payers.
	UserID *uuid.UUID `gorm:"type:uuid;index"`
	// Amount is in base units of the asset.
	Amount        string
	TokenDecimals int
	Currency      string
	Network       string
	// TransactionHash is the on-chain settlement reference.
	TransactionHash string
	Status          string `gorm:"index"`
	// Signature is the payment proof's signature, unique per payment.
	Signature string `gorm:"uniqueIndex"`
	// PayerAddress is reported by the settlement facilitator.
	PayerAddress string
	// Metadata holds provider-specific settlement detail as JSON.
	Metadata  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store provides ledger operations.
type Store struct {
	db *gorm.DB
}

// NewStore wraps db. Migrate must have been run.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the ledger schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&PaymentRecord{})
}

// GetBySignature returns the payment for a proof signature, or nil.
func (s *Store) GetBySignature(ctx context.Context, signature string) (*PaymentRecord, error) {
	var rec PaymentRecord
	err := s.db.WithContext(ctx).Where("signature = ?", signature).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load payment by signature: %w", err)
	}
	return &rec, nil
}

// UpsertBySignature records a settlement idempotently. When a record for
// the signature already exists its status, transaction hash, payer, and
// metadata are updated; otherwise the given record is inserted. The whole
// operation runs in one transaction so concurrent captures of the same
// signature cannot create duplicates.
func (s *Store) UpsertBySignature(ctx context.Context, rec *PaymentRecord) error {
	if rec.Signature == "" {
		return fmt.Errorf("payment record requires a signature")
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&PaymentRecord{}).
			Where("signature = ?", rec.Signature).
			Updates(map[string]any{
				"status":           rec.Status,
				"transaction_hash": rec.TransactionHash,
				"payer_address":    rec.PayerAddress,
				"metadata":         rec.Metadata,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		// Not present: insert, tolerating a concurrent insert of the
		// same signature.
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "signature"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "transaction_hash", "payer_address", "metadata",
			}),
		}).Create(rec).Error
	})
}

// UpdateStatus transitions the status of the payment for a signature.
func (s *Store) UpdateStatus(ctx context.Context, signature, status, txHash string) error {
	return s.db.WithContext(ctx).Model(&PaymentRecord{}).
		Where("signature = ?", signature).
		Updates(map[string]any{"status": status, "transaction_hash": txHash}).Error
}

// CountBySignature reports how many records exist for a signature.
// Used by health checks and tests; the invariant is 0 or 1.
func (s *Store) CountBySignature(ctx context.Context, signature string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&PaymentRecord{}).
		Where("signature = ?", signature).Count(&n).Error
	return n, err
}

// Ping verifies the ledger database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
