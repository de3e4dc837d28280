package ledger

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	return NewStore(db)
}

func TestUpsertBySignatureIsIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	toolID := uuid.New()

	first := &PaymentRecord{
		ToolID:        toolID,
		Amount:        "10000",
		TokenDecimals: 6,
		Currency:      "0xusdc",
		Network:       "eip155:8453",
		Status:        StatusCompleted,
		Signature:     "0xsig1",
		TransactionHash: "0xtx1",
	}
	require.NoError(t, s.UpsertBySignature(ctx, first))

	// Second capture of the same signature transitions, never duplicates.
	second := &PaymentRecord{
		ToolID:          toolID,
		Amount:          "10000",
		TokenDecimals:   6,
		Status:          StatusCompleted,
		Signature:       "0xsig1",
		TransactionHash: "0xtx2",
	}
	require.NoError(t, s.UpsertBySignature(ctx, second))

	n, err := s.CountBySignature(ctx, "0xsig1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rec, err := s.GetBySignature(ctx, "0xsig1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "0xtx2", rec.TransactionHash)
}

func TestUpsertTransitionsPendingToCompleted(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertBySignature(ctx, &PaymentRecord{
		Signature: "0xsig2",
		Status:    StatusPending,
	}))
	require.NoError(t, s.UpdateStatus(ctx, "0xsig2", StatusCompleted, "0xtx9"))

	rec, err := s.GetBySignature(ctx, "0xsig2")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "0xtx9", rec.TransactionHash)
}

func TestUpsertRequiresSignature(t *testing.T) {
	s := testStore(t)
	err := s.UpsertBySignature(context.Background(), &PaymentRecord{Status: StatusCompleted})
	assert.Error(t, err)
}

func TestGetBySignatureMissing(t *testing.T) {
	s := testStore(t)
	rec, err := s.GetBySignature(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestAnonymousPayerAllowed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertBySignature(ctx, &PaymentRecord{
		Signature: "0xanon",
		Status:    StatusCompleted,
		UserID:    nil,
	}))
	rec, err := s.GetBySignature(ctx, "0xanon")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Nil(t, rec.UserID)
}
