package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Store provides catalog lookups over gorm.
type Store struct {
	db *gorm.DB
}

// NewStore wraps db. Migrate must have been run.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the catalog schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Server{}, &Tool{}, &PricingEntry{}, &User{}, &APIKey{})
}

// GetServer resolves a server by its public slug.
func (s *Store) GetServer(ctx context.Context, slug string) (*Server, error) {
	var server Server
	err := s.db.WithContext(ctx).Where("slug = ?", slug).First(&server).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load server %q: %w", slug, err)
	}
	return &server, nil
}

// LookupTool resolves a tool invocation against the catalog. A nil result
// with nil error means the tool is unknown (and therefore unpriced).
func (s *Store) LookupTool(ctx context.Context, serverID uuid.UUID, toolName string) (*ToolCall, error) {
	var tool Tool
	err := s.db.WithContext(ctx).
		Preload("Pricing").
		Where("server_id = ? AND name = ?", serverID, toolName).
		First(&tool).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup tool %q: %w", toolName, err)
	}

	var server Server
	if err := s.db.WithContext(ctx).First(&server, "id = ?", tool.ServerID).Error; err != nil {
		return nil, fmt.Errorf("load server for tool %q: %w", toolName, err)
	}

	return &ToolCall{Tool: tool, Server: server, Pricing: tool.Pricing}, nil
}

// FindUserByKeyHash resolves an API key hash to its owner. Revoked keys
// resolve to no user.
func (s *Store) FindUserByKeyHash(ctx context.Context, hash string) (*User, error) {
	var key APIKey
	err := s.db.WithContext(ctx).
		Where("key_hash = ? AND revoked_at IS NULL", hash).
		First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}

	var user User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", key.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load api key user: %w", err)
	}
	return &user, nil
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return &user, nil
}
