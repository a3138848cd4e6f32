package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/g1331/autorouter/internal/models"
	"github.com/g1331/autorouter/internal/proxyerr"
	"github.com/g1331/autorouter/internal/repository"
)

// KeyPrefixLen is how many leading characters of the literal key are stored
// for lookup. Keys shorter than this can never match.
const KeyPrefixLen = 12

// AuthService validates downstream API keys.
type AuthService struct {
	keyRepo repository.APIKeyRepository
	logger  *zap.Logger
}

// NewAuthService creates a new AuthService.
func NewAuthService(keyRepo repository.APIKeyRepository, logger *zap.Logger) *AuthService {
	return &AuthService{
		keyRepo: keyRepo,
		logger:  logger,
	}
}

// Authenticate verifies a bearer value against the stored keys: prefix lookup
// over active keys, then a constant-time hash comparison across every prefix
// match; first match wins. Expired keys are rejected after the hash check so
// the work done does not reveal which stage failed.
func (s *AuthService) Authenticate(ctx context.Context, bearer string) (*models.APIKey, error) {
	if bearer == "" {
		return nil, proxyerr.New(proxyerr.KindMissingAPIKey, "missing bearer token")
	}
	if len(bearer) < KeyPrefixLen {
		return nil, proxyerr.New(proxyerr.KindInvalidAPIKey, "key too short")
	}

	prefix := bearer[:KeyPrefixLen]
	candidates, err := s.keyRepo.FindActiveByPrefix(ctx, prefix)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindInvalidAPIKey, "key lookup failed", err)
	}

	for _, key := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(bearer)) != nil {
			continue
		}
		if key.ExpiresAt != nil && !key.ExpiresAt.After(time.Now()) {
			return nil, proxyerr.New(proxyerr.KindExpiredAPIKey, "key expired")
		}

		keyID := key.ID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.keyRepo.UpdateLastUsed(ctx, keyID); err != nil {
				s.logger.Debug("failed to update api key last used", zap.Error(err))
			}
		}()

		return key, nil
	}

	return nil, proxyerr.New(proxyerr.KindInvalidAPIKey, "no matching key")
}

// CreateAPIKey generates a literal key, stores its salted hash, and returns
// the literal value. It is only visible here, at creation time.
func (s *AuthService) CreateAPIKey(ctx context.Context, name string, expiresAt *time.Time, allowedUpstreamIDs []string) (string, *models.APIKey, error) {
	literal, hash, prefix, err := GenerateAPIKey()
	if err != nil {
		return "", nil, err
	}

	key := &models.APIKey{
		ID:                 uuid.New().String(),
		Name:               name,
		KeyPrefix:          prefix,
		KeyHash:            hash,
		ExpiresAt:          expiresAt,
		IsActive:           true,
		AllowedUpstreamIDs: allowedUpstreamIDs,
	}
	if err := s.keyRepo.Insert(ctx, key); err != nil {
		return "", nil, fmt.Errorf("store api key: %w", err)
	}
	return literal, key, nil
}

// GenerateAPIKey generates a new API key.
// Returns: (literalKey, keyHash, keyPrefix).
func GenerateAPIKey() (string, string, string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", "", fmt.Errorf("generate key material: %w", err)
	}

	literal := "sk-ar-" + hex.EncodeToString(b)
	hash, err := bcrypt.GenerateFromPassword([]byte(literal), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("hash key: %w", err)
	}
	return literal, string(hash), literal[:KeyPrefixLen], nil
}
