// Package auth issues and validates the EdDSA access tokens sessions
// authenticate with, and rotates the opaque refresh tokens that mint
// new ones.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jaydenbeard/chatalot/internal/store"
)

var (
	ErrInvalidToken     = errors.New("auth: invalid token")
	ErrTokenBlacklisted = errors.New("auth: token has been revoked")
)

const (
	accessTokenLifetime  = 900 * time.Second
	refreshTokenLifetime = 30 * 24 * time.Hour
	tokenAudience        = "chatalot"
)

// Claims is the payload carried in an access token.
type Claims struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
	IsOwner  bool   `json:"is_owner"`
	jwt.RegisteredClaims
}

// Blacklister checks and records revoked token IDs (jti). The concrete
// implementation is a single-node Redis set.
type Blacklister interface {
	Add(ctx context.Context, jti string, ttl time.Duration) error
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
}

// Service mints and validates access/refresh token pairs. The signing
// key is the server's Ed25519 identity key: the same keypair used
// elsewhere for the server's long-term identity, reused here so a single
// Vault-backed secret covers both roles.
type Service struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	store      store.Store
	blacklist  Blacklister
}

// NewService builds a token service over keypair (priv, pub) and the
// refresh-token/blacklist backends.
func NewService(priv ed25519.PrivateKey, pub ed25519.PublicKey, st store.Store, blacklist Blacklister) *Service {
	return &Service{privateKey: priv, publicKey: pub, store: st, blacklist: blacklist}
}

// IssueAccessToken mints a 900-second EdDSA access token for userID.
func (s *Service) IssueAccessToken(userID uuid.UUID, username string, isAdmin, isOwner bool) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		IsAdmin:  isAdmin,
		IsOwner:  isOwner,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenLifetime)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(s.privateKey)
}

// ValidateAccessToken verifies signature, expiry, audience, and
// blacklist status, and returns the authenticated user ID.
func (s *Service) ValidateAccessToken(tokenString string) (uuid.UUID, error) {
	claims, err := s.parseAndVerify(tokenString)
	if err != nil {
		return uuid.UUID{}, err
	}

	if s.blacklist != nil {
		revoked, err := s.blacklist.IsBlacklisted(context.Background(), claims.ID)
		if err != nil {
			return uuid.UUID{}, fmt.Errorf("auth: check blacklist: %w", err)
		}
		if revoked {
			return uuid.UUID{}, ErrTokenBlacklisted
		}
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("%w: subject is not a uuid", ErrInvalidToken)
	}
	return userID, nil
}

// AuthResult is what a validated access token resolves to: the
// authenticated user plus the role flags the hub needs for
// authorization decisions that don't go through the store (e.g. the DM
// cross-community owner bypass).
type AuthResult struct {
	UserID  uuid.UUID
	IsAdmin bool
	IsOwner bool
}

// Authenticate validates tokenString and resolves it to an AuthResult.
// It satisfies hub.Authenticator.
func (s *Service) Authenticate(tokenString string) (AuthResult, error) {
	claims, err := s.ValidateAccessTokenClaims(tokenString)
	if err != nil {
		return AuthResult{}, err
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return AuthResult{}, fmt.Errorf("%w: subject is not a uuid", ErrInvalidToken)
	}
	return AuthResult{UserID: userID, IsAdmin: claims.IsAdmin, IsOwner: claims.IsOwner}, nil
}

// ValidateAccessTokenClaims is like ValidateAccessToken but returns the
// full claim set, for callers (e.g. REST middleware) that need
// username/role flags as well as the subject.
func (s *Service) ValidateAccessTokenClaims(tokenString string) (*Claims, error) {
	claims, err := s.parseAndVerify(tokenString)
	if err != nil {
		return nil, err
	}
	if s.blacklist != nil {
		revoked, err := s.blacklist.IsBlacklisted(context.Background(), claims.ID)
		if err != nil {
			return nil, fmt.Errorf("auth: check blacklist: %w", err)
		}
		if revoked {
			return nil, ErrTokenBlacklisted
		}
	}
	return claims, nil
}

func (s *Service) parseAndVerify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	validation := jwt.NewValidator(jwt.WithAudience(tokenAudience), jwt.WithExpirationRequired())

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, token.Header["alg"])
		}
		return s.publicKey, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if err := validation.Validate(claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// RevokeToken blacklists tokenString's jti for the remainder of its
// natural lifetime.
func (s *Service) RevokeToken(ctx context.Context, tokenString string) error {
	claims, err := s.parseAndVerify(tokenString)
	if err != nil {
		return err
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return nil
	}
	return s.blacklist.Add(ctx, claims.ID, ttl)
}

// IssueRefreshToken mints a 32-byte random refresh token, storing only
// its SHA-256 hash so the plaintext never lives in the database.
func (s *Service) IssueRefreshToken(ctx context.Context, userID uuid.UUID) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate refresh token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	if err := s.store.CreateRefreshToken(ctx, hashRefreshToken(token), userID, time.Now().Add(refreshTokenLifetime)); err != nil {
		return "", fmt.Errorf("auth: persist refresh token: %w", err)
	}
	return token, nil
}

// RotateRefreshToken consumes refreshToken (it can never be used again,
// even on failure downstream) and, if it was valid and unexpired,
// returns a fresh access/refresh pair for the same user.
func (s *Service) RotateRefreshToken(ctx context.Context, refreshToken string, username string, isAdmin, isOwner bool) (accessToken, newRefreshToken string, err error) {
	record, err := s.store.ConsumeRefreshToken(ctx, hashRefreshToken(refreshToken))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	accessToken, err = s.IssueAccessToken(record.UserID, username, isAdmin, isOwner)
	if err != nil {
		return "", "", err
	}
	newRefreshToken, err = s.IssueRefreshToken(ctx, record.UserID)
	if err != nil {
		return "", "", err
	}
	return accessToken, newRefreshToken, nil
}

// RevokeRefreshToken invalidates a refresh token without issuing a
// replacement, for logout.
func (s *Service) RevokeRefreshToken(ctx context.Context, refreshToken string) error {
	return s.store.RevokeRefreshToken(ctx, hashRefreshToken(refreshToken))
}

func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
