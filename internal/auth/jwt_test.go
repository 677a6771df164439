package auth

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/chatalot/internal/store"
)

// fakeBlacklist is an in-memory Blacklister, standing in for Redis in unit
// tests the way the teacher's own tests stub network dependencies.
type fakeBlacklist struct {
	mu      sync.Mutex
	revoked map[string]bool
}

func newFakeBlacklist() *fakeBlacklist {
	return &fakeBlacklist{revoked: make(map[string]bool)}
}

func (f *fakeBlacklist) Add(ctx context.Context, jti string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeBlacklist) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func newTestService(t *testing.T) (*Service, *fakeBlacklist) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	mem := store.NewMemoryStore()
	bl := newFakeBlacklist()
	return NewService(priv, pub, mem, bl), bl
}

func TestIssueAndValidateAccessToken(t *testing.T) {
	svc, _ := newTestService(t)
	userID := uuid.New()

	token, err := svc.IssueAccessToken(userID, "alice", false, false)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	gotUserID, err := svc.ValidateAccessToken(token)
	require.NoError(t, err)
	require.Equal(t, userID, gotUserID)
}

func TestValidateAccessTokenClaimsRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	userID := uuid.New()

	token, err := svc.IssueAccessToken(userID, "bob", true, false)
	require.NoError(t, err)

	claims, err := svc.ValidateAccessTokenClaims(token)
	require.NoError(t, err)
	require.Equal(t, "bob", claims.Username)
	require.True(t, claims.IsAdmin)
	require.False(t, claims.IsOwner)
	require.Equal(t, userID.String(), claims.Subject)
}

func TestValidateAccessTokenRejectsForeignKey(t *testing.T) {
	svc, _ := newTestService(t)
	_, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	forged := &Service{privateKey: otherPriv, publicKey: svc.publicKey}
	token, err := forged.IssueAccessToken(uuid.New(), "mallory", false, false)
	require.NoError(t, err)

	_, err = svc.ValidateAccessToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateAccessTokenRejectsExpired(t *testing.T) {
	svc, _ := newTestService(t)
	userID := uuid.New()
	now := time.Now()

	claims := Claims{
		Username: "carol",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
			ID:        uuid.NewString(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(svc.privateKey)
	require.NoError(t, err)

	_, err = svc.ValidateAccessToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateAccessTokenRejectsBlacklisted(t *testing.T) {
	svc, bl := newTestService(t)
	userID := uuid.New()

	token, err := svc.IssueAccessToken(userID, "dave", false, false)
	require.NoError(t, err)

	claims, err := svc.ValidateAccessTokenClaims(token)
	require.NoError(t, err)

	require.NoError(t, bl.Add(context.Background(), claims.ID, time.Minute))

	_, err = svc.ValidateAccessToken(token)
	require.ErrorIs(t, err, ErrTokenBlacklisted)
}

func TestRevokeTokenBlacklistsJTI(t *testing.T) {
	svc, _ := newTestService(t)
	userID := uuid.New()

	token, err := svc.IssueAccessToken(userID, "erin", false, false)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeToken(context.Background(), token))

	_, err = svc.ValidateAccessToken(token)
	require.ErrorIs(t, err, ErrTokenBlacklisted)
}

func TestRefreshTokenRotationInvalidatesOldToken(t *testing.T) {
	svc, _ := newTestService(t)
	userID := uuid.New()

	refreshToken, err := svc.IssueRefreshToken(context.Background(), userID)
	require.NoError(t, err)

	access, newRefresh, err := svc.RotateRefreshToken(context.Background(), refreshToken, "frank", false, false)
	require.NoError(t, err)
	require.NotEmpty(t, access)
	require.NotEmpty(t, newRefresh)
	require.NotEqual(t, refreshToken, newRefresh)

	gotUserID, err := svc.ValidateAccessToken(access)
	require.NoError(t, err)
	require.Equal(t, userID, gotUserID)

	_, _, err = svc.RotateRefreshToken(context.Background(), refreshToken, "frank", false, false)
	require.Error(t, err, "a consumed refresh token must not be reusable")
}

func TestRevokeRefreshTokenPreventsRotation(t *testing.T) {
	svc, _ := newTestService(t)
	userID := uuid.New()

	refreshToken, err := svc.IssueRefreshToken(context.Background(), userID)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeRefreshToken(context.Background(), refreshToken))

	_, _, err = svc.RotateRefreshToken(context.Background(), refreshToken, "gina", false, false)
	require.Error(t, err)
}
