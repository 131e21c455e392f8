package auth

import (
	"context"
	"testing"
	"time"

	"github.com/allisson/fastpubsub/internal/config"
	"github.com/allisson/fastpubsub/internal/log"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClientSource struct {
	clients map[uuid.UUID]ClientInfo
}

func (f *fakeClientSource) AuthClient(_ context.Context, id uuid.UUID) (ClientInfo, error) {
	client, ok := f.clients[id]
	if !ok {
		return ClientInfo{}, ErrClientNotFound
	}
	return client, nil
}

func testConfig() *config.Config {
	return &config.Config{
		AuthEnabled:                  true,
		AuthSecretKey:                "test-secret-key",
		AuthAlgorithm:                "HS256",
		AuthAccessTokenExpireMinutes: 15,
	}
}

func newTestAuthenticator(t *testing.T, cfg *config.Config) (*Authenticator, *fakeClientSource, uuid.UUID, string) {
	t.Helper()
	secret := GenerateSecret()
	hash, err := HashSecret(secret)
	require.NoError(t, err)

	clientID := uuid.New()
	source := &fakeClientSource{clients: map[uuid.UUID]ClientInfo{
		clientID: {
			ID:           clientID,
			Scopes:       "topics:publish subscriptions:consume",
			IsActive:     true,
			TokenVersion: 1,
			SecretHash:   hash,
		},
	}}
	return NewAuthenticator(cfg, source, log.NewLogger("error", "json")), source, clientID, secret
}

func TestIssueAndDecodeToken(t *testing.T) {
	a, _, clientID, secret := newTestAuthenticator(t, testConfig())
	ctx := context.Background()

	token, err := a.IssueToken(ctx, clientID, secret)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.Equal(t, 15*60, token.ExpiresIn)
	assert.Equal(t, "topics:publish subscriptions:consume", token.Scope)

	decoded, err := a.Decode(ctx, token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, clientID, decoded.ClientID)
	assert.True(t, HasScope(decoded.Scopes, "topics", "publish", ""))
	assert.False(t, HasScope(decoded.Scopes, "topics", "delete", ""))
}

func TestIssueTokenRejectsBadCredentials(t *testing.T) {
	a, source, clientID, secret := newTestAuthenticator(t, testConfig())
	ctx := context.Background()

	_, err := a.IssueToken(ctx, uuid.New(), secret)
	assert.ErrorIs(t, err, ErrInvalidClient)

	_, err = a.IssueToken(ctx, clientID, "wrong-secret")
	assert.ErrorIs(t, err, ErrInvalidClient)

	client := source.clients[clientID]
	client.IsActive = false
	source.clients[clientID] = client
	_, err = a.IssueToken(ctx, clientID, secret)
	assert.ErrorIs(t, err, ErrInvalidClient)
}

func TestDecodeRejectsStaleTokenVersion(t *testing.T) {
	a, source, clientID, secret := newTestAuthenticator(t, testConfig())
	ctx := context.Background()

	token, err := a.IssueToken(ctx, clientID, secret)
	require.NoError(t, err)

	// Any client update bumps token_version and revokes outstanding tokens.
	client := source.clients[clientID]
	client.TokenVersion = 2
	source.clients[clientID] = client

	_, err = a.Decode(ctx, token.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidClient)
}

func TestDecodeRejectsExpiredToken(t *testing.T) {
	cfg := testConfig()
	cfg.AuthAccessTokenExpireMinutes = -1
	a, _, clientID, secret := newTestAuthenticator(t, cfg)
	ctx := context.Background()

	token, err := a.IssueToken(ctx, clientID, secret)
	require.NoError(t, err)

	_, err = a.Decode(ctx, token.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidClient)
}

func TestDecodeRejectsGarbageToken(t *testing.T) {
	a, _, _, _ := newTestAuthenticator(t, testConfig())

	_, err := a.Decode(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidClient)

	_, err = a.Decode(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidClient)
}

func TestDecodeRejectsForeignSignature(t *testing.T) {
	a, _, clientID, secret := newTestAuthenticator(t, testConfig())
	token, err := a.IssueToken(context.Background(), clientID, secret)
	require.NoError(t, err)

	other := testConfig()
	other.AuthSecretKey = "another-secret"
	b, _, _, _ := newTestAuthenticator(t, other)

	_, err = b.Decode(context.Background(), token.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidClient)
}

func TestDecodeWithAuthDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.AuthEnabled = false
	a := NewAuthenticator(cfg, &fakeClientSource{}, log.NewLogger("error", "json"))

	decoded, err := a.Decode(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, HasScope(decoded.Scopes, "topics", "delete", "anything"))
}

func TestGenerateSecret(t *testing.T) {
	a := GenerateSecret()
	b := GenerateSecret()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestTokenExpiryClaims(t *testing.T) {
	a, _, clientID, secret := newTestAuthenticator(t, testConfig())

	before := time.Now()
	token, err := a.IssueToken(context.Background(), clientID, secret)
	require.NoError(t, err)

	// ExpiresIn reflects the configured expiry window.
	assert.InDelta(t, 15*60, token.ExpiresIn, 1)
	assert.WithinDuration(t, before, time.Now(), time.Second)
}
