package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/allisson/fastpubsub/internal/auth"
	"github.com/allisson/fastpubsub/internal/config"
	"github.com/allisson/fastpubsub/internal/log"
	"github.com/allisson/fastpubsub/internal/metrics"
	"github.com/allisson/fastpubsub/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticClientSource struct {
	client auth.ClientInfo
}

func (s *staticClientSource) AuthClient(_ context.Context, id uuid.UUID) (auth.ClientInfo, error) {
	if id != s.client.ID {
		return auth.ClientInfo{}, auth.ErrClientNotFound
	}
	return s.client, nil
}

// newAuthServer builds a server with auth enabled and one known client, and
// returns a valid bearer token for it.
func newAuthServer(t *testing.T, scopes string) (*httptest.Server, string) {
	t.Helper()
	secret := auth.GenerateSecret()
	hash, err := auth.HashSecret(secret)
	require.NoError(t, err)

	clientID := uuid.New()
	source := &staticClientSource{client: auth.ClientInfo{
		ID:           clientID,
		Scopes:       scopes,
		IsActive:     true,
		TokenVersion: 1,
		SecretHash:   hash,
	}}

	cfg := &config.Config{
		AuthEnabled:                  true,
		AuthSecretKey:                "test-secret",
		AuthAlgorithm:                "HS256",
		AuthAccessTokenExpireMinutes: 5,
	}
	logger := log.NewLogger("error", "json")
	authn := auth.NewAuthenticator(cfg, source, logger)

	broker := &stubBroker{
		getTopic: func(_ context.Context, id string) (store.Topic, error) {
			return store.Topic{ID: id, CreatedAt: time.Now()}, nil
		},
		deleteTopic: func(_ context.Context, id string) error { return nil },
	}

	r := chi.NewRouter()
	SetupRouter(r, cfg, broker, authn, metrics.NewBrokerMetrics(), logger)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	token, err := authn.IssueToken(context.Background(), clientID, secret)
	require.NoError(t, err)
	return srv, token.AccessToken
}

func get(t *testing.T, url, bearer string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestProtectedRouteRequiresToken(t *testing.T) {
	srv, _ := newAuthServer(t, "topics:read")

	resp := get(t, srv.URL+"/topics/orders", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = get(t, srv.URL+"/topics/orders", "garbage-token")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestProtectedRouteChecksScope(t *testing.T) {
	srv, token := newAuthServer(t, "topics:read")

	resp := get(t, srv.URL+"/topics/orders", token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// topics:read does not grant topics:delete.
	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/topics/orders", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, delResp.StatusCode)
	delResp.Body.Close()
}

func TestObjectScopedToken(t *testing.T) {
	srv, token := newAuthServer(t, "topics:read:orders")

	resp := get(t, srv.URL+"/topics/orders", token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = get(t, srv.URL+"/topics/payments", token)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestLivenessSkipsAuth(t *testing.T) {
	srv, _ := newAuthServer(t, "topics:read")

	resp := get(t, srv.URL+"/liveness", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestMetricsEndpointServesPromText(t *testing.T) {
	srv, _ := newAuthServer(t, "topics:read")

	resp := get(t, srv.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestOauthTokenEndpoint(t *testing.T) {
	secret := auth.GenerateSecret()
	hash, err := auth.HashSecret(secret)
	require.NoError(t, err)

	clientID := uuid.New()
	source := &staticClientSource{client: auth.ClientInfo{
		ID: clientID, Scopes: "*", IsActive: true, TokenVersion: 1, SecretHash: hash,
	}}
	cfg := &config.Config{
		AuthEnabled:                  true,
		AuthSecretKey:                "test-secret",
		AuthAlgorithm:                "HS256",
		AuthAccessTokenExpireMinutes: 5,
	}
	logger := log.NewLogger("error", "json")
	authn := auth.NewAuthenticator(cfg, source, logger)

	r := chi.NewRouter()
	SetupRouter(r, cfg, &stubBroker{}, authn, metrics.NewBrokerMetrics(), logger)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	resp := doJSON(t, http.MethodPost, srv.URL+"/oauth/token", map[string]string{
		"client_id":     clientID.String(),
		"client_secret": secret,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var token auth.Token
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&token))
	resp.Body.Close()
	assert.Equal(t, "Bearer", token.TokenType)
	assert.NotEmpty(t, token.AccessToken)

	resp = doJSON(t, http.MethodPost, srv.URL+"/oauth/token", map[string]string{
		"client_id":     clientID.String(),
		"client_secret": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}
