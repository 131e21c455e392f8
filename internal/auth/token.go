package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/allisson/fastpubsub/internal/config"
	"github.com/allisson/fastpubsub/internal/log"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidClient covers bad credentials, disabled clients and stale
	// or malformed tokens. Maps to 401.
	ErrInvalidClient = errors.New("invalid client")

	// ErrClientNotFound is returned by ClientSource implementations.
	ErrClientNotFound = errors.New("client not found")

	// ErrInsufficientScope means the token is valid but lacks the required
	// permission. Maps to 403.
	ErrInsufficientScope = errors.New("insufficient scope")
)

// ClientInfo is the credential view of a stored client.
type ClientInfo struct {
	ID           uuid.UUID
	Scopes       string
	IsActive     bool
	TokenVersion int
	SecretHash   string
}

// ClientSource loads client credentials. Implemented by the store.
type ClientSource interface {
	AuthClient(ctx context.Context, id uuid.UUID) (ClientInfo, error)
}

// Token is the OAuth2 token response.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// DecodedToken is the verified identity attached to a request.
type DecodedToken struct {
	ClientID uuid.UUID
	Scopes   map[string]struct{}
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
	Ver   int    `json:"ver"`
}

// Authenticator issues and verifies client-credential bearer tokens. The only
// revocation mechanism is the client's token_version claim check.
type Authenticator struct {
	cfg     *config.Config
	clients ClientSource
	logger  *log.Logger
}

func NewAuthenticator(cfg *config.Config, clients ClientSource, logger *log.Logger) *Authenticator {
	return &Authenticator{cfg: cfg, clients: clients, logger: logger}
}

// Enabled reports whether requests must carry a bearer token.
func (a *Authenticator) Enabled() bool {
	return a.cfg.AuthEnabled
}

// IssueToken verifies the client credentials and returns a signed token
// carrying the client's scopes and current token_version.
func (a *Authenticator) IssueToken(ctx context.Context, clientID uuid.UUID, clientSecret string) (Token, error) {
	client, err := a.clients.AuthClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			a.logger.Warn("Token issuance failed: client not found", zap.String("client_id", clientID.String()))
			return Token{}, fmt.Errorf("%w: client not found", ErrInvalidClient)
		}
		return Token{}, fmt.Errorf("load client: %w", err)
	}
	if !client.IsActive {
		a.logger.Warn("Token issuance failed: client disabled", zap.String("client_id", clientID.String()))
		return Token{}, fmt.Errorf("%w: client disabled", ErrInvalidClient)
	}
	if bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)) != nil {
		a.logger.Warn("Token issuance failed: invalid secret", zap.String("client_id", clientID.String()))
		return Token{}, fmt.Errorf("%w: client secret is invalid", ErrInvalidClient)
	}

	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(a.cfg.AuthAccessTokenExpireMinutes) * time.Minute)
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Scope: client.Scopes,
		Ver:   client.TokenVersion,
	}

	method := jwt.GetSigningMethod(a.cfg.AuthAlgorithm)
	if method == nil {
		return Token{}, fmt.Errorf("unknown signing algorithm %s", a.cfg.AuthAlgorithm)
	}
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(a.cfg.AuthSecretKey))
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}

	a.logger.Info("Token issued",
		zap.String("client_id", clientID.String()),
		zap.String("scopes", client.Scopes),
		zap.Int("token_version", client.TokenVersion))
	return Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int(expiresAt.Sub(now).Seconds()),
		Scope:       client.Scopes,
	}, nil
}

// Decode verifies the token signature and expiry, then checks the client is
// still active and the token_version claim is current. With auth disabled it
// returns a superuser identity.
func (a *Authenticator) Decode(ctx context.Context, accessToken string) (DecodedToken, error) {
	if !a.cfg.AuthEnabled {
		return DecodedToken{ClientID: uuid.New(), Scopes: map[string]struct{}{"*": {}}}, nil
	}

	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(accessToken, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != a.cfg.AuthAlgorithm {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(a.cfg.AuthSecretKey), nil
	})
	if err != nil {
		a.logger.Warn("Token decode failed", zap.Error(err))
		return DecodedToken{}, fmt.Errorf("%w: invalid jwt token", ErrInvalidClient)
	}

	clientID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return DecodedToken{}, fmt.Errorf("%w: invalid jwt token", ErrInvalidClient)
	}

	client, err := a.clients.AuthClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return DecodedToken{}, fmt.Errorf("%w: client not found", ErrInvalidClient)
		}
		return DecodedToken{}, fmt.Errorf("load client: %w", err)
	}
	if !client.IsActive {
		return DecodedToken{}, fmt.Errorf("%w: client disabled", ErrInvalidClient)
	}
	if claims.Ver != client.TokenVersion {
		a.logger.Warn("Token rejected: stale token_version",
			zap.String("client_id", clientID.String()),
			zap.Int("token_version", claims.Ver))
		return DecodedToken{}, fmt.Errorf("%w: token revoked", ErrInvalidClient)
	}

	return DecodedToken{ClientID: clientID, Scopes: ScopeSet(claims.Scope)}, nil
}

// GenerateSecret returns a 32-character hex client secret.
func GenerateSecret() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// HashSecret derives the stored bcrypt hash for a client secret.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
