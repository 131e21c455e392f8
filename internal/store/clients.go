package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/allisson/fastpubsub/internal/auth"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateClientParams carries the admin-supplied client attributes.
type CreateClientParams struct {
	Name     string
	Scopes   string
	IsActive bool
}

func (p CreateClientParams) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: client name is required", ErrInvalidArgument)
	}
	if err := auth.ValidateScopes(p.Scopes); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

// CreateClient stores a new client and returns it together with the generated
// secret. The secret is only ever available here; the database keeps a bcrypt
// hash.
func (s *Store) CreateClient(ctx context.Context, params CreateClientParams) (Client, string, error) {
	if err := params.validate(); err != nil {
		return Client{}, "", err
	}

	secret := auth.GenerateSecret()
	secretHash, err := auth.HashSecret(secret)
	if err != nil {
		return Client{}, "", fmt.Errorf("hash client secret: %w", err)
	}

	now := time.Now().UTC()
	client := Client{
		ID:           uuid.New(),
		Name:         strings.TrimSpace(params.Name),
		Scopes:       params.Scopes,
		IsActive:     params.IsActive,
		TokenVersion: 1,
		SecretHash:   secretHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO clients (id, name, scopes, is_active, secret_hash, token_version, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `, client.ID, client.Name, client.Scopes, client.IsActive,
		client.SecretHash, client.TokenVersion, client.CreatedAt, client.UpdatedAt)
	if err != nil {
		return Client{}, "", fmt.Errorf("create client: %w", err)
	}

	s.logger.Info("Client created",
		zap.String("client_id", client.ID.String()), zap.String("name", client.Name))
	return client, secret, nil
}

func (s *Store) GetClient(ctx context.Context, id uuid.UUID) (Client, error) {
	var client Client
	err := s.db.QueryRowContext(ctx, `
        SELECT id, name, scopes, is_active, secret_hash, token_version, created_at, updated_at
        FROM clients WHERE id = $1
    `, id).Scan(&client.ID, &client.Name, &client.Scopes, &client.IsActive,
		&client.SecretHash, &client.TokenVersion, &client.CreatedAt, &client.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Client{}, fmt.Errorf("%w: client %s", ErrNotFound, id)
	}
	if err != nil {
		return Client{}, fmt.Errorf("get client: %w", err)
	}
	return client, nil
}

func (s *Store) ListClients(ctx context.Context, offset, limit int) ([]Client, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, name, scopes, is_active, secret_hash, token_version, created_at, updated_at
        FROM clients ORDER BY id OFFSET $1 LIMIT $2
    `, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	clients := []Client{}
	for rows.Next() {
		var client Client
		if err := rows.Scan(&client.ID, &client.Name, &client.Scopes, &client.IsActive,
			&client.SecretHash, &client.TokenVersion, &client.CreatedAt, &client.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		clients = append(clients, client)
	}
	return clients, rows.Err()
}

// UpdateClient replaces the mutable attributes and bumps token_version, which
// immediately invalidates every outstanding token for the client.
func (s *Store) UpdateClient(ctx context.Context, id uuid.UUID, params CreateClientParams) (Client, error) {
	if err := params.validate(); err != nil {
		return Client{}, err
	}

	var client Client
	err := s.db.QueryRowContext(ctx, `
        UPDATE clients
        SET name = $2,
            scopes = $3,
            is_active = $4,
            token_version = token_version + 1,
            updated_at = $5
        WHERE id = $1
        RETURNING id, name, scopes, is_active, secret_hash, token_version, created_at, updated_at
    `, id, strings.TrimSpace(params.Name), params.Scopes, params.IsActive, time.Now().UTC()).Scan(
		&client.ID, &client.Name, &client.Scopes, &client.IsActive,
		&client.SecretHash, &client.TokenVersion, &client.CreatedAt, &client.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Client{}, fmt.Errorf("%w: client %s", ErrNotFound, id)
	}
	if err != nil {
		return Client{}, fmt.Errorf("update client: %w", err)
	}

	s.logger.Info("Client updated",
		zap.String("client_id", client.ID.String()), zap.Int("token_version", client.TokenVersion))
	return client, nil
}

func (s *Store) DeleteClient(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: client %s", ErrNotFound, id)
	}
	s.logger.Info("Client deleted", zap.String("client_id", id.String()))
	return nil
}

// AuthClient exposes the credential view of a client to the auth layer.
func (s *Store) AuthClient(ctx context.Context, id uuid.UUID) (auth.ClientInfo, error) {
	client, err := s.GetClient(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return auth.ClientInfo{}, auth.ErrClientNotFound
		}
		return auth.ClientInfo{}, err
	}
	return auth.ClientInfo{
		ID:           client.ID,
		Scopes:       client.Scopes,
		IsActive:     client.IsActive,
		TokenVersion: client.TokenVersion,
		SecretHash:   client.SecretHash,
	}, nil
}
