package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/models"
	"github.com/jackc/pgx/v5"
)

func (db *DB) GetEndpoint(ctx context.Context, tenantID, endpointID string) (*models.EndpointConfig, error) {
	query := `
        SELECT e.id, e.tenant_id, e.destination_url, e.active,
               e.rate_limit_max_tokens, e.rate_limit_window_ms,
               COALESCE((SELECT array_agg(ec.credential_id ORDER BY ec.credential_id)
                         FROM endpoint_credentials ec WHERE ec.endpoint_id = e.id), '{}'::text[]),
               COALESCE((SELECT array_agg(k.knowledge_ref_id ORDER BY k.position, k.knowledge_ref_id)
                         FROM endpoint_knowledge_refs k WHERE k.endpoint_id = e.id), '{}'::text[]),
               COALESCE((SELECT array_agg(k.position ORDER BY k.position, k.knowledge_ref_id)
                         FROM endpoint_knowledge_refs k WHERE k.endpoint_id = e.id), '{}'::int[])
        FROM endpoints e
        WHERE e.tenant_id = $1 AND e.id = $2
    `

	var (
		endpoint  models.EndpointConfig
		windowMs  int64
		refIDs    []string
		positions []int32
	)
	err := db.Pool.QueryRow(ctx, query, tenantID, endpointID).Scan(
		&endpoint.ID,
		&endpoint.TenantID,
		&endpoint.DestinationURL,
		&endpoint.Active,
		&endpoint.RateLimit.MaxTokens,
		&windowMs,
		&endpoint.CredentialIDs,
		&refIDs,
		&positions,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint: %w", err)
	}

	endpoint.RateLimit.Window = time.Duration(windowMs) * time.Millisecond
	for i, id := range refIDs {
		endpoint.KnowledgeRefs = append(endpoint.KnowledgeRefs, models.KnowledgeRef{
			ID:       id,
			Position: int(positions[i]),
		})
	}

	return &endpoint, nil
}

func (db *DB) GetCredentialByHash(ctx context.Context, hash string) (*models.Credential, error) {
	query := `
        SELECT id, tenant_id, key_hash, active, expires_at, last_used_at
        FROM credentials
        WHERE key_hash = $1
    `

	var cred models.Credential
	err := db.Pool.QueryRow(ctx, query, hash).Scan(
		&cred.ID,
		&cred.TenantID,
		&cred.KeyHash,
		&cred.Active,
		&cred.ExpiresAt,
		&cred.LastUsedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}

	return &cred, nil
}

func (db *DB) TouchCredential(ctx context.Context, id string, at time.Time) error {
	query := `
        UPDATE credentials
        SET last_used_at = $2
        WHERE id = $1
    `

	if _, err := db.Pool.Exec(ctx, query, id, at); err != nil {
		return fmt.Errorf("touch credential: %w", err)
	}
	return nil
}

// InsertCallLog stores entry. Bodies were cut at a byte boundary, so invalid
// UTF-8 tails are replaced before they reach a TEXT column.
func (db *DB) InsertCallLog(ctx context.Context, entry *models.CallLogEntry) error {
	query := `
        INSERT INTO call_logs (id, endpoint_id, credential_id, request_id, method, path, status_code,
                               request_body, response_body, duration_ms, client_addr, user_agent,
                               error_message, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
    `

	_, err := db.Pool.Exec(ctx, query,
		entry.ID,
		entry.EndpointID,
		entry.CredentialID,
		entry.RequestID,
		entry.Method,
		entry.Path,
		entry.StatusCode,
		strings.ToValidUTF8(entry.RequestBody, "�"),
		strings.ToValidUTF8(entry.ResponseBody, "�"),
		entry.DurationMs,
		entry.ClientAddr,
		entry.UserAgent,
		entry.ErrorMessage,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert call log: %w", err)
	}
	return nil
}
