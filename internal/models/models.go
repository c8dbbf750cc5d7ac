package models

import (
	"errors"
	"sort"
	"time"
)

// ErrNotFound is returned by collaborator accessors when a record is absent.
var ErrNotFound = errors.New("not found")

// MaxLoggedBodyBytes caps request/response bodies stored on a call log entry.
const MaxLoggedBodyBytes = 10240

type RateBudget struct {
	MaxTokens int           `json:"max_tokens"`
	Window    time.Duration `json:"window"`
}

// Unlimited reports whether the budget disables rate limiting.
func (b RateBudget) Unlimited() bool {
	return b.MaxTokens <= 0 || b.Window <= 0
}

type KnowledgeRef struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
}

type EndpointConfig struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	DestinationURL string         `json:"destination_url"`
	Active         bool           `json:"active"`
	RateLimit      RateBudget     `json:"rate_limit"`
	CredentialIDs  []string       `json:"credential_ids"`
	KnowledgeRefs  []KnowledgeRef `json:"knowledge_refs"`
}

// Public reports whether the endpoint accepts calls without a credential.
func (e *EndpointConfig) Public() bool {
	return len(e.CredentialIDs) == 0
}

// AllowsCredential reports whether credentialID is associated with the endpoint.
func (e *EndpointConfig) AllowsCredential(credentialID string) bool {
	for _, id := range e.CredentialIDs {
		if id == credentialID {
			return true
		}
	}
	return false
}

// KnowledgeRefID returns the id of the lowest-positioned knowledge reference,
// or "" when the endpoint has none.
func (e *EndpointConfig) KnowledgeRefID() string {
	if len(e.KnowledgeRefs) == 0 {
		return ""
	}
	refs := make([]KnowledgeRef, len(e.KnowledgeRefs))
	copy(refs, e.KnowledgeRefs)
	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].Position < refs[j].Position
	})
	return refs[0].ID
}

type Credential struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	KeyHash    string     `json:"-"`
	Active     bool       `json:"active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Expired reports whether the credential has an expiry at or before now.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

type CallLogEntry struct {
	ID           string    `json:"id"`
	EndpointID   string    `json:"endpoint_id"`
	CredentialID *string   `json:"credential_id"`
	RequestID    string    `json:"request_id"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	StatusCode   int       `json:"status_code"`
	RequestBody  string    `json:"request_body"`
	ResponseBody string    `json:"response_body"`
	DurationMs   int64     `json:"duration_ms"`
	ClientAddr   string    `json:"client_addr"`
	UserAgent    string    `json:"user_agent"`
	ErrorMessage *string   `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
}

// TruncateBody cuts s to at most MaxLoggedBodyBytes bytes.
func TruncateBody(s string) string {
	if len(s) <= MaxLoggedBodyBytes {
		return s
	}
	return s[:MaxLoggedBodyBytes]
}
