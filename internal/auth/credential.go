package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/models"
)

// CredentialHeader carries the caller's opaque credential.
const CredentialHeader = "x-api-key"

type Status int

const (
	StatusNone Status = iota
	StatusValid
	StatusInvalid
	StatusExpired
	StatusUnauthorized
	StatusRequired
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	case StatusExpired:
		return "expired"
	case StatusUnauthorized:
		return "unauthorized_for_endpoint"
	case StatusRequired:
		return "required"
	default:
		return "unknown"
	}
}

// Authorized reports whether the request may proceed past the credential stage.
func (s Status) Authorized() bool {
	return s == StatusNone || s == StatusValid
}

// Message is the caller-facing reason for a rejected status.
func (s Status) Message() string {
	switch s {
	case StatusInvalid:
		return "Invalid API key"
	case StatusExpired:
		return "API key has expired"
	case StatusUnauthorized:
		return "API key is not authorized for this endpoint"
	case StatusRequired:
		return "API key required"
	default:
		return ""
	}
}

// Result is the outcome of Validate. CredentialID is set whenever a stored
// credential matched the presented value, including failed checks after the match.
type Result struct {
	Status       Status
	CredentialID *string
	TenantID     string
}

// CredentialStore is the read/touch view of the credential collaborator.
type CredentialStore interface {
	GetCredentialByHash(ctx context.Context, hash string) (*models.Credential, error)
	TouchCredential(ctx context.Context, id string, at time.Time) error
}

// credentialCheck inspects a matched credential; a non-zero Status rejects it.
type credentialCheck func(c *models.Credential, e *models.EndpointConfig, now time.Time) Status

// checks run in priority order; the first rejection wins. Expiry outranks
// endpoint association.
var checks = []credentialCheck{
	func(c *models.Credential, _ *models.EndpointConfig, _ time.Time) Status {
		if !c.Active {
			return StatusInvalid
		}
		return StatusNone
	},
	func(c *models.Credential, _ *models.EndpointConfig, now time.Time) Status {
		if c.Expired(now) {
			return StatusExpired
		}
		return StatusNone
	},
	func(c *models.Credential, e *models.EndpointConfig, _ time.Time) Status {
		if !e.Public() && !e.AllowsCredential(c.ID) {
			return StatusUnauthorized
		}
		return StatusNone
	},
}

// touchRequest is one pending last-used update.
type touchRequest struct {
	id string
	at time.Time
}

type Validator struct {
	store        CredentialStore
	logger       *slog.Logger
	now          func() time.Time
	touchTimeout time.Duration

	touches        chan touchRequest
	mu             sync.RWMutex
	closed         bool
	wg             sync.WaitGroup
	touchesDropped atomic.Int64
}

type ValidatorOption func(*Validator)

// WithTouchQueueSize bounds the number of pending last-used updates.
func WithTouchQueueSize(size int) ValidatorOption {
	return func(v *Validator) {
		if size > 0 {
			v.touches = make(chan touchRequest, size)
		}
	}
}

// NewValidator starts the background worker that records last use. Close
// stops it.
func NewValidator(store CredentialStore, logger *slog.Logger, opts ...ValidatorOption) *Validator {
	v := &Validator{
		store:        store,
		logger:       logger,
		now:          time.Now,
		touchTimeout: 5 * time.Second,
		touches:      make(chan touchRequest, 256),
	}
	for _, opt := range opts {
		opt(v)
	}

	v.wg.Add(1)
	go v.touchWorker()
	return v
}

// Validate never fails: every outcome, including storage errors, is a Status.
func (v *Validator) Validate(ctx context.Context, raw string, endpoint *models.EndpointConfig) Result {
	if raw == "" {
		if endpoint.Public() {
			return Result{Status: StatusNone}
		}
		return Result{Status: StatusRequired}
	}

	hash := HashCredential(raw)
	cred, err := v.store.GetCredentialByHash(ctx, hash)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			v.logger.Error("credential lookup failed",
				"endpoint_id", endpoint.ID,
				"error", err,
			)
		}
		return Result{Status: StatusInvalid}
	}
	if !HashesEqual(hash, cred.KeyHash) {
		return Result{Status: StatusInvalid}
	}

	id := cred.ID
	now := v.now()
	for _, check := range checks {
		if s := check(cred, endpoint, now); s != StatusNone {
			return Result{Status: s, CredentialID: &id, TenantID: cred.TenantID}
		}
	}

	v.touch(id, now)
	return Result{Status: StatusValid, CredentialID: &id, TenantID: cred.TenantID}
}

// touch queues a last-use update without blocking. When the queue is full
// or the validator is closed the update is dropped.
func (v *Validator) touch(id string, at time.Time) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		v.dropTouch(id, "validator closed")
		return
	}

	select {
	case v.touches <- touchRequest{id: id, at: at}:
	default:
		v.dropTouch(id, "queue full")
	}
}

func (v *Validator) dropTouch(id, reason string) {
	v.touchesDropped.Add(1)
	v.logger.Debug("credential last-use update dropped",
		"credential_id", id,
		"reason", reason,
	)
}

// touchWorker writes updates on their own contexts, detached from requests.
func (v *Validator) touchWorker() {
	defer v.wg.Done()
	for req := range v.touches {
		ctx, cancel := context.WithTimeout(context.Background(), v.touchTimeout)
		if err := v.store.TouchCredential(ctx, req.id, req.at); err != nil {
			v.logger.Warn("failed to update credential last use",
				"credential_id", req.id,
				"error", err,
			)
		}
		cancel()
	}
}

// TouchesDropped reports how many last-use updates were discarded.
func (v *Validator) TouchesDropped() int64 {
	return v.touchesDropped.Load()
}

// Close stops accepting updates and waits for queued ones to be written or
// for ctx to expire.
func (v *Validator) Close(ctx context.Context) error {
	v.mu.Lock()
	if !v.closed {
		v.closed = true
		close(v.touches)
	}
	v.mu.Unlock()

	done := make(chan struct{})
	go func() {
		v.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("credential touch drain: %w", ctx.Err())
	}
}
