package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type memoryCredentials struct {
	mu      sync.Mutex
	byHash  map[string]*models.Credential
	lookErr error
	touched chan string
}

func newMemoryCredentials(creds ...*models.Credential) *memoryCredentials {
	m := &memoryCredentials{
		byHash:  make(map[string]*models.Credential),
		touched: make(chan string, 8),
	}
	for _, c := range creds {
		m.byHash[c.KeyHash] = c
	}
	return m
}

func (m *memoryCredentials) GetCredentialByHash(_ context.Context, hash string) (*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookErr != nil {
		return nil, m.lookErr
	}
	c, ok := m.byHash[hash]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (m *memoryCredentials) TouchCredential(_ context.Context, id string, _ time.Time) error {
	m.touched <- id
	return nil
}

func credential(id, secret string) *models.Credential {
	return &models.Credential{
		ID:       id,
		TenantID: "tenant-1",
		KeyHash:  HashCredential(secret),
		Active:   true,
	}
}

func TestValidate(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	active := credential("cred-active", "secret-active")
	expired := credential("cred-expired", "secret-expired")
	expired.ExpiresAt = &past
	inactive := credential("cred-inactive", "secret-inactive")
	inactive.Active = false
	other := credential("cred-other", "secret-other")
	other.ExpiresAt = &future
	expiredOther := credential("cred-expired-other", "secret-expired-other")
	expiredOther.ExpiresAt = &past

	store := newMemoryCredentials(active, expired, inactive, other, expiredOther)

	private := &models.EndpointConfig{ID: "ep-private", CredentialIDs: []string{"cred-active", "cred-expired", "cred-inactive"}}
	public := &models.EndpointConfig{ID: "ep-public"}

	tests := []struct {
		name     string
		raw      string
		endpoint *models.EndpointConfig
		want     Status
		wantID   string
	}{
		{"public endpoint without credential", "", public, StatusNone, ""},
		{"private endpoint without credential", "", private, StatusRequired, ""},
		{"valid associated credential", "secret-active", private, StatusValid, "cred-active"},
		{"unknown credential", "nope", private, StatusInvalid, ""},
		{"unknown credential on public endpoint", "nope", public, StatusInvalid, ""},
		{"valid credential on public endpoint", "secret-other", public, StatusValid, "cred-other"},
		{"expired credential", "secret-expired", private, StatusExpired, "cred-expired"},
		{"inactive credential", "secret-inactive", private, StatusInvalid, "cred-inactive"},
		{"credential not associated", "secret-other", private, StatusUnauthorized, "cred-other"},
		{"expired outranks unauthorized", "secret-expired-other", private, StatusExpired, "cred-expired-other"},
		{"prefix of a secret does not match", "secret-activ", private, StatusInvalid, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(store, discard)
			v.now = func() time.Time { return now }

			res := v.Validate(context.Background(), tt.raw, tt.endpoint)
			assert.Equal(t, tt.want, res.Status, "got %s", res.Status)
			if tt.wantID == "" {
				assert.Nil(t, res.CredentialID)
			} else {
				require.NotNil(t, res.CredentialID)
				assert.Equal(t, tt.wantID, *res.CredentialID)
			}
		})
	}
}

func TestValidate_TouchesOnSuccessOnly(t *testing.T) {
	store := newMemoryCredentials(credential("cred-1", "s1"))
	v := NewValidator(store, discard)
	endpoint := &models.EndpointConfig{ID: "ep", CredentialIDs: []string{"cred-1"}}

	res := v.Validate(context.Background(), "s1", endpoint)
	require.Equal(t, StatusValid, res.Status)

	select {
	case id := <-store.touched:
		assert.Equal(t, "cred-1", id)
	case <-time.After(time.Second):
		t.Fatal("expected last-used update")
	}

	v.Validate(context.Background(), "wrong", endpoint)
	select {
	case id := <-store.touched:
		t.Fatalf("unexpected touch for %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestValidate_StoreErrorIsInvalid(t *testing.T) {
	store := newMemoryCredentials()
	store.lookErr = errors.New("connection reset")
	v := NewValidator(store, discard)

	res := v.Validate(context.Background(), "anything", &models.EndpointConfig{})
	assert.Equal(t, StatusInvalid, res.Status)
	assert.Nil(t, res.CredentialID)
}

func TestStatusMessagesAreDistinct(t *testing.T) {
	seen := map[string]Status{}
	for _, s := range []Status{StatusInvalid, StatusExpired, StatusUnauthorized, StatusRequired} {
		msg := s.Message()
		require.NotEmpty(t, msg)
		_, dup := seen[msg]
		assert.False(t, dup, "duplicate message %q", msg)
		seen[msg] = s
		assert.False(t, s.Authorized())
	}
	assert.True(t, StatusNone.Authorized())
	assert.True(t, StatusValid.Authorized())
}

// gatedCredentials blocks every last-use update until release is closed.
type gatedCredentials struct {
	*memoryCredentials
	release chan struct{}
}

func (g *gatedCredentials) TouchCredential(ctx context.Context, id string, at time.Time) error {
	<-g.release
	return g.memoryCredentials.TouchCredential(ctx, id, at)
}

func TestValidate_CloseDrainsPendingTouches(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := newMemoryCredentials(credential("cred-1", "s1"))
	v := NewValidator(store, discard)
	endpoint := &models.EndpointConfig{ID: "ep", CredentialIDs: []string{"cred-1"}}

	for i := 0; i < 3; i++ {
		require.Equal(t, StatusValid, v.Validate(context.Background(), "s1", endpoint).Status)
	}
	require.NoError(t, v.Close(context.Background()))
	assert.Len(t, store.touched, 3)

	require.Equal(t, StatusValid, v.Validate(context.Background(), "s1", endpoint).Status)
	assert.Len(t, store.touched, 3)
	assert.Equal(t, int64(1), v.TouchesDropped())

	require.NoError(t, v.Close(context.Background()))
}

func TestValidate_TouchQueueIsBounded(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := &gatedCredentials{
		memoryCredentials: newMemoryCredentials(credential("cred-1", "s1")),
		release:           make(chan struct{}),
	}
	v := NewValidator(store, discard, WithTouchQueueSize(1))
	endpoint := &models.EndpointConfig{ID: "ep", CredentialIDs: []string{"cred-1"}}

	for i := 0; i < 5; i++ {
		require.Equal(t, StatusValid, v.Validate(context.Background(), "s1", endpoint).Status)
	}
	assert.GreaterOrEqual(t, v.TouchesDropped(), int64(3))

	close(store.release)
	require.NoError(t, v.Close(context.Background()))
	assert.Equal(t, int64(5), v.TouchesDropped()+int64(len(store.touched)))
}

func TestValidate_CloseHonoursDeadline(t *testing.T) {
	store := &gatedCredentials{
		memoryCredentials: newMemoryCredentials(credential("cred-1", "s1")),
		release:           make(chan struct{}),
	}
	v := NewValidator(store, discard)
	endpoint := &models.EndpointConfig{ID: "ep", CredentialIDs: []string{"cred-1"}}
	require.Equal(t, StatusValid, v.Validate(context.Background(), "s1", endpoint).Status)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, v.Close(ctx), context.DeadlineExceeded)

	close(store.release)
	require.NoError(t, v.Close(context.Background()))
}
