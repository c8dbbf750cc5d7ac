package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDestination(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr bool
	}{
		{raw: "https://hooks.example.com/in", wantErr: false},
		{raw: "http://10.0.0.1:8080", wantErr: false},
		{raw: "ftp://files.example.com", wantErr: true},
		{raw: "/webhook", wantErr: true},
		{raw: "hooks.example.com/in", wantErr: true},
		{raw: "http://", wantErr: true},
		{raw: "://broken", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			_, err := ValidateDestination(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDestination)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestForward_PostsJSONAndRelays(t *testing.T) {
	var gotMethod, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"queued":1}`))
	}))
	defer srv.Close()

	resp, err := NewForwarder(time.Second).Forward(context.Background(), srv.URL, []byte(`{"a":1}`), http.Header{})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotType)
	assert.JSONEq(t, `{"a":1}`, string(gotBody))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, `{"queued":1}`, string(resp.Body))
	assert.True(t, resp.JSON)
}

func TestForward_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	resp, err := NewForwarder(time.Second).Forward(context.Background(), srv.URL, []byte(`{}`), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.False(t, resp.JSON)
}

func TestForward_TimeoutIsUpstreamError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewForwarder(50*time.Millisecond).Forward(context.Background(), srv.URL, []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestForward_InvalidDestinationMakesNoCall(t *testing.T) {
	_, err := NewForwarder(time.Second).Forward(context.Background(), "ftp://example.com", nil, http.Header{})
	assert.ErrorIs(t, err, ErrInvalidDestination)
	assert.NotErrorIs(t, err, ErrUpstream)
}

func TestForward_ResponseSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("z", 1024))
	}))
	defer srv.Close()

	_, err := NewForwarder(time.Second, WithMaxResponseBytes(1023)).
		Forward(context.Background(), srv.URL, []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, ErrUpstream)

	resp, err := NewForwarder(time.Second, WithMaxResponseBytes(1024)).
		Forward(context.Background(), srv.URL, []byte(`{}`), http.Header{})
	require.NoError(t, err)
	assert.Len(t, resp.Body, 1024)
}
