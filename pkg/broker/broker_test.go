package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterBindingConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.RegisterBinding(context.Background(), "sb-1", "u1", []UpstreamScope{{Host: "graph.microsoft.com", Scopes: []string{"X"}}})
	require.ErrorIs(t, err, ErrConflict)
}

func TestIssueTokenSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"t","token_type":"Bearer","expires_at":"2030-01-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	tok, err := c.IssueToken(context.Background(), "sb-1", "graph.microsoft.com", []string{"X"})
	require.NoError(t, err)
	require.Equal(t, "Bearer", tok.TokenType)
}

func TestIssueTokenDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.IssueToken(context.Background(), "sb-1", "evil.example.com", nil)
	require.ErrorIs(t, err, ErrDenied)
}

func TestRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.DeregisterBinding(ctx, "sb-1")
	require.NoError(t, err)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}
