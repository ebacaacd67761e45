package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treepot/internal/auth"
	"treepot/internal/game"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", &APIError{Status: 503, Message: "unavailable"}, true},
		{"bad request", &APIError{Status: 400, Message: "validation failed"}, false},
		{"tx conflict", &APIError{Status: 409, Message: "conflict: transaction conflict, retry later"}, true},
		{"duplicate key", &APIError{Status: 409, Message: "conflict: duplicate idempotency key"}, false},
		{"network", errors.New("dial tcp: connection refused"), true},
		{"canceled", context.Canceled, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Retryable(tc.err))
		})
	}
}

func TestClientRetriesIdempotentRequests(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "dep-1", r.Header.Get("Idempotency-Key"))
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "try again"})
			return
		}
		_ = json.NewEncoder(w).Encode(game.Player{Account: "alice", ActiveBalance: 7})
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	p, err := c.Deposit(context.Background(), "tok", "alice", 7, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, game.Amount(7), p.ActiveBalance)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientDoesNotRetryUnkeyedWrites(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "boom"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.SetWinner(context.Background(), "tok", 1, "alice")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, "boom", apiErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientSignupDecodesSession(t *testing.T) {
	expires := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/auth/signup", r.URL.Path)
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "bob", in["account"])
		assert.Equal(t, "alice", in["referrer"])
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(auth.Session{AccessToken: "jwt", TokenType: "bearer", ExpiresAt: expires, Account: "bob"})
	}))
	defer srv.Close()

	sess, err := NewClient(srv.URL).Signup(context.Background(), "bob", "bob-secret", "alice")
	require.NoError(t, err)
	assert.Equal(t, "jwt", sess.AccessToken)
	assert.True(t, sess.ExpiresAt.Equal(expires))
}

func TestSessionFile(t *testing.T) {
	t.Setenv(DirEnv, t.TempDir())

	_, err := LoadSession()
	require.Error(t, err)

	now := time.Now()
	require.NoError(t, SaveSession(Session{AccessToken: "jwt", Account: "alice", ExpiresAt: now.Add(time.Hour)}))
	sess, err := LoadSession()
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Account)
	assert.False(t, sess.Expired(now))
	assert.True(t, sess.Expired(now.Add(2*time.Hour)))

	require.NoError(t, ClearSession())
	_, err = LoadSession()
	require.Error(t, err)
}
