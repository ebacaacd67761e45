package auth

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestIssueAndVerify(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	issuer := NewTokenIssuer(secret, time.Hour, clock)

	sess, err := issuer.Issue("alice")
	require.NoError(t, err)
	assert.Equal(t, "bearer", sess.TokenType)
	assert.Equal(t, clock.Now().Add(time.Hour), sess.ExpiresAt)

	account, err := issuer.Verify(sess.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", account)
}

func TestVerifyExpired(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	issuer := NewTokenIssuer(secret, time.Minute, clock)

	sess, err := issuer.Issue("alice")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	_, err = issuer.Verify(sess.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyWrongSecret(t *testing.T) {
	sess, err := NewTokenIssuer(secret, time.Hour, nil).Issue("alice")
	require.NoError(t, err)

	other := NewTokenIssuer("ffffffffffffffffffffffffffffffff", time.Hour, nil)
	_, err = other.Verify(sess.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = other.Verify("not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestHashSecret(t *testing.T) {
	_, err := HashSecret("short")
	require.ErrorIs(t, err, ErrWeakSecret)

	hash, err := HashSecret("correct horse")
	require.NoError(t, err)
	assert.True(t, CheckSecret(hash, "correct horse"))
	assert.False(t, CheckSecret(hash, "wrong horse"))
	assert.False(t, CheckSecret(nil, "correct horse"))
}
