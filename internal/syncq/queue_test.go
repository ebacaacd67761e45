package syncq

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePushLoad(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)

	cmds, err := q.Load()
	require.NoError(t, err)
	assert.Empty(t, cmds)

	require.NoError(t, q.Push(Command{Method: "POST", Path: "/v1/branches/1/stakes", IdempotencyKey: "a"}))
	require.NoError(t, q.Push(Command{Method: "POST", Path: "/v1/me/withdraw", IdempotencyKey: "b"}))

	cmds, err = q.Load()
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, "a", cmds[0].IdempotencyKey)
	assert.False(t, cmds[0].QueuedAt.IsZero())
}

func TestQueueReplay(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)
	for _, key := range []string{"ok", "transient", "rejected"} {
		require.NoError(t, q.Push(Command{Method: "POST", Path: "/x", IdempotencyKey: key}))
	}

	errTransient := errors.New("connection refused")
	errRejected := errors.New("api status 400")
	sent, failed, err := q.Replay(func(c Command) error {
		switch c.IdempotencyKey {
		case "transient":
			return errTransient
		case "rejected":
			return errRejected
		}
		return nil
	}, func(err error) bool { return errors.Is(err, errTransient) })
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Len(t, failed, 2)

	left, err := q.Load()
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "transient", left[0].IdempotencyKey)
	assert.Equal(t, 1, left[0].Attempts)
	assert.Equal(t, "connection refused", left[0].LastError)
}
