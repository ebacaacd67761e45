//go:build integration

package db

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"treepot/internal/game"
)

func newPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("treepot"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = container.Terminate(ctx)
	})
	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

func TestStoreLedgerFlow(t *testing.T) {
	ctx := context.Background()
	url := newPostgres(t)
	require.NoError(t, Migrate(ctx, url))

	pool, err := Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := game.NewService(NewStore(pool, logger), logger, game.Options{HouseSharePct: 10})
	require.NoError(t, svc.EnsureHouse(ctx, nil))

	_, err = svc.Signup(ctx, "alice", "", nil)
	require.NoError(t, err)
	_, err = svc.Signup(ctx, "bob", "alice", nil)
	require.NoError(t, err)

	_, err = svc.Deposit(ctx, game.TransferInput{Actor: "house", Account: "alice", Amount: game.Coins(100), IdempotencyKey: "d1"})
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, game.TransferInput{Actor: "house", Account: "alice", Amount: game.Coins(100), IdempotencyKey: "d1"})
	require.ErrorIs(t, err, game.ErrDuplicateIdempotency)

	presetID, err := svc.CreatePreset(ctx, "alice", game.Preset{
		LevelLength: 10, LevelGreens: 3, LevelReds: 3,
		StakeMin: 10, StakeRate: 3, SplitRate: 50, WinnerRate: 10,
	}, "")
	require.NoError(t, err)

	root, err := svc.CreateBranch(ctx, game.CreateBranchInput{Owner: "alice", PresetID: presetID, Pot: game.Coins(100)})
	require.NoError(t, err)
	child, err := svc.CreateChildBranch(ctx, game.CreateChildInput{Owner: "bob", ParentID: root, Pot: game.Coins(10)})
	require.NoError(t, err)

	require.NoError(t, svc.SetWinner(ctx, child, "alice"))
	require.NoError(t, svc.DeferRevenueShare(ctx, game.RevenueInput{Actor: "house", BranchID: child, Amount: game.Coins(100)}))

	done, err := svc.AllocateDirty(ctx, 10)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, game.Coins(50), done[0].ParentDelta)
	assert.Equal(t, game.Coins(5), done[0].WinnerDelta)

	done, err = svc.AllocateDirty(ctx, 10)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, root, done[0].BranchID)
	assert.Equal(t, game.Coins(50), done[0].Residual)

	view, err := svc.Branch(ctx, root)
	require.NoError(t, err)
	require.Len(t, view.Children, 1)
	assert.Equal(t, child, view.Children[0].ID)

	p, err := svc.Player(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, game.Coins(5), p.ActiveBalance)

	ch, err := svc.Channel(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ch.Height)

	require.NoError(t, svc.SetWinner(ctx, child, "bob"))
	require.ErrorIs(t, svc.Forget(ctx, "bob"), game.ErrConflict)

	entries, err := svc.Journal(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "winner_share", entries[0].Action)
}
