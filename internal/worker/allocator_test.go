package worker

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treepot/internal/boltdb"
	"treepot/internal/game"
)

// seedTree builds house -> root (alice) -> child (bob) -> grandchild (carol)
// and defers revenue into the grandchild only.
func seedTree(t *testing.T, svc *game.Service) (root, child, grand int64) {
	t.Helper()
	ctx := context.Background()
	for _, a := range []string{"alice", "bob", "carol"} {
		_, err := svc.Signup(ctx, a, "", nil)
		require.NoError(t, err)
	}
	_, err := svc.Deposit(ctx, game.TransferInput{Actor: "house", Account: "alice", Amount: game.Coins(100)})
	require.NoError(t, err)
	presetID, err := svc.CreatePreset(ctx, "alice", game.Preset{
		LevelLength: 10, LevelGreens: 3, LevelReds: 3,
		StakeRate: 3, SplitRate: 50, WinnerRate: 10,
	}, "")
	require.NoError(t, err)

	root, err = svc.CreateBranch(ctx, game.CreateBranchInput{Owner: "alice", PresetID: presetID, Pot: game.Coins(100)})
	require.NoError(t, err)
	child, err = svc.CreateChildBranch(ctx, game.CreateChildInput{Owner: "bob", ParentID: root, Pot: game.Coins(10)})
	require.NoError(t, err)
	grand, err = svc.CreateChildBranch(ctx, game.CreateChildInput{Owner: "carol", ParentID: child, Pot: game.Coins(1)})
	require.NoError(t, err)

	require.NoError(t, svc.DeferRevenueShare(ctx, game.RevenueInput{Actor: "house", BranchID: grand, Amount: game.Coins(300)}))
	return root, child, grand
}

func newService(t *testing.T) *game.Service {
	t.Helper()
	st, err := boltdb.Open(filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	svc := game.NewService(st, slog.New(slog.NewTextHandler(io.Discard, nil)), game.Options{})
	require.NoError(t, svc.EnsureHouse(context.Background(), nil))
	return svc
}

func TestRunOnceDrainsCascade(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	root, child, grand := seedTree(t, svc)

	a := NewAllocator(svc, nil, nil, time.Minute, 1)
	n, err := a.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	g, err := svc.Branch(ctx, grand)
	require.NoError(t, err)
	assert.False(t, g.Dirty())
	assert.Equal(t, game.Coins(100), g.ParentRevenue)

	c, err := svc.Branch(ctx, child)
	require.NoError(t, err)
	assert.False(t, c.Dirty())
	assert.Equal(t, game.Coins(100), c.TotalRevenue)
	assert.Equal(t, game.Coins(50), c.ParentRevenue)

	r, err := svc.Branch(ctx, root)
	require.NoError(t, err)
	assert.False(t, r.Dirty())
	assert.Equal(t, game.Coins(50), r.TotalRevenue)

	n, err = a.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunTicks(t *testing.T) {
	svc := newService(t)
	root, _, _ := seedTree(t, svc)

	clock := clockwork.NewFakeClock()
	a := NewAllocator(svc, nil, clock, time.Minute, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		r, err := svc.Branch(context.Background(), root)
		return err == nil && r.TotalRevenue == game.Coins(50) && !r.Dirty()
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("allocator did not stop")
	}
}
