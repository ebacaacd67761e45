package game_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treepot/internal/boltdb"
	"treepot/internal/game"
	"treepot/internal/metrics"
)

const house = game.DefaultHouseAccount

type fixture struct {
	svc   *game.Service
	clock *clockwork.FakeClock
}

func newFixture(t *testing.T, houseSharePct int64) *fixture {
	t.Helper()
	st, err := boltdb.Open(filepath.Join(t.TempDir(), "treepot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := game.NewService(st, slog.New(slog.NewTextHandler(io.Discard, nil)), game.Options{
		HouseSharePct: houseSharePct,
		Clock:         clock,
	})
	require.NoError(t, svc.EnsureHouse(context.Background(), nil))
	return &fixture{svc: svc, clock: clock}
}

func (f *fixture) signup(t *testing.T, account, referrer string) {
	t.Helper()
	_, err := f.svc.Signup(context.Background(), account, referrer, nil)
	require.NoError(t, err)
}

func (f *fixture) fund(t *testing.T, account string, coins int64) {
	t.Helper()
	_, err := f.svc.Deposit(context.Background(), game.TransferInput{Actor: house, Account: account, Amount: game.Coins(coins)})
	require.NoError(t, err)
}

func (f *fixture) preset(t *testing.T, owner string) int64 {
	t.Helper()
	id, err := f.svc.CreatePreset(context.Background(), owner, game.Preset{
		LevelLength: 10,
		LevelGreens: 3,
		LevelReds:   3,
		StakeMin:    10,
		StakeRate:   3,
		SplitRate:   50,
		WinnerRate:  10,
		Name:        "test",
	}, "")
	require.NoError(t, err)
	return id
}

func (f *fixture) balance(t *testing.T, account string) game.Amount {
	t.Helper()
	p, err := f.svc.Player(context.Background(), account)
	require.NoError(t, err)
	return p.ActiveBalance
}

// rootBranch funds owner and opens a root branch with a pot of coins.
func (f *fixture) rootBranch(t *testing.T, owner string, coins int64) int64 {
	t.Helper()
	f.fund(t, owner, coins)
	id, err := f.svc.CreateBranch(context.Background(), game.CreateBranchInput{
		Owner:    owner,
		PresetID: f.preset(t, owner),
		Pot:      game.Coins(coins),
	})
	require.NoError(t, err)
	return id
}

func stakesByOwner(stakes []game.Stake) map[string]game.Amount {
	out := make(map[string]game.Amount, len(stakes))
	for _, s := range stakes {
		out[s.Owner] = s.Amount
	}
	return out
}

func TestCreateBranchSplitsStakeWithHouse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.signup(t, "alice", "")
	f.fund(t, "alice", 1000)

	id, err := f.svc.CreateBranch(ctx, game.CreateBranchInput{
		Owner:    "alice",
		PresetID: f.preset(t, "alice"),
		Pot:      game.Coins(100),
	})
	require.NoError(t, err)

	view, err := f.svc.Branch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.Generation)
	assert.True(t, view.IsRoot())
	assert.False(t, view.Dirty())
	assert.Equal(t, game.Coins(100), view.TotalStake)
	assert.Equal(t, map[string]game.Amount{"alice": game.Coins(90), house: game.Coins(10)}, stakesByOwner(view.Stakes))

	level, err := f.svc.Level(ctx, view.RootLevelID)
	require.NoError(t, err)
	assert.Equal(t, game.Coins(100), level.Pot)
	assert.Equal(t, id, level.BranchID)

	assert.Equal(t, game.Coins(900), f.balance(t, "alice"))

	entries, err := f.svc.Journal(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "branch_create", entries[0].Action)
	assert.Equal(t, -int64(game.Coins(100)), entries[0].Delta)
	assert.Equal(t, "deposit", entries[1].Action)
}

func TestCreateBranchWithoutHouseShare(t *testing.T) {
	f := newFixture(t, 0)
	f.signup(t, "alice", "")
	id := f.rootBranch(t, "alice", 100)

	view, err := f.svc.Branch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, map[string]game.Amount{"alice": game.Coins(100)}, stakesByOwner(view.Stakes))
}

func TestCreateBranchRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.signup(t, "alice", "")
	f.signup(t, "bob", "")
	f.fund(t, "alice", 10)
	presetID := f.preset(t, "alice")

	_, err := f.svc.CreateBranch(ctx, game.CreateBranchInput{Owner: "alice", PresetID: presetID, Pot: 665})
	require.ErrorIs(t, err, game.ErrValidation)

	_, err = f.svc.CreateBranch(ctx, game.CreateBranchInput{Owner: "bob", PresetID: presetID, Pot: 666})
	require.ErrorIs(t, err, game.ErrInsufficientFunds)

	_, err = f.svc.CreateBranch(ctx, game.CreateBranchInput{Owner: "alice", PresetID: 999, Pot: 666})
	require.ErrorIs(t, err, game.ErrNotFound)

	_, err = f.svc.CreateBranch(ctx, game.CreateBranchInput{Owner: "alice", PresetID: presetID, Pot: 666})
	require.NoError(t, err)

	_, err = f.svc.CreateBranch(ctx, game.CreateBranchInput{Owner: "alice", PresetID: presetID, Pot: 666})
	require.ErrorIs(t, err, game.ErrConflict)
}

func TestAddStakeAccumulates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.signup(t, "alice", "")
	f.signup(t, "bob", "")
	id := f.rootBranch(t, "alice", 100)
	f.fund(t, "bob", 50)

	for i := 0; i < 2; i++ {
		require.NoError(t, f.svc.AddStake(ctx, game.AddStakeInput{Owner: "bob", BranchID: id, Amount: game.Coins(20)}))
	}

	view, err := f.svc.Branch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, game.Coins(140), view.TotalStake)
	assert.Equal(t, map[string]game.Amount{
		"alice": game.Coins(90),
		"bob":   game.Coins(36),
		house:   game.Coins(14),
	}, stakesByOwner(view.Stakes))

	level, err := f.svc.Level(ctx, view.RootLevelID)
	require.NoError(t, err)
	assert.Equal(t, game.Coins(140), level.Pot)

	share, err := f.svc.StakeholderShare(ctx, "bob", id)
	require.NoError(t, err)
	assert.Equal(t, game.Coins(140), share.Total)
	assert.Equal(t, game.Coins(36), share.Owned)

	f.signup(t, "carol", "")
	_, err = f.svc.StakeholderShare(ctx, "carol", id)
	require.ErrorIs(t, err, game.ErrNotFound)

	err = f.svc.AddStake(ctx, game.AddStakeInput{Owner: "bob", BranchID: id, Amount: game.Coins(20)})
	require.ErrorIs(t, err, game.ErrInsufficientFunds)
	assert.Equal(t, game.Coins(10), f.balance(t, "bob"))

	err = f.svc.AddStake(ctx, game.AddStakeInput{Owner: "bob", BranchID: id, Amount: 0})
	require.ErrorIs(t, err, game.ErrValidation)
}

func TestAddStakeOnChildSkipsHouse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.signup(t, "alice", "")
	f.signup(t, "bob", "")
	root := f.rootBranch(t, "alice", 100)
	child, err := f.svc.CreateChildBranch(ctx, game.CreateChildInput{Owner: "bob", ParentID: root, Pot: game.Coins(10)})
	require.NoError(t, err)
	f.fund(t, "bob", 100)

	require.NoError(t, f.svc.AddStake(ctx, game.AddStakeInput{Owner: "bob", BranchID: child, Amount: game.Coins(100)}))

	view, err := f.svc.Branch(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, map[string]game.Amount{"bob": game.Coins(110)}, stakesByOwner(view.Stakes))
	assert.Equal(t, game.Coins(110), view.TotalStake)
	assert.Equal(t, game.Amount(0), f.balance(t, "bob"))
}

func TestAddStakeIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.signup(t, "alice", "")
	id := f.rootBranch(t, "alice", 100)
	f.fund(t, "alice", 10)

	in := game.AddStakeInput{Owner: "alice", BranchID: id, Amount: game.Coins(5), IdempotencyKey: "stake-1"}
	require.NoError(t, f.svc.AddStake(ctx, in))
	err := f.svc.AddStake(ctx, in)
	require.ErrorIs(t, err, game.ErrDuplicateIdempotency)
	require.ErrorIs(t, err, game.ErrConflict)

	assert.Equal(t, game.Coins(5), f.balance(t, "alice"))
}

func TestAllocateRevshareCascadesToParent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.signup(t, "alice", "")
	f.signup(t, "bob", "")
	root := f.rootBranch(t, "alice", 100)

	child, err := f.svc.CreateChildBranch(ctx, game.CreateChildInput{Owner: "bob", ParentID: root, Pot: game.Coins(10)})
	require.NoError(t, err)

	childView, err := f.svc.Branch(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, int64(2), childView.Generation)
	assert.Equal(t, map[string]game.Amount{"bob": game.Coins(10)}, stakesByOwner(childView.Stakes))

	_, err = f.svc.AllocateRevshare(ctx, child)
	require.ErrorIs(t, err, game.ErrBranchProcessed)

	require.NoError(t, f.svc.DeferRevenueShare(ctx, game.RevenueInput{Actor: house, BranchID: child, Amount: game.Coins(100)}))

	alloc, err := f.svc.AllocateRevshare(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, root, alloc.ParentID)
	assert.Equal(t, game.Coins(50), alloc.ParentDelta)
	assert.Equal(t, game.Amount(0), alloc.WinnerDelta)
	assert.Equal(t, game.Coins(50), alloc.Residual)

	_, err = f.svc.AllocateRevshare(ctx, child)
	require.ErrorIs(t, err, game.ErrConflict)

	rootView, err := f.svc.Branch(ctx, root)
	require.NoError(t, err)
	assert.True(t, rootView.Dirty())
	assert.Equal(t, game.Coins(50), rootView.TotalRevenue)

	require.NoError(t, f.svc.DeferRevenueShare(ctx, game.RevenueInput{Actor: house, BranchID: child, Amount: game.Coins(20)}))
	alloc, err = f.svc.AllocateRevshare(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, game.Coins(10), alloc.ParentDelta)

	childView, err = f.svc.Branch(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, game.Coins(120), childView.TotalRevenue)
	assert.Equal(t, game.Coins(60), childView.ParentRevenue)
	assert.Equal(t, game.Coins(60), childView.Residual)

	alloc, err = f.svc.AllocateRevshare(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, int64(0), alloc.ParentID)
	assert.Equal(t, game.Coins(60), alloc.Residual)
}

func TestAllocateRevsharePaysWinnerDeltas(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	for _, a := range []string{"alice", "bob", "carol", "dave"} {
		f.signup(t, a, "")
	}
	root := f.rootBranch(t, "alice", 100)
	child, err := f.svc.CreateChildBranch(ctx, game.CreateChildInput{Owner: "bob", ParentID: root, Pot: game.Coins(10)})
	require.NoError(t, err)

	require.NoError(t, f.svc.SetWinner(ctx, child, "carol"))
	require.NoError(t, f.svc.DeferRevenueShare(ctx, game.RevenueInput{Actor: house, BranchID: child, Amount: game.Coins(100)}))

	alloc, err := f.svc.AllocateRevshare(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, game.Coins(50), alloc.ParentDelta)
	assert.Equal(t, "carol", alloc.Winner)
	assert.Equal(t, game.Coins(5), alloc.WinnerDelta)
	assert.Equal(t, game.Coins(45), alloc.Residual)
	assert.Equal(t, game.Coins(5), f.balance(t, "carol"))

	require.NoError(t, f.svc.SetWinner(ctx, child, "dave"))
	require.NoError(t, f.svc.DeferRevenueShare(ctx, game.RevenueInput{Actor: house, BranchID: child, Amount: game.Coins(100)}))
	alloc, err = f.svc.AllocateRevshare(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, game.Coins(50), alloc.ParentDelta)
	assert.Equal(t, game.Coins(5), alloc.WinnerDelta)
	assert.Equal(t, game.Coins(90), alloc.Residual)
	assert.Equal(t, game.Coins(5), f.balance(t, "dave"))
	assert.Equal(t, game.Coins(5), f.balance(t, "carol"))

	entries, err := f.svc.Journal(ctx, "carol", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "winner_share", entries[0].Action)
	assert.Equal(t, child, entries[0].BranchID)

	stakes, err := f.svc.BranchStakes(ctx, child)
	require.NoError(t, err)
	require.Len(t, stakes, 1)
	assert.Equal(t, game.Coins(90), stakes[0].Share)
}

func TestDeferRevenueShareRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.signup(t, "alice", "")
	root := f.rootBranch(t, "alice", 100)

	err := f.svc.DeferRevenueShare(ctx, game.RevenueInput{Actor: "alice", BranchID: root, Amount: game.Coins(1)})
	require.ErrorIs(t, err, game.ErrUnauthorized)

	err = f.svc.DeferRevenueShare(ctx, game.RevenueInput{Actor: house, BranchID: root, Amount: 0})
	require.ErrorIs(t, err, game.ErrValidation)

	err = f.svc.DeferRevenueShare(ctx, game.RevenueInput{Actor: house, BranchID: 404, Amount: game.Coins(1)})
	require.ErrorIs(t, err, game.ErrNotFound)
}

func TestAllocateDirtyDeepestFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.signup(t, "alice", "")
	f.signup(t, "bob", "")
	root := f.rootBranch(t, "alice", 100)
	child, err := f.svc.CreateChildBranch(ctx, game.CreateChildInput{Owner: "bob", ParentID: root, Pot: game.Coins(10)})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeferRevenueShare(ctx, game.RevenueInput{Actor: house, BranchID: root, Amount: game.Coins(4)}))
	require.NoError(t, f.svc.DeferRevenueShare(ctx, game.RevenueInput{Actor: house, BranchID: child, Amount: game.Coins(10)}))

	done, err := f.svc.AllocateDirty(ctx, 10)
	require.NoError(t, err)
	require.Len(t, done, 2)
	assert.Equal(t, child, done[0].BranchID)
	assert.Equal(t, root, done[1].BranchID)
	assert.Equal(t, game.Coins(9), done[1].Residual)

	done, err = f.svc.AllocateDirty(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, done)
}

func TestCreateRootLevelForChild(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.signup(t, "alice", "")
	f.signup(t, "bob", "")
	f.signup(t, "carol", "")
	root := f.rootBranch(t, "alice", 100)
	child, err := f.svc.CreateChildBranch(ctx, game.CreateChildInput{Owner: "bob", ParentID: root, Pot: game.Coins(10)})
	require.NoError(t, err)

	_, err = f.svc.CreateRootLevel(ctx, "carol", child)
	require.ErrorIs(t, err, game.ErrNotFound)

	levelID, err := f.svc.CreateRootLevel(ctx, "bob", child)
	require.NoError(t, err)

	rootView, err := f.svc.Branch(ctx, root)
	require.NoError(t, err)
	level, err := f.svc.Level(ctx, levelID)
	require.NoError(t, err)
	assert.Equal(t, game.Coins(10), level.Pot)
	assert.Equal(t, rootView.RootLevelID, level.ParentLevelID)

	_, err = f.svc.CreateRootLevel(ctx, "bob", child)
	require.ErrorIs(t, err, game.ErrConflict)

	_, err = f.svc.SwitchBranch(ctx, "carol", child)
	require.ErrorIs(t, err, game.ErrValidation)

	p, err := f.svc.SwitchBranch(ctx, "carol", root)
	require.NoError(t, err)
	assert.Equal(t, rootView.RootLevelID, p.LevelID)
	assert.Equal(t, game.StateSafe, p.State)
}

func TestRemoveBranch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.signup(t, "alice", "")
	f.signup(t, "bob", "")
	root := f.rootBranch(t, "alice", 100)
	child, err := f.svc.CreateChildBranch(ctx, game.CreateChildInput{Owner: "bob", ParentID: root, Pot: game.Coins(10)})
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.RemoveBranch(ctx, "alice", child), game.ErrUnauthorized)
	require.ErrorIs(t, f.svc.RemoveBranch(ctx, house, root), game.ErrConflict)
	require.NoError(t, f.svc.RemoveBranch(ctx, house, child))

	_, err = f.svc.Branch(ctx, child)
	require.ErrorIs(t, err, game.ErrNotFound)
	rootView, err := f.svc.Branch(ctx, root)
	require.NoError(t, err)
	assert.Empty(t, rootView.Children)
}

func TestPresetOwnership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.signup(t, "alice", "")
	f.signup(t, "bob", "")
	used := f.preset(t, "alice")
	unused := f.preset(t, "alice")
	f.fund(t, "alice", 1)
	_, err := f.svc.CreateBranch(ctx, game.CreateBranchInput{Owner: "alice", PresetID: used, Pot: game.Coins(1)})
	require.NoError(t, err)

	p, err := f.svc.Preset(ctx, unused)
	require.NoError(t, err)
	p.WinnerRate = 20
	require.ErrorIs(t, f.svc.UpdatePreset(ctx, "bob", p), game.ErrUnauthorized)
	require.NoError(t, f.svc.UpdatePreset(ctx, "alice", p))

	p, err = f.svc.Preset(ctx, unused)
	require.NoError(t, err)
	assert.Equal(t, int64(20), p.WinnerRate)
	assert.Equal(t, "alice", p.Owner)

	usedPreset, err := f.svc.Preset(ctx, used)
	require.NoError(t, err)
	usedPreset.WinnerRate = 30
	require.ErrorIs(t, f.svc.UpdatePreset(ctx, "alice", usedPreset), game.ErrConflict)
	require.ErrorIs(t, f.svc.RemovePreset(ctx, "alice", used), game.ErrConflict)
	require.NoError(t, f.svc.RemovePreset(ctx, "alice", unused))
	_, err = f.svc.Preset(ctx, unused)
	require.ErrorIs(t, err, game.ErrNotFound)

	_, err = f.svc.CreatePreset(ctx, "nobody", game.Preset{LevelLength: 2, LevelGreens: 1, LevelReds: 1, StakeRate: 1, SplitRate: 1}, "")
	require.ErrorIs(t, err, game.ErrNotFound)
}

func TestForgetKeepsBranchWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	for _, a := range []string{"alice", "bob", "carol", "dave"} {
		f.signup(t, a, "")
	}
	root := f.rootBranch(t, "alice", 100)
	child, err := f.svc.CreateChildBranch(ctx, game.CreateChildInput{Owner: "bob", ParentID: root, Pot: game.Coins(10)})
	require.NoError(t, err)
	require.NoError(t, f.svc.SetWinner(ctx, child, "carol"))

	require.ErrorIs(t, f.svc.Forget(ctx, "carol"), game.ErrConflict)
	_, err = f.svc.Player(ctx, "carol")
	require.NoError(t, err)

	require.NoError(t, f.svc.SetWinner(ctx, child, "dave"))
	require.NoError(t, f.svc.Forget(ctx, "carol"))

	require.NoError(t, f.svc.DeferRevenueShare(ctx, game.RevenueInput{Actor: house, BranchID: child, Amount: game.Coins(100)}))
	alloc, err := f.svc.AllocateRevshare(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, "dave", alloc.Winner)
	assert.Equal(t, game.Coins(5), alloc.WinnerDelta)

	view, err := f.svc.Branch(ctx, child)
	require.NoError(t, err)
	assert.False(t, view.Dirty())
}

func TestSignupClaimsDepositedAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.signup(t, "alice", "")
	f.fund(t, "erin", 50)

	p, err := f.svc.Player(ctx, "erin")
	require.NoError(t, err)
	assert.Empty(t, p.SecretHash)
	assert.Equal(t, house, p.Channel)

	p, err = f.svc.Signup(ctx, "erin", "alice", []byte("hash"))
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Channel)
	assert.Equal(t, []byte("hash"), p.SecretHash)
	assert.Equal(t, game.Coins(50), f.balance(t, "erin"))

	houseChannel, err := f.svc.Channel(ctx, house)
	require.NoError(t, err)
	assert.Equal(t, int64(1), houseChannel.Height)
	aliceChannel, err := f.svc.Channel(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), aliceChannel.Height)

	_, err = f.svc.Signup(ctx, "erin", "", []byte("other"))
	require.ErrorIs(t, err, game.ErrConflict)
}

func TestAllocateDirtyReportsBatchSize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.signup(t, "alice", "")
	f.signup(t, "bob", "")
	first := f.rootBranch(t, "alice", 100)
	second := f.rootBranch(t, "bob", 100)
	for _, id := range []int64{first, second} {
		require.NoError(t, f.svc.DeferRevenueShare(ctx, game.RevenueInput{Actor: house, BranchID: id, Amount: game.Coins(1)}))
	}

	done, err := f.svc.AllocateDirty(ctx, 1)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AllocationBatchSize))
}
