package boltdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treepot/internal/game"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "treepot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func update(t *testing.T, s *Store, fn func(tx game.Tx) error) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), fn))
}

func TestBranchIndexes(t *testing.T) {
	ctx := context.Background()
	s := tempStore(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	var root, child, other game.Branch
	update(t, s, func(tx game.Tx) error {
		root = game.Branch{Owner: "alice", PresetID: 7, Generation: 1, ProcessedAt: now}
		require.NoError(t, tx.InsertBranch(ctx, &root))
		child = game.Branch{Owner: "bob", PresetID: 7, ParentID: root.ID, Generation: 2, ProcessedAt: now}
		require.NoError(t, tx.InsertBranch(ctx, &child))
		other = game.Branch{Owner: "carol", PresetID: 8, Generation: 1, ProcessedAt: now}
		return tx.InsertBranch(ctx, &other)
	})

	require.NoError(t, s.View(ctx, func(tx game.Tx) error {
		b, err := tx.BranchByPreset(ctx, 8)
		require.NoError(t, err)
		assert.Equal(t, other.ID, b.ID)

		_, err = tx.BranchByPreset(ctx, 9)
		assert.ErrorIs(t, err, game.ErrNotFound)

		children, err := tx.ChildBranches(ctx, root.ID)
		require.NoError(t, err)
		require.Len(t, children, 1)
		assert.Equal(t, child.ID, children[0].ID)

		dirty, err := tx.DirtyBranches(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, dirty)
		return nil
	}))

	update(t, s, func(tx game.Tx) error {
		child.ParentID = other.ID
		err := tx.UpdateBranch(ctx, child)
		assert.ErrorIs(t, err, game.ErrValidation)
		return nil
	})
}

func TestDirtyBranchesDeepestFirst(t *testing.T) {
	ctx := context.Background()
	s := tempStore(t)

	ids := map[int64]int64{}
	update(t, s, func(tx game.Tx) error {
		var parent int64
		for gen := int64(1); gen <= 3; gen++ {
			b := game.Branch{Owner: "alice", PresetID: 1, ParentID: parent, Generation: gen}
			require.NoError(t, tx.InsertBranch(ctx, &b))
			ids[gen] = b.ID
			parent = b.ID
		}
		return nil
	})

	require.NoError(t, s.View(ctx, func(tx game.Tx) error {
		dirty, err := tx.DirtyBranches(ctx, 0)
		require.NoError(t, err)
		require.Len(t, dirty, 3)
		assert.Equal(t, []int64{ids[3], ids[2], ids[1]}, []int64{dirty[0].ID, dirty[1].ID, dirty[2].ID})

		limited, err := tx.DirtyBranches(ctx, 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, ids[3], limited[0].ID)
		return nil
	}))

	update(t, s, func(tx game.Tx) error {
		b, err := tx.Branch(ctx, ids[3])
		require.NoError(t, err)
		b.ProcessedAt = time.Now()
		require.NoError(t, tx.UpdateBranch(ctx, b))
		return tx.DeleteBranch(ctx, ids[2])
	})

	require.NoError(t, s.View(ctx, func(tx game.Tx) error {
		dirty, err := tx.DirtyBranches(ctx, 0)
		require.NoError(t, err)
		require.Len(t, dirty, 1)
		assert.Equal(t, ids[1], dirty[0].ID)
		return nil
	}))
}

func TestStakes(t *testing.T) {
	ctx := context.Background()
	s := tempStore(t)

	update(t, s, func(tx game.Tx) error {
		for _, st := range []game.Stake{
			{BranchID: 1, Owner: "alice", Amount: 10},
			{BranchID: 1, Owner: "bob", Amount: 20},
			{BranchID: 2, Owner: "alice", Amount: 30},
		} {
			require.NoError(t, tx.InsertStake(ctx, &st))
			assert.NotZero(t, st.ID)
		}
		dup := game.Stake{BranchID: 1, Owner: "alice", Amount: 1}
		assert.ErrorIs(t, tx.InsertStake(ctx, &dup), game.ErrConflict)

		st, err := tx.Stake(ctx, "alice", 1)
		require.NoError(t, err)
		st.Amount = 15
		return tx.UpdateStake(ctx, st)
	})

	require.NoError(t, s.View(ctx, func(tx game.Tx) error {
		stakes, err := tx.StakesByBranch(ctx, 1)
		require.NoError(t, err)
		require.Len(t, stakes, 2)
		assert.Equal(t, game.Amount(15), stakes[0].Amount)
		assert.Equal(t, "bob", stakes[1].Owner)

		_, err = tx.Stake(ctx, "carol", 1)
		assert.ErrorIs(t, err, game.ErrNotFound)
		return nil
	}))

	update(t, s, func(tx game.Tx) error {
		return tx.DeleteStakesByBranch(ctx, 1)
	})

	require.NoError(t, s.View(ctx, func(tx game.Tx) error {
		stakes, err := tx.StakesByBranch(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, stakes)
		_, err = tx.Stake(ctx, "alice", 1)
		assert.ErrorIs(t, err, game.ErrNotFound)

		kept, err := tx.Stake(ctx, "alice", 2)
		require.NoError(t, err)
		assert.Equal(t, game.Amount(30), kept.Amount)
		return nil
	}))
}

func TestJournalNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := tempStore(t)

	update(t, s, func(tx game.Tx) error {
		return tx.AppendJournal(ctx, []game.JournalEntry{
			{Account: "alice", Action: "deposit", Delta: 100},
			{Account: "alice_x", Action: "deposit", Delta: 1},
			{Account: "alice", Action: "stake", Delta: -40},
			{Account: "bob", Action: "deposit", Delta: 5},
			{Account: "alice", Action: "withdraw", Delta: -10},
		})
	})

	require.NoError(t, s.View(ctx, func(tx game.Tx) error {
		entries, err := tx.JournalByAccount(ctx, "alice", 0)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, []string{"withdraw", "stake", "deposit"},
			[]string{entries[0].Action, entries[1].Action, entries[2].Action})

		entries, err = tx.JournalByAccount(ctx, "alice", 2)
		require.NoError(t, err)
		assert.Len(t, entries, 2)

		entries, err = tx.JournalByAccount(ctx, "bob", 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, int64(5), entries[0].Delta)

		entries, err = tx.JournalByAccount(ctx, "nobody", 0)
		require.NoError(t, err)
		assert.Empty(t, entries)
		return nil
	}))
}

func TestClaimIdempotency(t *testing.T) {
	ctx := context.Background()
	s := tempStore(t)

	update(t, s, func(tx game.Tx) error {
		require.NoError(t, tx.ClaimIdempotency(ctx, "alice", "k1", "deposit"))
		require.NoError(t, tx.ClaimIdempotency(ctx, "bob", "k1", "deposit"))
		return nil
	})
	err := s.Update(ctx, func(tx game.Tx) error {
		return tx.ClaimIdempotency(ctx, "alice", "k1", "withdraw")
	})
	assert.ErrorIs(t, err, game.ErrDuplicateIdempotency)
}

func TestRollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := tempStore(t)

	err := s.Update(ctx, func(tx game.Tx) error {
		require.NoError(t, tx.InsertPlayer(ctx, game.Player{Account: "alice", ActiveBalance: 5}))
		return game.ErrConflict
	})
	require.ErrorIs(t, err, game.ErrConflict)

	require.NoError(t, s.View(ctx, func(tx game.Tx) error {
		_, err := tx.Player(ctx, "alice")
		assert.ErrorIs(t, err, game.ErrNotFound)
		return nil
	}))
}

func TestPlayerRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := tempStore(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	update(t, s, func(tx game.Tx) error {
		p := game.Player{
			Account:       "alice",
			Channel:       "house",
			ActiveBalance: 42,
			State:         game.StateRed,
			SecretHash:    []byte("hash"),
			CreatedAt:     created,
		}
		require.NoError(t, tx.InsertPlayer(ctx, p))
		assert.ErrorIs(t, tx.InsertPlayer(ctx, p), game.ErrConflict)
		return nil
	})

	require.NoError(t, s.View(ctx, func(tx game.Tx) error {
		p, err := tx.Player(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, game.StateRed, p.State)
		assert.Equal(t, game.Amount(42), p.ActiveBalance)
		assert.Equal(t, []byte("hash"), p.SecretHash)
		assert.True(t, p.CreatedAt.Equal(created))
		return nil
	}))
}

func TestBranchesByWinner(t *testing.T) {
	ctx := context.Background()
	s := tempStore(t)

	var first, second game.Branch
	update(t, s, func(tx game.Tx) error {
		first = game.Branch{Owner: "alice", PresetID: 1, Generation: 1, Winner: "carol"}
		require.NoError(t, tx.InsertBranch(ctx, &first))
		second = game.Branch{Owner: "alice", PresetID: 2, Generation: 1}
		return tx.InsertBranch(ctx, &second)
	})

	winners := func(name string) []int64 {
		var ids []int64
		require.NoError(t, s.View(ctx, func(tx game.Tx) error {
			won, err := tx.BranchesByWinner(ctx, name)
			for _, b := range won {
				ids = append(ids, b.ID)
			}
			return err
		}))
		return ids
	}
	assert.Equal(t, []int64{first.ID}, winners("carol"))
	assert.Empty(t, winners("caro"))

	update(t, s, func(tx game.Tx) error {
		second.Winner = "carol"
		require.NoError(t, tx.UpdateBranch(ctx, second))
		first.Winner = "dave"
		return tx.UpdateBranch(ctx, first)
	})
	assert.Equal(t, []int64{second.ID}, winners("carol"))
	assert.Equal(t, []int64{first.ID}, winners("dave"))

	update(t, s, func(tx game.Tx) error {
		return tx.DeleteBranch(ctx, second.ID)
	})
	assert.Empty(t, winners("carol"))
}
