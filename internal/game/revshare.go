package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"treepot/internal/metrics"
)

// Cumulative tracks how much of a growing gross total has been paid out.
// Each pass advances it to a new target and pays only the difference.
type Cumulative struct {
	Allocated Amount
}

// Advance moves the allocated total to target and returns the delta to pay.
// A target below what was already paid is an error: nothing is ever clawed back.
func (c *Cumulative) Advance(target Amount) (Amount, error) {
	if target < c.Allocated {
		return 0, conflictf("allocation target %s is below already allocated %s", target, c.Allocated)
	}
	delta := target - c.Allocated
	c.Allocated = target
	return delta, nil
}

// DeferRevenueShare adds revenue to a branch and marks it for allocation.
// House only.
func (s *Service) DeferRevenueShare(ctx context.Context, in RevenueInput) error {
	if err := s.requireHouse(in.Actor); err != nil {
		return err
	}
	if in.Amount <= 0 {
		return validationf("revenue amount must be > 0")
	}
	err := s.update(ctx, func(tx Tx) error {
		if err := claimIdempotency(ctx, tx, in.Actor, in.IdempotencyKey, "defer_revenue"); err != nil {
			return err
		}
		return deferRevenue(ctx, tx, in.BranchID, in.Amount)
	})
	if err != nil {
		return err
	}
	metrics.RevenueDeferred.Add(float64(in.Amount))
	return nil
}

func deferRevenue(ctx context.Context, tx Tx, branchID int64, amount Amount) error {
	b, err := tx.Branch(ctx, branchID)
	if err != nil {
		return err
	}
	if b.TotalRevenue, err = b.TotalRevenue.Add(amount); err != nil {
		return err
	}
	b.ProcessedAt = time.Time{}
	return tx.UpdateBranch(ctx, b)
}

// AllocateRevshare pays out the revenue a dirty branch received since its last
// pass: the parent's cut (TotalRevenue/generation) and the winner's cut of what
// remains. Only deltas over the cumulative amounts already paid are forwarded.
// The parent is left dirty for its own later pass.
func (s *Service) AllocateRevshare(ctx context.Context, branchID int64) (Allocation, error) {
	start := s.clock.Now()
	var out Allocation
	err := s.update(ctx, func(tx Tx) error {
		var err error
		out, err = s.allocate(ctx, tx, branchID)
		return err
	})
	metrics.RecordAllocation(s.clock.Since(start), err)
	if err != nil {
		return Allocation{}, err
	}
	metrics.RevenueForwarded.WithLabelValues("parent").Add(float64(out.ParentDelta))
	metrics.RevenueForwarded.WithLabelValues("winner").Add(float64(out.WinnerDelta))
	if out.ParentDelta > 0 {
		s.log.Info("parent branch share", "branch_id", out.BranchID, "parent_id", out.ParentID, "amount", out.ParentDelta.String())
	}
	if out.WinnerDelta > 0 {
		s.log.Info("branch winner share", "branch_id", out.BranchID, "winner", out.Winner, "amount", out.WinnerDelta.String())
	}
	return out, nil
}

func (s *Service) allocate(ctx context.Context, tx Tx, branchID int64) (Allocation, error) {
	b, err := tx.Branch(ctx, branchID)
	if err != nil {
		return Allocation{}, err
	}
	if !b.Dirty() {
		return Allocation{}, fmt.Errorf("%w: branch %d", ErrBranchProcessed, branchID)
	}
	out := Allocation{BranchID: b.ID}
	retained := b.TotalRevenue

	if !b.IsRoot() {
		parentCut, err := b.TotalRevenue.MulDiv(1, b.Generation)
		if err != nil {
			return Allocation{}, err
		}
		parent := Cumulative{Allocated: b.ParentRevenue}
		delta, err := parent.Advance(parentCut)
		if err != nil {
			return Allocation{}, err
		}
		if delta > 0 {
			if err := deferRevenue(ctx, tx, b.ParentID, delta); err != nil {
				return Allocation{}, err
			}
		}
		if retained, err = retained.Sub(parentCut); err != nil {
			return Allocation{}, err
		}
		b.ParentRevenue = parent.Allocated
		out.ParentID = b.ParentID
		out.ParentDelta = delta
	}

	var j *journal
	if b.Winner != "" {
		preset, err := tx.Preset(ctx, b.PresetID)
		if err != nil {
			return Allocation{}, err
		}
		winnerCut, err := retained.Pct(preset.WinnerRate)
		if err != nil {
			return Allocation{}, err
		}
		winner := Cumulative{Allocated: b.WinnerRevenue}
		delta, err := winner.Advance(winnerCut)
		if err != nil {
			return Allocation{}, err
		}
		if delta > 0 {
			player, err := tx.Player(ctx, b.Winner)
			if err != nil {
				return Allocation{}, err
			}
			if err := player.AddBalance(delta); err != nil {
				return Allocation{}, err
			}
			if err := tx.UpdatePlayer(ctx, player); err != nil {
				return Allocation{}, err
			}
			j = s.newJournal()
			j.add(b.Winner, b.ID, "winner_share", int64(delta))
		}
		b.WinnerRevenue = winner.Allocated
		out.Winner = b.Winner
		out.WinnerDelta = delta
	}

	paid, err := b.ParentRevenue.Add(b.WinnerRevenue)
	if err != nil {
		return Allocation{}, err
	}
	if paid > b.TotalRevenue {
		return Allocation{}, conflictf("branch %d: allocated %s exceeds total revenue %s", b.ID, paid, b.TotalRevenue)
	}
	b.ProcessedAt = s.now()
	if err := tx.UpdateBranch(ctx, b); err != nil {
		return Allocation{}, err
	}
	if j != nil {
		if err := j.flush(ctx, tx); err != nil {
			return Allocation{}, err
		}
	}
	out.Residual = b.Residual()
	return out, nil
}

// AllocateDirty runs one allocation per dirty branch, each in its own
// transaction, deepest branches first. A branch processed concurrently by
// another caller is skipped.
func (s *Service) AllocateDirty(ctx context.Context, limit int) ([]Allocation, error) {
	if limit <= 0 {
		limit = 100
	}
	var dirty []Branch
	err := s.view(ctx, func(tx Tx) error {
		var err error
		dirty, err = tx.DirtyBranches(ctx, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.AllocationBatchSize.Set(float64(len(dirty)))

	var (
		out  []Allocation
		errs []error
	)
	for _, b := range dirty {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		a, err := s.AllocateRevshare(ctx, b.ID)
		if errors.Is(err, ErrBranchProcessed) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("branch %d: %w", b.ID, err))
			continue
		}
		out = append(out, a)
	}
	return out, errors.Join(errs...)
}
