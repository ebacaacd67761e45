package game

import (
	"context"
	"errors"
)

// registerStake creates the (owner, branch) entry or adds amount to it.
func registerStake(ctx context.Context, tx Tx, owner string, branchID int64, amount Amount) (Stake, error) {
	if amount < 0 {
		return Stake{}, ErrNegativeAmount
	}
	st, err := tx.Stake(ctx, owner, branchID)
	if errors.Is(err, ErrNotFound) {
		st = Stake{BranchID: branchID, Owner: owner, Amount: amount}
		return st, tx.InsertStake(ctx, &st)
	}
	if err != nil {
		return Stake{}, err
	}
	next, err := st.Amount.Add(amount)
	if err != nil {
		return Stake{}, err
	}
	st.Amount = next
	return st, tx.UpdateStake(ctx, st)
}

// branchTotals scans the branch stakes once and returns them with the grand
// total and owner's own stake.
func branchTotals(ctx context.Context, tx Tx, owner string, branchID int64) (stakes []Stake, total, owned Amount, err error) {
	stakes, err = tx.StakesByBranch(ctx, branchID)
	if err != nil {
		return nil, 0, 0, err
	}
	for _, st := range stakes {
		if total, err = total.Add(st.Amount); err != nil {
			return nil, 0, 0, err
		}
		if st.Owner == owner {
			if owned, err = owned.Add(st.Amount); err != nil {
				return nil, 0, 0, err
			}
		}
	}
	return stakes, total, owned, nil
}

func checkIsStakeholder(ctx context.Context, tx Tx, owner string, branchID int64) error {
	_, err := tx.Stake(ctx, owner, branchID)
	if errors.Is(err, ErrNotFound) {
		return notFoundf("%s is not a stakeholder of branch %d", owner, branchID)
	}
	return err
}

// stakeViews prices every stake of b against its current residual.
func stakeViews(b Branch, stakes []Stake, total Amount) ([]StakeView, error) {
	residual := b.Residual()
	shares, err := DistributeResidual(residual, stakes)
	if err != nil {
		return nil, err
	}
	out := make([]StakeView, len(stakes))
	for i, st := range stakes {
		out[i] = StakeView{
			BranchID: b.ID,
			Owner:    st.Owner,
			Owned:    st.Amount,
			Total:    total,
			Residual: residual,
			Share:    shares[i],
		}
	}
	return out, nil
}

// StakeholderShare previews owner's slice of the branch residual. Payout is not performed.
func (s *Service) StakeholderShare(ctx context.Context, owner string, branchID int64) (StakeView, error) {
	var out StakeView
	err := s.view(ctx, func(tx Tx) error {
		b, err := tx.Branch(ctx, branchID)
		if err != nil {
			return err
		}
		if err := checkIsStakeholder(ctx, tx, owner, branchID); err != nil {
			return err
		}
		stakes, total, owned, err := branchTotals(ctx, tx, owner, branchID)
		if err != nil {
			return err
		}
		views, err := stakeViews(b, stakes, total)
		if err != nil {
			return err
		}
		for _, v := range views {
			if v.Owner == owner {
				out = v
			}
		}
		out.Owned = owned
		return nil
	})
	return out, err
}

func (s *Service) BranchStakes(ctx context.Context, branchID int64) ([]StakeView, error) {
	var out []StakeView
	err := s.view(ctx, func(tx Tx) error {
		b, err := tx.Branch(ctx, branchID)
		if err != nil {
			return err
		}
		stakes, total, _, err := branchTotals(ctx, tx, "", branchID)
		if err != nil {
			return err
		}
		out, err = stakeViews(b, stakes, total)
		return err
	})
	return out, err
}

// DistributeResidual splits residual pro rata over stakes. The last stake with
// a non-zero amount takes the rounding remainder, so the shares sum to residual.
func DistributeResidual(residual Amount, stakes []Stake) ([]Amount, error) {
	if residual < 0 {
		return nil, ErrNegativeAmount
	}
	shares := make([]Amount, len(stakes))
	var total Amount
	last := -1
	for i, st := range stakes {
		var err error
		if total, err = total.Add(st.Amount); err != nil {
			return nil, err
		}
		if st.Amount > 0 {
			last = i
		}
	}
	if total == 0 || residual == 0 {
		return shares, nil
	}
	var distributed Amount
	for i, st := range stakes {
		if i == last {
			shares[i] = residual - distributed
			break
		}
		share, err := residual.MulDiv(int64(st.Amount), int64(total))
		if err != nil {
			return nil, err
		}
		shares[i] = share
		distributed += share
	}
	return shares, nil
}
