package game

import "context"

// CreateBranch funds a new root branch from the owner's balance and opens its
// root level seeded with the whole pot.
func (s *Service) CreateBranch(ctx context.Context, in CreateBranchInput) (int64, error) {
	if in.Pot <= 0 {
		return 0, validationf("pot must be > 0")
	}
	var b Branch
	err := s.update(ctx, func(tx Tx) error {
		if err := claimIdempotency(ctx, tx, in.Owner, in.IdempotencyKey, "create_branch"); err != nil {
			return err
		}
		preset, err := tx.Preset(ctx, in.PresetID)
		if err != nil {
			return err
		}
		if err := checkPresetNotInUse(ctx, tx, preset.ID); err != nil {
			return err
		}
		minPot, err := preset.MinimumPot()
		if err != nil {
			return err
		}
		if in.Pot < minPot {
			return validationf("branch minimum pot is %s", minPot)
		}

		player, err := tx.Player(ctx, in.Owner)
		if err != nil {
			return err
		}
		if err := player.SubBalance(in.Pot); err != nil {
			return err
		}
		if err := tx.UpdatePlayer(ctx, player); err != nil {
			return err
		}

		now := s.now()
		b = Branch{
			Owner:       in.Owner,
			PresetID:    preset.ID,
			Generation:  1,
			CreatedAt:   now,
			ProcessedAt: now,
		}
		if err := tx.InsertBranch(ctx, &b); err != nil {
			return err
		}
		if err := s.appendStake(ctx, tx, &b, in.Owner, in.Pot); err != nil {
			return err
		}
		levelID, err := createLevel(ctx, tx, Level{
			BranchID:  b.ID,
			Owner:     in.Owner,
			PresetID:  preset.ID,
			Pot:       in.Pot,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		b.RootLevelID = levelID
		if err := tx.UpdateBranch(ctx, b); err != nil {
			return err
		}

		j := s.newJournal()
		j.add(in.Owner, b.ID, "branch_create", -int64(in.Pot))
		return j.flush(ctx, tx)
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("branch created", "branch_id", b.ID, "owner", in.Owner, "preset_id", in.PresetID, "pot", in.Pot.String())
	return b.ID, nil
}

// CreateChildBranch registers a spin-off of parentID. The pot is carved out of
// the parent's level by the round logic, so no balance is debited and no level
// is opened; see CreateRootLevel.
func (s *Service) CreateChildBranch(ctx context.Context, in CreateChildInput) (int64, error) {
	if in.Pot <= 0 {
		return 0, validationf("pot must be > 0")
	}
	var b Branch
	err := s.update(ctx, func(tx Tx) error {
		if err := claimIdempotency(ctx, tx, in.Owner, in.IdempotencyKey, "create_child_branch"); err != nil {
			return err
		}
		parent, err := tx.Branch(ctx, in.ParentID)
		if err != nil {
			return err
		}
		if _, err := tx.Player(ctx, in.Owner); err != nil {
			return err
		}
		now := s.now()
		b = Branch{
			Owner:       in.Owner,
			PresetID:    parent.PresetID,
			ParentID:    parent.ID,
			Generation:  parent.Generation + 1,
			CreatedAt:   now,
			ProcessedAt: now,
		}
		if err := tx.InsertBranch(ctx, &b); err != nil {
			return err
		}
		if err := s.appendStake(ctx, tx, &b, in.Owner, in.Pot); err != nil {
			return err
		}
		return tx.UpdateBranch(ctx, b)
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("child branch created", "branch_id", b.ID, "parent_id", in.ParentID, "generation", b.Generation)
	return b.ID, nil
}

func (s *Service) AddStake(ctx context.Context, in AddStakeInput) error {
	if in.Amount <= 0 {
		return validationf("stake amount must be > 0")
	}
	return s.update(ctx, func(tx Tx) error {
		if err := claimIdempotency(ctx, tx, in.Owner, in.IdempotencyKey, "add_stake"); err != nil {
			return err
		}
		b, err := tx.Branch(ctx, in.BranchID)
		if err != nil {
			return err
		}
		player, err := tx.Player(ctx, in.Owner)
		if err != nil {
			return err
		}
		if err := player.SubBalance(in.Amount); err != nil {
			return err
		}
		if err := tx.UpdatePlayer(ctx, player); err != nil {
			return err
		}
		if err := s.appendStake(ctx, tx, &b, in.Owner, in.Amount); err != nil {
			return err
		}
		if err := tx.UpdateBranch(ctx, b); err != nil {
			return err
		}
		if b.RootLevelID > 0 {
			if err := addToPot(ctx, tx, b.RootLevelID, in.Amount); err != nil {
				return err
			}
		}
		j := s.newJournal()
		j.add(in.Owner, b.ID, "stake", -int64(in.Amount))
		return j.flush(ctx, tx)
	})
}

// appendStake registers amount on b. Root branches split it with the house;
// deeper branches credit the whole amount to owner. b is updated in memory only.
func (s *Service) appendStake(ctx context.Context, tx Tx, b *Branch, owner string, amount Amount) error {
	ownerPart := amount
	var housePart Amount
	if b.Generation == 1 {
		var err error
		if housePart, err = amount.Pct(s.houseSharePct); err != nil {
			return err
		}
		if ownerPart, err = amount.Sub(housePart); err != nil {
			return err
		}
	}
	if ownerPart > 0 {
		if _, err := registerStake(ctx, tx, owner, b.ID, ownerPart); err != nil {
			return err
		}
	}
	if housePart > 0 {
		if _, err := registerStake(ctx, tx, s.house, b.ID, housePart); err != nil {
			return err
		}
	}
	total, err := b.TotalStake.Add(amount)
	if err != nil {
		return err
	}
	b.TotalStake = total
	return nil
}

// CreateRootLevel opens the first level of a branch that has none, seeded with
// the branch's total stake. Only stakeholders may open it.
func (s *Service) CreateRootLevel(ctx context.Context, owner string, branchID int64) (int64, error) {
	var levelID int64
	err := s.update(ctx, func(tx Tx) error {
		b, err := tx.Branch(ctx, branchID)
		if err != nil {
			return err
		}
		if err := b.CheckEmpty(); err != nil {
			return err
		}
		if err := checkIsStakeholder(ctx, tx, owner, branchID); err != nil {
			return err
		}
		var parentLevel int64
		if !b.IsRoot() {
			parent, err := tx.Branch(ctx, b.ParentID)
			if err != nil {
				return err
			}
			parentLevel = parent.RootLevelID
		}
		levelID, err = createLevel(ctx, tx, Level{
			BranchID:      b.ID,
			Owner:         owner,
			PresetID:      b.PresetID,
			ParentLevelID: parentLevel,
			Pot:           b.TotalStake,
			CreatedAt:     s.now(),
		})
		if err != nil {
			return err
		}
		b.RootLevelID = levelID
		return tx.UpdateBranch(ctx, b)
	})
	return levelID, err
}

// SetRootLevel points a branch at an existing level.
func (s *Service) SetRootLevel(ctx context.Context, branchID, levelID int64) error {
	return s.update(ctx, func(tx Tx) error {
		b, err := tx.Branch(ctx, branchID)
		if err != nil {
			return err
		}
		if _, err := tx.Level(ctx, levelID); err != nil {
			return err
		}
		b.RootLevelID = levelID
		return tx.UpdateBranch(ctx, b)
	})
}

func (s *Service) SetWinner(ctx context.Context, branchID int64, winner string) error {
	return s.update(ctx, func(tx Tx) error {
		b, err := tx.Branch(ctx, branchID)
		if err != nil {
			return err
		}
		if _, err := tx.Player(ctx, winner); err != nil {
			return err
		}
		b.Winner = winner
		return tx.UpdateBranch(ctx, b)
	})
}

// RemoveBranch drops a leaf branch and its stakes. House only.
func (s *Service) RemoveBranch(ctx context.Context, actor string, branchID int64) error {
	if err := s.requireHouse(actor); err != nil {
		return err
	}
	return s.update(ctx, func(tx Tx) error {
		if _, err := tx.Branch(ctx, branchID); err != nil {
			return err
		}
		children, err := tx.ChildBranches(ctx, branchID)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return conflictf("branch %d has %d child branches", branchID, len(children))
		}
		if err := tx.DeleteStakesByBranch(ctx, branchID); err != nil {
			return err
		}
		return tx.DeleteBranch(ctx, branchID)
	})
}

func (s *Service) Branch(ctx context.Context, id int64) (BranchView, error) {
	var out BranchView
	err := s.view(ctx, func(tx Tx) error {
		b, err := tx.Branch(ctx, id)
		if err != nil {
			return err
		}
		children, err := tx.ChildBranches(ctx, id)
		if err != nil {
			return err
		}
		stakes, err := tx.StakesByBranch(ctx, id)
		if err != nil {
			return err
		}
		out = BranchView{Branch: b, Residual: b.Residual(), Children: children, Stakes: stakes}
		return nil
	})
	return out, err
}

// CheckStart requires a root branch with a level to play.
func (b Branch) CheckStart() error {
	if b.Generation != 1 {
		return validationf("branch %d: players can start only from a root branch", b.ID)
	}
	if b.RootLevelID == 0 {
		return validationf("branch %d has no root level yet", b.ID)
	}
	return nil
}

// CheckEmpty requires a branch without a root level.
func (b Branch) CheckEmpty() error {
	if b.RootLevelID != 0 {
		return conflictf("branch %d: root level %d already exists", b.ID, b.RootLevelID)
	}
	return nil
}
