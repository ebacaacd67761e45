package game

import (
	"context"
	"errors"
)

// Signup registers account under referrer's sales channel. An account that
// was opened by a deposit and has no credential yet is claimed: it keeps its
// balances and moves to referrer's channel.
func (s *Service) Signup(ctx context.Context, account, referrer string, secretHash []byte) (Player, error) {
	if err := ValidateAccount(account); err != nil {
		return Player{}, err
	}
	if referrer == "" {
		referrer = s.house
	}
	if referrer == account {
		return Player{}, validationf("account cannot refer itself")
	}
	var (
		p       Player
		claimed bool
	)
	err := s.update(ctx, func(tx Tx) error {
		existing, err := tx.Player(ctx, account)
		switch {
		case err == nil && len(existing.SecretHash) > 0:
			return conflictf("account %s is already registered", account)
		case err == nil:
			claimed = true
		case !errors.Is(err, ErrNotFound):
			return err
		}
		if _, err := tx.Player(ctx, referrer); err != nil {
			if errors.Is(err, ErrNotFound) {
				return notFoundf("referrer %s is not registered", referrer)
			}
			return err
		}

		if claimed {
			p = existing
			if p.Channel != referrer {
				if err := subChannel(ctx, tx, p.Channel); err != nil {
					return err
				}
				if err := upsertChannel(ctx, tx, referrer); err != nil {
					return err
				}
				p.Channel = referrer
			}
			p.SecretHash = secretHash
			return tx.UpdatePlayer(ctx, p)
		}

		if err := upsertChannel(ctx, tx, referrer); err != nil {
			return err
		}
		p = Player{
			Account:    account,
			Channel:    referrer,
			State:      StateInit,
			SecretHash: secretHash,
			CreatedAt:  s.now(),
		}
		return tx.InsertPlayer(ctx, p)
	})
	if err != nil {
		return Player{}, err
	}
	s.log.Info("player signed up", "account", account, "channel", referrer, "claimed", claimed)
	return p, nil
}

func (s *Service) Player(ctx context.Context, account string) (Player, error) {
	var p Player
	err := s.view(ctx, func(tx Tx) error {
		var err error
		p, err = tx.Player(ctx, account)
		return err
	})
	return p, err
}

// Deposit credits funds received from outside. Unknown accounts are registered
// under the house channel. House only.
func (s *Service) Deposit(ctx context.Context, in TransferInput) (Player, error) {
	if err := s.requireHouse(in.Actor); err != nil {
		return Player{}, err
	}
	if in.Amount <= 0 {
		return Player{}, validationf("deposit amount must be > 0")
	}
	if err := ValidateAccount(in.Account); err != nil {
		return Player{}, err
	}
	var p Player
	err := s.update(ctx, func(tx Tx) error {
		if err := claimIdempotency(ctx, tx, in.Actor, in.IdempotencyKey, "deposit"); err != nil {
			return err
		}
		var err error
		p, err = tx.Player(ctx, in.Account)
		switch {
		case errors.Is(err, ErrNotFound):
			if err := upsertChannel(ctx, tx, s.house); err != nil {
				return err
			}
			p = Player{Account: in.Account, Channel: s.house, State: StateInit, CreatedAt: s.now()}
			if err := p.AddBalance(in.Amount); err != nil {
				return err
			}
			if err := tx.InsertPlayer(ctx, p); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := p.AddBalance(in.Amount); err != nil {
				return err
			}
			if err := tx.UpdatePlayer(ctx, p); err != nil {
				return err
			}
		}
		j := s.newJournal()
		j.add(in.Account, 0, "deposit", int64(in.Amount))
		return j.flush(ctx, tx)
	})
	return p, err
}

// Withdraw debits the spendable balance. Moving the funds out is the caller's job.
func (s *Service) Withdraw(ctx context.Context, in TransferInput) (Player, error) {
	if in.Amount <= 0 {
		return Player{}, validationf("withdraw amount must be > 0")
	}
	var p Player
	err := s.update(ctx, func(tx Tx) error {
		if err := claimIdempotency(ctx, tx, in.Account, in.IdempotencyKey, "withdraw"); err != nil {
			return err
		}
		var err error
		if p, err = tx.Player(ctx, in.Account); err != nil {
			return err
		}
		if err := p.SubBalance(in.Amount); err != nil {
			return err
		}
		if err := tx.UpdatePlayer(ctx, p); err != nil {
			return err
		}
		j := s.newJournal()
		j.add(in.Account, 0, "withdraw", -int64(in.Amount))
		return j.flush(ctx, tx)
	})
	return p, err
}

func (s *Service) ClaimVesting(ctx context.Context, account string) (Player, error) {
	var p Player
	err := s.update(ctx, func(tx Tx) error {
		var err error
		if p, err = tx.Player(ctx, account); err != nil {
			return err
		}
		claimed, err := p.ClaimVesting()
		if err != nil {
			return err
		}
		if err := tx.UpdatePlayer(ctx, p); err != nil {
			return err
		}
		j := s.newJournal()
		j.add(account, 0, "vesting_claim", int64(claimed))
		return j.flush(ctx, tx)
	})
	return p, err
}

// Forget removes a player with empty balances who refers nobody and wins no
// branch.
func (s *Service) Forget(ctx context.Context, account string) error {
	if account == s.house {
		return validationf("house account cannot be removed")
	}
	return s.update(ctx, func(tx Tx) error {
		p, err := tx.Player(ctx, account)
		if err != nil {
			return err
		}
		if p.ActiveBalance != 0 || p.VestingBalance != 0 {
			return conflictf("account %s still holds %s active and %s vesting", account, p.ActiveBalance, p.VestingBalance)
		}
		won, err := tx.BranchesByWinner(ctx, account)
		if err != nil {
			return err
		}
		if len(won) > 0 {
			return conflictf("account %s is the winner of branch %d", account, won[0].ID)
		}
		own, err := tx.Channel(ctx, account)
		switch {
		case err == nil:
			if own.Height > 0 {
				return conflictf("account %s is a referrer with %d subscribers", account, own.Height)
			}
			if own.Balance != 0 {
				return conflictf("account %s has %s unmerged channel balance", account, own.Balance)
			}
			if err := tx.DeleteChannel(ctx, account); err != nil {
				return err
			}
		case !errors.Is(err, ErrNotFound):
			return err
		}
		if err := subChannel(ctx, tx, p.Channel); err != nil {
			return err
		}
		return tx.DeletePlayer(ctx, account)
	})
}

// SwitchBranch positions the player at the root level of a startable branch.
func (s *Service) SwitchBranch(ctx context.Context, account string, branchID int64) (Player, error) {
	var p Player
	err := s.update(ctx, func(tx Tx) error {
		var err error
		if p, err = tx.Player(ctx, account); err != nil {
			return err
		}
		b, err := tx.Branch(ctx, branchID)
		if err != nil {
			return err
		}
		if err := b.CheckStart(); err != nil {
			return err
		}
		p.LevelID = b.RootLevelID
		p.State = StateSafe
		p.TryPosition = 0
		p.CurrentPosition = 0
		p.TriesLeft = 0
		return tx.UpdatePlayer(ctx, p)
	})
	return p, err
}
