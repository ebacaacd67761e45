package game

import (
	"context"
	"errors"
)

// upsertChannel counts one more subscriber of owner's channel.
func upsertChannel(ctx context.Context, tx Tx, owner string) error {
	c, err := tx.Channel(ctx, owner)
	if errors.Is(err, ErrNotFound) {
		return tx.PutChannel(ctx, Channel{Owner: owner, Height: 1})
	}
	if err != nil {
		return err
	}
	c.Height++
	return tx.PutChannel(ctx, c)
}

func subChannel(ctx context.Context, tx Tx, owner string) error {
	c, err := tx.Channel(ctx, owner)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.Height > 0 {
		c.Height--
	}
	return tx.PutChannel(ctx, c)
}

func (s *Service) Channel(ctx context.Context, owner string) (Channel, error) {
	var c Channel
	err := s.view(ctx, func(tx Tx) error {
		var err error
		c, err = tx.Channel(ctx, owner)
		return err
	})
	return c, err
}

// AddChannelBalance credits sales revenue to a channel. House only.
func (s *Service) AddChannelBalance(ctx context.Context, in TransferInput) (Channel, error) {
	if err := s.requireHouse(in.Actor); err != nil {
		return Channel{}, err
	}
	if in.Amount <= 0 {
		return Channel{}, validationf("channel amount must be > 0")
	}
	var c Channel
	err := s.update(ctx, func(tx Tx) error {
		if err := claimIdempotency(ctx, tx, in.Actor, in.IdempotencyKey, "channel_revenue"); err != nil {
			return err
		}
		var err error
		if c, err = tx.Channel(ctx, in.Account); err != nil {
			return err
		}
		if c.Balance, err = c.Balance.Add(in.Amount); err != nil {
			return err
		}
		return tx.PutChannel(ctx, c)
	})
	return c, err
}

// MergeChannel zeroes the channel balance and credits it to the owner.
func (s *Service) MergeChannel(ctx context.Context, owner string) (Amount, error) {
	var merged Amount
	err := s.update(ctx, func(tx Tx) error {
		c, err := tx.Channel(ctx, owner)
		if err != nil {
			return err
		}
		if c.Balance == 0 {
			return conflictf("channel %s has nothing to merge", owner)
		}
		p, err := tx.Player(ctx, owner)
		if err != nil {
			return err
		}
		if err := p.AddBalance(c.Balance); err != nil {
			return err
		}
		merged = c.Balance
		c.Balance = 0
		if err := tx.UpdatePlayer(ctx, p); err != nil {
			return err
		}
		if err := tx.PutChannel(ctx, c); err != nil {
			return err
		}
		j := s.newJournal()
		j.add(owner, 0, "channel_merge", int64(merged))
		return j.flush(ctx, tx)
	})
	return merged, err
}
