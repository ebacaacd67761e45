package game

import (
	"context"
	"errors"
	"strings"
)

func (s *Service) CreatePreset(ctx context.Context, owner string, p Preset, idempotencyKey string) (int64, error) {
	p.Owner = owner
	p.Name = strings.TrimSpace(p.Name)
	p.URL = strings.TrimSpace(p.URL)
	if err := p.Validate(); err != nil {
		return 0, err
	}
	err := s.update(ctx, func(tx Tx) error {
		if err := claimIdempotency(ctx, tx, owner, idempotencyKey, "create_preset"); err != nil {
			return err
		}
		if _, err := tx.Player(ctx, owner); err != nil {
			return err
		}
		p.ID = 0
		return tx.InsertPreset(ctx, &p)
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("preset created", "preset_id", p.ID, "owner", owner)
	return p.ID, nil
}

// UpdatePreset replaces the economics of an unused preset owned by owner.
func (s *Service) UpdatePreset(ctx context.Context, owner string, p Preset) error {
	p.Name = strings.TrimSpace(p.Name)
	p.URL = strings.TrimSpace(p.URL)
	if err := p.Validate(); err != nil {
		return err
	}
	return s.update(ctx, func(tx Tx) error {
		cur, err := tx.Preset(ctx, p.ID)
		if err != nil {
			return err
		}
		if cur.Owner != owner {
			return unauthorizedf("preset %d is owned by %s", p.ID, cur.Owner)
		}
		if err := checkPresetNotInUse(ctx, tx, p.ID); err != nil {
			return err
		}
		p.Owner = cur.Owner
		return tx.UpdatePreset(ctx, p)
	})
}

func (s *Service) RemovePreset(ctx context.Context, owner string, id int64) error {
	return s.update(ctx, func(tx Tx) error {
		cur, err := tx.Preset(ctx, id)
		if err != nil {
			return err
		}
		if cur.Owner != owner {
			return unauthorizedf("preset %d is owned by %s", id, cur.Owner)
		}
		if err := checkPresetNotInUse(ctx, tx, id); err != nil {
			return err
		}
		return tx.DeletePreset(ctx, id)
	})
}

func (s *Service) Preset(ctx context.Context, id int64) (Preset, error) {
	var p Preset
	err := s.view(ctx, func(tx Tx) error {
		var err error
		p, err = tx.Preset(ctx, id)
		return err
	})
	return p, err
}

func checkPresetNotInUse(ctx context.Context, tx Tx, presetID int64) error {
	b, err := tx.BranchByPreset(ctx, presetID)
	if err == nil {
		return conflictf("preset %d is already used by branch %d", presetID, b.ID)
	}
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
