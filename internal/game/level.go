package game

import "context"

// Levels stand in for the round collaborator: a level only carries its pot here,
// cell generation and outcomes live elsewhere.

func createLevel(ctx context.Context, tx Tx, l Level) (int64, error) {
	if l.Pot < 0 {
		return 0, ErrNegativeAmount
	}
	l.ID = 0
	if err := tx.InsertLevel(ctx, &l); err != nil {
		return 0, err
	}
	return l.ID, nil
}

func addToPot(ctx context.Context, tx Tx, levelID int64, amount Amount) error {
	l, err := tx.Level(ctx, levelID)
	if err != nil {
		return err
	}
	if l.Pot, err = l.Pot.Add(amount); err != nil {
		return err
	}
	return tx.UpdateLevel(ctx, l)
}

func (s *Service) Level(ctx context.Context, id int64) (Level, error) {
	var l Level
	err := s.view(ctx, func(tx Tx) error {
		var err error
		l, err = tx.Level(ctx, id)
		return err
	})
	return l, err
}
