package game

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const DefaultHouseAccount = "house"

type Options struct {
	HouseAccount string
	// HouseSharePct is used as given, zero included; out of range values
	// fall back to HouseSharePct.
	HouseSharePct int64
	Clock         clockwork.Clock
}

// Service is the ledger core. Mutating calls are serialized and each one runs
// in a single store transaction, so a failed call leaves no partial state.
type Service struct {
	store         Store
	log           *slog.Logger
	clock         clockwork.Clock
	house         string
	houseSharePct int64
	mu            sync.Mutex
}

func NewService(store Store, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if strings.TrimSpace(opts.HouseAccount) == "" {
		opts.HouseAccount = DefaultHouseAccount
	}
	if opts.HouseSharePct < 0 || opts.HouseSharePct > 100 {
		opts.HouseSharePct = HouseSharePct
	}
	return &Service{
		store:         store,
		log:           logger,
		clock:         opts.Clock,
		house:         opts.HouseAccount,
		houseSharePct: opts.HouseSharePct,
	}
}

func (s *Service) House() string { return s.house }

func (s *Service) IsHouse(account string) bool { return account == s.house }

// EnsureHouse registers the house player and its sales channel if missing.
// A non-empty secretHash replaces the stored house credential.
func (s *Service) EnsureHouse(ctx context.Context, secretHash []byte) error {
	return s.update(ctx, func(tx Tx) error {
		p, err := tx.Player(ctx, s.house)
		if err == nil {
			if len(secretHash) == 0 {
				return nil
			}
			p.SecretHash = secretHash
			return tx.UpdatePlayer(ctx, p)
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		now := s.now()
		house := Player{Account: s.house, Channel: s.house, State: StateInit, SecretHash: secretHash, CreatedAt: now}
		if err := tx.InsertPlayer(ctx, house); err != nil {
			return err
		}
		return tx.PutChannel(ctx, Channel{Owner: s.house})
	})
}

func (s *Service) update(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Update(ctx, fn)
}

func (s *Service) view(ctx context.Context, fn func(Tx) error) error {
	return s.store.View(ctx, fn)
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *Service) requireHouse(actor string) error {
	if actor != s.house {
		return unauthorizedf("only %s may perform this action", s.house)
	}
	return nil
}

// claimIdempotency is a no-op for an empty key.
func claimIdempotency(ctx context.Context, tx Tx, actor, key, action string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return tx.ClaimIdempotency(ctx, actor, key, action)
}

// journal groups the balance movements of one operation under a shared id.
type journal struct {
	group   string
	at      time.Time
	entries []JournalEntry
}

func (s *Service) newJournal() *journal {
	return &journal{group: uuid.NewString(), at: s.now()}
}

func (j *journal) add(account string, branchID int64, action string, delta int64) {
	if delta == 0 {
		return
	}
	j.entries = append(j.entries, JournalEntry{
		GroupID:   j.group,
		Account:   account,
		BranchID:  branchID,
		Action:    action,
		Delta:     delta,
		CreatedAt: j.at,
	})
}

func (j *journal) flush(ctx context.Context, tx Tx) error {
	if len(j.entries) == 0 {
		return nil
	}
	return tx.AppendJournal(ctx, j.entries)
}

func (s *Service) Journal(ctx context.Context, account string, limit int) ([]JournalEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []JournalEntry
	err := s.view(ctx, func(tx Tx) error {
		var err error
		out, err = tx.JournalByAccount(ctx, account, limit)
		return err
	})
	return out, err
}
