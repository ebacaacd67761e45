package game

import "context"

// Store runs fn inside a single transaction. Update commits when fn returns nil
// and rolls back every write otherwise. Rows read through an Update Tx are held
// exclusively until the transaction ends.
type Store interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
}

type Tx interface {
	PresetStore
	BranchStore
	StakeStore
	PlayerStore
	ChannelStore
	LevelStore
	JournalStore

	// ClaimIdempotency records (actor, key); a second claim returns ErrDuplicateIdempotency.
	ClaimIdempotency(ctx context.Context, actor, key, action string) error
}

type PresetStore interface {
	Preset(ctx context.Context, id int64) (Preset, error)
	InsertPreset(ctx context.Context, p *Preset) error
	UpdatePreset(ctx context.Context, p Preset) error
	DeletePreset(ctx context.Context, id int64) error
}

type BranchStore interface {
	Branch(ctx context.Context, id int64) (Branch, error)
	// BranchByPreset returns ErrNotFound when no branch references the preset.
	BranchByPreset(ctx context.Context, presetID int64) (Branch, error)
	ChildBranches(ctx context.Context, parentID int64) ([]Branch, error)
	BranchesByWinner(ctx context.Context, winner string) ([]Branch, error)
	// DirtyBranches lists unprocessed branches, deepest generation first.
	DirtyBranches(ctx context.Context, limit int) ([]Branch, error)
	InsertBranch(ctx context.Context, b *Branch) error
	UpdateBranch(ctx context.Context, b Branch) error
	DeleteBranch(ctx context.Context, id int64) error
}

type StakeStore interface {
	Stake(ctx context.Context, owner string, branchID int64) (Stake, error)
	StakesByBranch(ctx context.Context, branchID int64) ([]Stake, error)
	InsertStake(ctx context.Context, s *Stake) error
	UpdateStake(ctx context.Context, s Stake) error
	DeleteStakesByBranch(ctx context.Context, branchID int64) error
}

type PlayerStore interface {
	Player(ctx context.Context, account string) (Player, error)
	InsertPlayer(ctx context.Context, p Player) error
	UpdatePlayer(ctx context.Context, p Player) error
	DeletePlayer(ctx context.Context, account string) error
}

type ChannelStore interface {
	Channel(ctx context.Context, owner string) (Channel, error)
	PutChannel(ctx context.Context, c Channel) error
	DeleteChannel(ctx context.Context, owner string) error
}

type LevelStore interface {
	Level(ctx context.Context, id int64) (Level, error)
	InsertLevel(ctx context.Context, l *Level) error
	UpdateLevel(ctx context.Context, l Level) error
}

type JournalStore interface {
	AppendJournal(ctx context.Context, entries []JournalEntry) error
	// JournalByAccount returns the newest entries first.
	JournalByAccount(ctx context.Context, account string, limit int) ([]JournalEntry, error)
}
