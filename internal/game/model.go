package game

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// HouseSharePct is the default share of root-branch funding kept by the house.
	HouseSharePct = int64(10)

	maxPresetNameLen = 64
	maxPresetURLLen  = 256
)

var accountRE = regexp.MustCompile(`^[a-z0-9_]{3,24}$`)

// ValidateAccount checks an account name: 3-24 chars of a-z, 0-9 and underscore.
func ValidateAccount(account string) error {
	if !accountRE.MatchString(account) {
		return validationf("account %q must be 3-24 chars of a-z, 0-9 or '_'", account)
	}
	return nil
}

type Preset struct {
	ID    int64  `json:"id"`
	Owner string `json:"owner"`

	LevelLength int `json:"level_length"`
	LevelGreens int `json:"level_greens"`
	LevelReds   int `json:"level_reds"`

	UnjailMin         Amount `json:"unjail_min"`
	UnjailRate        int64  `json:"unjail_rate"`
	UnjailIntervalSec int64  `json:"unjail_interval_sec"`
	TickRate          int64  `json:"tick_rate"`
	TickIntervalSec   int64  `json:"tick_interval_sec"`
	NextRate          int64  `json:"next_rate"`
	SplitRate         int64  `json:"split_rate"`
	StakeMin          Amount `json:"stake_min"`
	StakeRate         int64  `json:"stake_rate"`
	PotMin            Amount `json:"pot_min"`
	SalesRate         int64  `json:"sales_rate"`
	WinnerRate        int64  `json:"winner_rate"`

	Name string `json:"name"`
	URL  string `json:"url"`
}

func (p Preset) Validate() error {
	if p.LevelGreens < 1 {
		return validationf("level_greens must be >= 1")
	}
	if p.LevelReds < 1 {
		return validationf("level_reds must be >= 1")
	}
	if p.LevelLength < p.LevelGreens+p.LevelReds {
		return validationf("level_length %d must be >= level_greens + level_reds (%d)", p.LevelLength, p.LevelGreens+p.LevelReds)
	}
	rates := []struct {
		name string
		v    int64
	}{
		{"unjail_rate", p.UnjailRate},
		{"tick_rate", p.TickRate},
		{"next_rate", p.NextRate},
		{"split_rate", p.SplitRate},
		{"stake_rate", p.StakeRate},
		{"sales_rate", p.SalesRate},
		{"winner_rate", p.WinnerRate},
	}
	for _, r := range rates {
		if r.v < 0 || r.v > 100 {
			return validationf("%s must be within [0,100], got %d", r.name, r.v)
		}
	}
	if p.StakeRate == 0 {
		return validationf("stake_rate must be > 0")
	}
	if p.SplitRate == 0 {
		return validationf("split_rate must be > 0")
	}
	if p.UnjailMin < 0 || p.StakeMin < 0 || p.PotMin < 0 {
		return validationf("preset amounts must be >= 0")
	}
	if p.UnjailIntervalSec < 0 || p.TickIntervalSec < 0 {
		return validationf("preset intervals must be >= 0")
	}
	if len(strings.TrimSpace(p.Name)) > maxPresetNameLen {
		return validationf("name must be at most %d chars", maxPresetNameLen)
	}
	if len(strings.TrimSpace(p.URL)) > maxPresetURLLen {
		return validationf("url must be at most %d chars", maxPresetURLLen)
	}
	return nil
}

// MinimumPot is the smallest root pot whose split-off stake still clears StakeMin:
// pot*split%*stake% >= StakeMin, i.e. ((StakeMin*100/StakeRate)*100)/SplitRate.
func (p Preset) MinimumPot() (Amount, error) {
	if p.StakeRate <= 0 || p.SplitRate <= 0 {
		return 0, validationf("stake_rate and split_rate must be > 0")
	}
	v, err := p.StakeMin.MulDiv(100, p.StakeRate)
	if err != nil {
		return 0, err
	}
	return v.MulDiv(100, p.SplitRate)
}

type Branch struct {
	ID          int64     `json:"id"`
	Owner       string    `json:"owner"`
	PresetID    int64     `json:"preset_id"`
	ParentID    int64     `json:"parent_id"`
	Generation  int64     `json:"generation"`
	TotalStake  Amount    `json:"total_stake"`
	RootLevelID int64     `json:"root_level_id"`
	Winner      string    `json:"winner,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	// TotalRevenue is gross revenue ever received; ParentRevenue and
	// WinnerRevenue are the cumulative amounts already paid out of it.
	TotalRevenue  Amount    `json:"total_revenue"`
	ParentRevenue Amount    `json:"parent_revenue"`
	WinnerRevenue Amount    `json:"winner_revenue"`
	ProcessedAt   time.Time `json:"processed_at"`
}

func (b Branch) IsRoot() bool { return b.ParentID == 0 }

// Dirty reports whether the branch holds revenue not yet allocated.
func (b Branch) Dirty() bool { return b.ProcessedAt.IsZero() }

// Residual is the part of revenue left to stakeholders.
func (b Branch) Residual() Amount {
	return b.TotalRevenue - b.ParentRevenue - b.WinnerRevenue
}

type Stake struct {
	ID       int64  `json:"id"`
	BranchID int64  `json:"branch_id"`
	Owner    string `json:"owner"`
	Amount   Amount `json:"amount"`
}

type PlayerState uint8

const (
	StateInit PlayerState = iota
	StateSafe
	StateGreen
	StateRed
	StateTake
)

var playerStateNames = [...]string{"init", "safe", "green", "red", "take"}

func (s PlayerState) String() string {
	if int(s) < len(playerStateNames) {
		return playerStateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s PlayerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PlayerState) UnmarshalText(b []byte) error {
	for i, name := range playerStateNames {
		if name == string(b) {
			*s = PlayerState(i)
			return nil
		}
	}
	return validationf("unknown player state %q", string(b))
}

type Player struct {
	Account         string      `json:"account"`
	Channel         string      `json:"channel"`
	LevelID         int64       `json:"level_id"`
	ActiveBalance   Amount      `json:"active_balance"`
	VestingBalance  Amount      `json:"vesting_balance"`
	TryPosition     int         `json:"try_position"`
	CurrentPosition int         `json:"current_position"`
	TriesLeft       int         `json:"tries_left"`
	State           PlayerState `json:"state"`
	ResultAt        time.Time   `json:"result_at"`
	SecretHash      []byte      `json:"-"`
	CreatedAt       time.Time   `json:"created_at"`
}

// SubBalance debits the spendable balance; on failure the balance is unchanged.
func (p *Player) SubBalance(amount Amount) error {
	if amount < 0 {
		return ErrNegativeAmount
	}
	if p.ActiveBalance < amount {
		return fmt.Errorf("%w: balance %s does not cover %s", ErrInsufficientFunds, p.ActiveBalance, amount)
	}
	p.ActiveBalance -= amount
	return nil
}

func (p *Player) AddBalance(amount Amount) error {
	next, err := p.ActiveBalance.Add(amount)
	if err != nil {
		return err
	}
	p.ActiveBalance = next
	return nil
}

// ClaimVesting moves the vesting balance into the spendable balance.
func (p *Player) ClaimVesting() (Amount, error) {
	claimed := p.VestingBalance
	if claimed == 0 {
		return 0, conflictf("no vesting balance to claim")
	}
	if err := p.AddBalance(claimed); err != nil {
		return 0, err
	}
	p.VestingBalance = 0
	return claimed, nil
}

type Channel struct {
	Owner   string `json:"owner"`
	Height  int64  `json:"height"`
	Balance Amount `json:"balance"`
}

type Level struct {
	ID            int64     `json:"id"`
	BranchID      int64     `json:"branch_id"`
	Owner         string    `json:"owner"`
	PresetID      int64     `json:"preset_id"`
	ParentLevelID int64     `json:"parent_level_id"`
	Pot           Amount    `json:"pot"`
	CreatedAt     time.Time `json:"created_at"`
}

type JournalEntry struct {
	ID        int64     `json:"id"`
	GroupID   string    `json:"group_id"`
	Account   string    `json:"account"`
	BranchID  int64     `json:"branch_id,omitempty"`
	Action    string    `json:"action"`
	Delta     int64     `json:"delta"`
	CreatedAt time.Time `json:"created_at"`
}
