package game

type CreateBranchInput struct {
	Owner          string `json:"-"`
	PresetID       int64  `json:"preset_id"`
	Pot            Amount `json:"pot"`
	IdempotencyKey string `json:"-"`
}

type CreateChildInput struct {
	Owner          string `json:"-"`
	ParentID       int64  `json:"-"`
	Pot            Amount `json:"pot"`
	IdempotencyKey string `json:"-"`
}

type AddStakeInput struct {
	Owner          string `json:"-"`
	BranchID       int64  `json:"-"`
	Amount         Amount `json:"amount"`
	IdempotencyKey string `json:"-"`
}

type RevenueInput struct {
	Actor          string `json:"-"`
	BranchID       int64  `json:"-"`
	Amount         Amount `json:"amount"`
	IdempotencyKey string `json:"-"`
}

type TransferInput struct {
	Actor          string `json:"-"`
	Account        string `json:"-"`
	Amount         Amount `json:"amount"`
	IdempotencyKey string `json:"-"`
}

// Allocation is the outcome of one revenue-share pass over a branch.
type Allocation struct {
	BranchID    int64  `json:"branch_id"`
	ParentID    int64  `json:"parent_id,omitempty"`
	ParentDelta Amount `json:"parent_delta"`
	Winner      string `json:"winner,omitempty"`
	WinnerDelta Amount `json:"winner_delta"`
	Residual    Amount `json:"residual"`
}

type StakeView struct {
	BranchID int64  `json:"branch_id"`
	Owner    string `json:"owner"`
	Owned    Amount `json:"owned"`
	Total    Amount `json:"total"`
	Residual Amount `json:"residual"`
	Share    Amount `json:"share"`
}

type BranchView struct {
	Branch
	Residual Amount   `json:"residual"`
	Children []Branch `json:"children"`
	Stakes   []Stake  `json:"stakes"`
}
