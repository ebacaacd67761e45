package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"treepot/internal/game"
)

const (
	maxTxAttempts = 8
	txRetryDelay  = 75 * time.Millisecond
	txRetryMax    = 1200 * time.Millisecond
)

// Store is a game.Store on PostgreSQL. Update runs SERIALIZABLE transactions
// that lock every row they read; serialization failures are retried.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

var _ game.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, log: logger}
}

func (s *Store) Update(ctx context.Context, fn func(game.Tx) error) error {
	err := retry.Do(
		func() error {
			return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, true, fn)
		},
		retry.Context(ctx),
		retry.Attempts(maxTxAttempts),
		retry.Delay(txRetryDelay),
		retry.MaxDelay(txRetryMax),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isSerializationError),
		retry.OnRetry(func(n uint, err error) {
			s.log.Debug("retrying serializable transaction", "attempt", n+1, "err", err)
		}),
	)
	if isSerializationError(err) {
		return fmt.Errorf("%w: %v", game.ErrTxConflict, err)
	}
	return err
}

func (s *Store) View(ctx context.Context, fn func(game.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, false, fn)
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, forUpdate bool, fn func(game.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx, forUpdate: forUpdate}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type pgTx struct {
	tx        pgx.Tx
	forUpdate bool
}

var _ game.Tx = (*pgTx)(nil)

// lock is appended to row reads inside Update transactions.
func (t *pgTx) lock() string {
	if t.forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

func notFound(err error, kind string, key any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %v", game.ErrNotFound, kind, key)
	}
	return err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func fromNullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// ---------------------------------------------------------------------------
// Presets
// ---------------------------------------------------------------------------

const presetColumns = `id, owner, level_length, level_greens, level_reds, unjail_min, unjail_rate,
	unjail_interval_sec, tick_rate, tick_interval_sec, next_rate, split_rate, stake_min,
	stake_rate, pot_min, sales_rate, winner_rate, name, url`

func scanPreset(row pgx.Row) (game.Preset, error) {
	var p game.Preset
	err := row.Scan(&p.ID, &p.Owner, &p.LevelLength, &p.LevelGreens, &p.LevelReds, &p.UnjailMin,
		&p.UnjailRate, &p.UnjailIntervalSec, &p.TickRate, &p.TickIntervalSec, &p.NextRate,
		&p.SplitRate, &p.StakeMin, &p.StakeRate, &p.PotMin, &p.SalesRate, &p.WinnerRate,
		&p.Name, &p.URL)
	return p, err
}

func (t *pgTx) Preset(ctx context.Context, id int64) (game.Preset, error) {
	p, err := scanPreset(t.tx.QueryRow(ctx, `SELECT `+presetColumns+` FROM treepot.presets WHERE id = $1`+t.lock(), id))
	if err != nil {
		return p, notFound(err, "preset", id)
	}
	return p, nil
}

func (t *pgTx) InsertPreset(ctx context.Context, p *game.Preset) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO treepot.presets (owner, level_length, level_greens, level_reds, unjail_min, unjail_rate,
			unjail_interval_sec, tick_rate, tick_interval_sec, next_rate, split_rate, stake_min,
			stake_rate, pot_min, sales_rate, winner_rate, name, url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id
	`, p.Owner, p.LevelLength, p.LevelGreens, p.LevelReds, p.UnjailMin, p.UnjailRate,
		p.UnjailIntervalSec, p.TickRate, p.TickIntervalSec, p.NextRate, p.SplitRate, p.StakeMin,
		p.StakeRate, p.PotMin, p.SalesRate, p.WinnerRate, p.Name, p.URL).Scan(&p.ID)
}

func (t *pgTx) UpdatePreset(ctx context.Context, p game.Preset) error {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE treepot.presets
		SET level_length = $2, level_greens = $3, level_reds = $4, unjail_min = $5, unjail_rate = $6,
			unjail_interval_sec = $7, tick_rate = $8, tick_interval_sec = $9, next_rate = $10,
			split_rate = $11, stake_min = $12, stake_rate = $13, pot_min = $14, sales_rate = $15,
			winner_rate = $16, name = $17, url = $18
		WHERE id = $1
	`, p.ID, p.LevelLength, p.LevelGreens, p.LevelReds, p.UnjailMin, p.UnjailRate,
		p.UnjailIntervalSec, p.TickRate, p.TickIntervalSec, p.NextRate, p.SplitRate, p.StakeMin,
		p.StakeRate, p.PotMin, p.SalesRate, p.WinnerRate, p.Name, p.URL)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: preset %d", game.ErrNotFound, p.ID)
	}
	return nil
}

func (t *pgTx) DeletePreset(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM treepot.presets WHERE id = $1`, id)
	return err
}

// ---------------------------------------------------------------------------
// Branches
// ---------------------------------------------------------------------------

const branchColumns = `id, owner, preset_id, parent_id, generation, total_stake, root_level_id,
	winner, total_revenue, parent_revenue, winner_revenue, processed_at, created_at`

func scanBranch(row pgx.Row) (game.Branch, error) {
	var (
		b         game.Branch
		processed *time.Time
	)
	err := row.Scan(&b.ID, &b.Owner, &b.PresetID, &b.ParentID, &b.Generation, &b.TotalStake,
		&b.RootLevelID, &b.Winner, &b.TotalRevenue, &b.ParentRevenue, &b.WinnerRevenue,
		&processed, &b.CreatedAt)
	b.ProcessedAt = fromNullTime(processed)
	b.CreatedAt = b.CreatedAt.UTC()
	return b, err
}

func (t *pgTx) branches(ctx context.Context, query string, args ...any) ([]game.Branch, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []game.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *pgTx) Branch(ctx context.Context, id int64) (game.Branch, error) {
	b, err := scanBranch(t.tx.QueryRow(ctx, `SELECT `+branchColumns+` FROM treepot.branches WHERE id = $1`+t.lock(), id))
	if err != nil {
		return b, notFound(err, "branch", id)
	}
	return b, nil
}

func (t *pgTx) BranchByPreset(ctx context.Context, presetID int64) (game.Branch, error) {
	b, err := scanBranch(t.tx.QueryRow(ctx, `
		SELECT `+branchColumns+`
		FROM treepot.branches
		WHERE preset_id = $1
		ORDER BY id
		LIMIT 1`+t.lock(), presetID))
	if err != nil {
		return b, notFound(err, "branch for preset", presetID)
	}
	return b, nil
}

func (t *pgTx) ChildBranches(ctx context.Context, parentID int64) ([]game.Branch, error) {
	return t.branches(ctx, `SELECT `+branchColumns+` FROM treepot.branches WHERE parent_id = $1 ORDER BY id`, parentID)
}

func (t *pgTx) BranchesByWinner(ctx context.Context, winner string) ([]game.Branch, error) {
	return t.branches(ctx, `SELECT `+branchColumns+` FROM treepot.branches WHERE winner = $1 ORDER BY id`, winner)
}

func (t *pgTx) DirtyBranches(ctx context.Context, limit int) ([]game.Branch, error) {
	return t.branches(ctx, `
		SELECT `+branchColumns+`
		FROM treepot.branches
		WHERE processed_at IS NULL
		ORDER BY generation DESC, id
		LIMIT $1
	`, limit)
}

func (t *pgTx) InsertBranch(ctx context.Context, b *game.Branch) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO treepot.branches (owner, preset_id, parent_id, generation, total_stake, root_level_id,
			winner, total_revenue, parent_revenue, winner_revenue, processed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`, b.Owner, b.PresetID, b.ParentID, b.Generation, b.TotalStake, b.RootLevelID, b.Winner,
		b.TotalRevenue, b.ParentRevenue, b.WinnerRevenue, nullTime(b.ProcessedAt), b.CreatedAt).Scan(&b.ID)
}

func (t *pgTx) UpdateBranch(ctx context.Context, b game.Branch) error {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE treepot.branches
		SET total_stake = $2, root_level_id = $3, winner = $4, total_revenue = $5,
			parent_revenue = $6, winner_revenue = $7, processed_at = $8
		WHERE id = $1
	`, b.ID, b.TotalStake, b.RootLevelID, b.Winner, b.TotalRevenue, b.ParentRevenue,
		b.WinnerRevenue, nullTime(b.ProcessedAt))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: branch %d", game.ErrNotFound, b.ID)
	}
	return nil
}

func (t *pgTx) DeleteBranch(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM treepot.branches WHERE id = $1`, id)
	return err
}

// ---------------------------------------------------------------------------
// Stakes
// ---------------------------------------------------------------------------

func (t *pgTx) Stake(ctx context.Context, owner string, branchID int64) (game.Stake, error) {
	var st game.Stake
	err := t.tx.QueryRow(ctx, `
		SELECT id, branch_id, owner, amount
		FROM treepot.stakes
		WHERE owner = $1 AND branch_id = $2`+t.lock(), owner, branchID).Scan(&st.ID, &st.BranchID, &st.Owner, &st.Amount)
	if err != nil {
		return st, notFound(err, "stake", fmt.Sprintf("%s/%d", owner, branchID))
	}
	return st, nil
}

func (t *pgTx) StakesByBranch(ctx context.Context, branchID int64) ([]game.Stake, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, branch_id, owner, amount
		FROM treepot.stakes
		WHERE branch_id = $1
		ORDER BY id`+t.lock(), branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []game.Stake
	for rows.Next() {
		var st game.Stake
		if err := rows.Scan(&st.ID, &st.BranchID, &st.Owner, &st.Amount); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertStake(ctx context.Context, st *game.Stake) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO treepot.stakes (branch_id, owner, amount)
		VALUES ($1, $2, $3)
		RETURNING id
	`, st.BranchID, st.Owner, st.Amount).Scan(&st.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: stake %s/%d already exists", game.ErrConflict, st.Owner, st.BranchID)
	}
	return err
}

func (t *pgTx) UpdateStake(ctx context.Context, st game.Stake) error {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE treepot.stakes SET amount = $3 WHERE owner = $1 AND branch_id = $2
	`, st.Owner, st.BranchID, st.Amount)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: stake %s/%d", game.ErrNotFound, st.Owner, st.BranchID)
	}
	return nil
}

func (t *pgTx) DeleteStakesByBranch(ctx context.Context, branchID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM treepot.stakes WHERE branch_id = $1`, branchID)
	return err
}

// ---------------------------------------------------------------------------
// Players and channels
// ---------------------------------------------------------------------------

func (t *pgTx) Player(ctx context.Context, account string) (game.Player, error) {
	var (
		p        game.Player
		state    int16
		resultAt *time.Time
	)
	err := t.tx.QueryRow(ctx, `
		SELECT account, channel, level_id, active_balance, vesting_balance, try_position,
			current_position, tries_left, state, result_at, secret_hash, created_at
		FROM treepot.players
		WHERE account = $1`+t.lock(), account).Scan(&p.Account, &p.Channel, &p.LevelID,
		&p.ActiveBalance, &p.VestingBalance, &p.TryPosition, &p.CurrentPosition, &p.TriesLeft,
		&state, &resultAt, &p.SecretHash, &p.CreatedAt)
	if err != nil {
		return p, notFound(err, "player", account)
	}
	p.State = game.PlayerState(state)
	p.ResultAt = fromNullTime(resultAt)
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func (t *pgTx) InsertPlayer(ctx context.Context, p game.Player) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO treepot.players (account, channel, level_id, active_balance, vesting_balance,
			try_position, current_position, tries_left, state, result_at, secret_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, p.Account, p.Channel, p.LevelID, p.ActiveBalance, p.VestingBalance, p.TryPosition,
		p.CurrentPosition, p.TriesLeft, int16(p.State), nullTime(p.ResultAt), p.SecretHash, p.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: player %s already exists", game.ErrConflict, p.Account)
	}
	return err
}

func (t *pgTx) UpdatePlayer(ctx context.Context, p game.Player) error {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE treepot.players
		SET channel = $2, level_id = $3, active_balance = $4, vesting_balance = $5,
			try_position = $6, current_position = $7, tries_left = $8, state = $9,
			result_at = $10, secret_hash = $11
		WHERE account = $1
	`, p.Account, p.Channel, p.LevelID, p.ActiveBalance, p.VestingBalance, p.TryPosition,
		p.CurrentPosition, p.TriesLeft, int16(p.State), nullTime(p.ResultAt), p.SecretHash)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: player %s", game.ErrNotFound, p.Account)
	}
	return nil
}

func (t *pgTx) DeletePlayer(ctx context.Context, account string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM treepot.players WHERE account = $1`, account)
	return err
}

func (t *pgTx) Channel(ctx context.Context, owner string) (game.Channel, error) {
	var c game.Channel
	err := t.tx.QueryRow(ctx, `
		SELECT owner, height, balance FROM treepot.channels WHERE owner = $1`+t.lock(), owner).
		Scan(&c.Owner, &c.Height, &c.Balance)
	if err != nil {
		return c, notFound(err, "channel", owner)
	}
	return c, nil
}

func (t *pgTx) PutChannel(ctx context.Context, c game.Channel) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO treepot.channels (owner, height, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner) DO UPDATE SET height = EXCLUDED.height, balance = EXCLUDED.balance
	`, c.Owner, c.Height, c.Balance)
	return err
}

func (t *pgTx) DeleteChannel(ctx context.Context, owner string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM treepot.channels WHERE owner = $1`, owner)
	return err
}

// ---------------------------------------------------------------------------
// Levels
// ---------------------------------------------------------------------------

func (t *pgTx) Level(ctx context.Context, id int64) (game.Level, error) {
	var l game.Level
	err := t.tx.QueryRow(ctx, `
		SELECT id, branch_id, owner, preset_id, parent_level_id, pot, created_at
		FROM treepot.levels
		WHERE id = $1`+t.lock(), id).Scan(&l.ID, &l.BranchID, &l.Owner, &l.PresetID,
		&l.ParentLevelID, &l.Pot, &l.CreatedAt)
	if err != nil {
		return l, notFound(err, "level", id)
	}
	l.CreatedAt = l.CreatedAt.UTC()
	return l, nil
}

func (t *pgTx) InsertLevel(ctx context.Context, l *game.Level) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO treepot.levels (branch_id, owner, preset_id, parent_level_id, pot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, l.BranchID, l.Owner, l.PresetID, l.ParentLevelID, l.Pot, l.CreatedAt).Scan(&l.ID)
}

func (t *pgTx) UpdateLevel(ctx context.Context, l game.Level) error {
	cmd, err := t.tx.Exec(ctx, `UPDATE treepot.levels SET pot = $2 WHERE id = $1`, l.ID, l.Pot)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: level %d", game.ErrNotFound, l.ID)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Journal and idempotency
// ---------------------------------------------------------------------------

func (t *pgTx) AppendJournal(ctx context.Context, entries []game.JournalEntry) error {
	for i := range entries {
		e := &entries[i]
		err := t.tx.QueryRow(ctx, `
			INSERT INTO treepot.journal (group_id, account, branch_id, action, delta, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, e.GroupID, e.Account, e.BranchID, e.Action, e.Delta, e.CreatedAt).Scan(&e.ID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) JournalByAccount(ctx context.Context, account string, limit int) ([]game.JournalEntry, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, group_id::text, account, branch_id, action, delta, created_at
		FROM treepot.journal
		WHERE account = $1
		ORDER BY id DESC
		LIMIT $2
	`, account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []game.JournalEntry
	for rows.Next() {
		var e game.JournalEntry
		if err := rows.Scan(&e.ID, &e.GroupID, &e.Account, &e.BranchID, &e.Action, &e.Delta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) ClaimIdempotency(ctx context.Context, actor, key, action string) error {
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO treepot.idempotency_keys (actor, key, action, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (actor, key) DO NOTHING
	`, actor, key, action)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return game.ErrDuplicateIdempotency
	}
	return nil
}
