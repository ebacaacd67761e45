package boltdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"treepot/internal/game"
)

var (
	bucketPresets          = []byte("presets")
	bucketBranches         = []byte("branches")
	bucketBranchesByPreset = []byte("branches_by_preset")
	bucketBranchesByParent = []byte("branches_by_parent")
	bucketBranchesDirty    = []byte("branches_dirty")
	bucketBranchesByWinner = []byte("branches_by_winner")
	bucketStakes           = []byte("stakes")
	bucketStakesByOwner    = []byte("stakes_by_owner")
	bucketStakesByBranch   = []byte("stakes_by_branch")
	bucketPlayers          = []byte("players")
	bucketChannels         = []byte("channels")
	bucketLevels           = []byte("levels")
	bucketJournal          = []byte("journal")
	bucketJournalByAccount = []byte("journal_by_account")
	bucketIdempotency      = []byte("idempotency_keys")

	// indexMark is the value stored under pure index keys.
	indexMark = []byte{1}

	allBuckets = [][]byte{
		bucketPresets, bucketBranches, bucketBranchesByPreset, bucketBranchesByParent,
		bucketBranchesDirty, bucketBranchesByWinner, bucketStakes, bucketStakesByOwner,
		bucketStakesByBranch, bucketPlayers, bucketChannels, bucketLevels, bucketJournal, bucketJournalByAccount,
		bucketIdempotency,
	}
)

// Store is a game.Store on a single bbolt file. bbolt allows one writer at a
// time, which gives every Update exclusive access to all rows.
type Store struct {
	db *bbolt.DB
}

var _ game.Store = (*Store)(nil)

// Open opens or creates the database at path. The parent directory is created
// if it does not exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("boltdb: create directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltdb: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Update(ctx context.Context, fn func(game.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *Store) View(ctx context.Context, fn func(game.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

type boltTx struct {
	tx *bbolt.Tx
}

var _ game.Tx = (*boltTx)(nil)

func (t *boltTx) b(name []byte) *bbolt.Bucket { return t.tx.Bucket(name) }

func idKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func keyID(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k))
}

// pairKey joins two ids so that a prefix scan on the first lists the second.
func pairKey(a, b int64) []byte {
	return append(idKey(a), idKey(b)...)
}

// nameKey joins a name and an id with a zero separator.
func nameKey(name string, id int64) []byte {
	k := append([]byte(name), 0)
	return append(k, idKey(id)...)
}

// dirtyKey sorts deeper generations first, then by id.
func dirtyKey(b game.Branch) []byte {
	return pairKey(math.MaxInt64-b.Generation, b.ID)
}

func nextID(b *bbolt.Bucket) (int64, error) {
	seq, err := b.NextSequence()
	if err != nil {
		return 0, fmt.Errorf("boltdb: next sequence: %w", err)
	}
	return int64(seq), nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func put(b *bbolt.Bucket, key []byte, v any) error {
	data, err := encodeGob(v)
	if err != nil {
		return fmt.Errorf("boltdb: encode: %w", err)
	}
	if err := b.Put(key, data); err != nil {
		return fmt.Errorf("boltdb: put: %w", err)
	}
	return nil
}

func get(b *bbolt.Bucket, key []byte, v any) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	if err := decodeGob(data, v); err != nil {
		return false, fmt.Errorf("boltdb: decode: %w", err)
	}
	return true, nil
}

func notFound(kind string, key any) error {
	return fmt.Errorf("%w: %s %v", game.ErrNotFound, kind, key)
}

// ---------------------------------------------------------------------------
// Presets
// ---------------------------------------------------------------------------

func (t *boltTx) Preset(_ context.Context, id int64) (game.Preset, error) {
	var p game.Preset
	ok, err := get(t.b(bucketPresets), idKey(id), &p)
	if err != nil {
		return p, err
	}
	if !ok {
		return p, notFound("preset", id)
	}
	return p, nil
}

func (t *boltTx) InsertPreset(_ context.Context, p *game.Preset) error {
	b := t.b(bucketPresets)
	id, err := nextID(b)
	if err != nil {
		return err
	}
	p.ID = id
	return put(b, idKey(id), p)
}

func (t *boltTx) UpdatePreset(ctx context.Context, p game.Preset) error {
	if _, err := t.Preset(ctx, p.ID); err != nil {
		return err
	}
	return put(t.b(bucketPresets), idKey(p.ID), p)
}

func (t *boltTx) DeletePreset(_ context.Context, id int64) error {
	return t.b(bucketPresets).Delete(idKey(id))
}

// ---------------------------------------------------------------------------
// Branches
// ---------------------------------------------------------------------------

func (t *boltTx) Branch(_ context.Context, id int64) (game.Branch, error) {
	var br game.Branch
	ok, err := get(t.b(bucketBranches), idKey(id), &br)
	if err != nil {
		return br, err
	}
	if !ok {
		return br, notFound("branch", id)
	}
	return br, nil
}

func (t *boltTx) BranchByPreset(ctx context.Context, presetID int64) (game.Branch, error) {
	c := t.b(bucketBranchesByPreset).Cursor()
	prefix := idKey(presetID)
	k, _ := c.Seek(prefix)
	if k == nil || !bytes.HasPrefix(k, prefix) {
		return game.Branch{}, notFound("branch for preset", presetID)
	}
	return t.Branch(ctx, keyID(k[8:]))
}

func (t *boltTx) ChildBranches(ctx context.Context, parentID int64) ([]game.Branch, error) {
	return t.branchesByPrefix(ctx, t.b(bucketBranchesByParent), idKey(parentID), 0)
}

func (t *boltTx) BranchesByWinner(ctx context.Context, winner string) ([]game.Branch, error) {
	return t.branchesByPrefix(ctx, t.b(bucketBranchesByWinner), append([]byte(winner), 0), 0)
}

func (t *boltTx) DirtyBranches(ctx context.Context, limit int) ([]game.Branch, error) {
	return t.branchesByPrefix(ctx, t.b(bucketBranchesDirty), nil, limit)
}

// branchesByPrefix loads branches whose id is the last 8 bytes of each index key.
func (t *boltTx) branchesByPrefix(ctx context.Context, idx *bbolt.Bucket, prefix []byte, limit int) ([]game.Branch, error) {
	var out []game.Branch
	c := idx.Cursor()
	k, _ := c.First()
	if len(prefix) > 0 {
		k, _ = c.Seek(prefix)
	}
	for ; k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		br, err := t.Branch(ctx, keyID(k[len(k)-8:]))
		if err != nil {
			return nil, err
		}
		out = append(out, br)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (t *boltTx) InsertBranch(_ context.Context, br *game.Branch) error {
	b := t.b(bucketBranches)
	id, err := nextID(b)
	if err != nil {
		return err
	}
	br.ID = id
	if err := put(b, idKey(id), br); err != nil {
		return err
	}
	if err := t.b(bucketBranchesByPreset).Put(pairKey(br.PresetID, id), indexMark); err != nil {
		return fmt.Errorf("boltdb: index branch by preset: %w", err)
	}
	if err := t.b(bucketBranchesByParent).Put(pairKey(br.ParentID, id), indexMark); err != nil {
		return fmt.Errorf("boltdb: index branch by parent: %w", err)
	}
	if br.Winner != "" {
		if err := t.b(bucketBranchesByWinner).Put(nameKey(br.Winner, id), indexMark); err != nil {
			return fmt.Errorf("boltdb: index branch by winner: %w", err)
		}
	}
	if br.Dirty() {
		return t.b(bucketBranchesDirty).Put(dirtyKey(*br), indexMark)
	}
	return nil
}

func (t *boltTx) UpdateBranch(ctx context.Context, br game.Branch) error {
	old, err := t.Branch(ctx, br.ID)
	if err != nil {
		return err
	}
	if old.PresetID != br.PresetID || old.ParentID != br.ParentID || old.Generation != br.Generation {
		return fmt.Errorf("%w: branch %d lineage is immutable", game.ErrValidation, br.ID)
	}
	if err := put(t.b(bucketBranches), idKey(br.ID), br); err != nil {
		return err
	}
	if old.Winner != br.Winner {
		byWinner := t.b(bucketBranchesByWinner)
		if old.Winner != "" {
			if err := byWinner.Delete(nameKey(old.Winner, br.ID)); err != nil {
				return err
			}
		}
		if br.Winner != "" {
			if err := byWinner.Put(nameKey(br.Winner, br.ID), indexMark); err != nil {
				return fmt.Errorf("boltdb: index branch by winner: %w", err)
			}
		}
	}
	dirty := t.b(bucketBranchesDirty)
	if br.Dirty() {
		return dirty.Put(dirtyKey(br), indexMark)
	}
	return dirty.Delete(dirtyKey(br))
}

func (t *boltTx) DeleteBranch(ctx context.Context, id int64) error {
	br, err := t.Branch(ctx, id)
	if err != nil {
		return err
	}
	if err := t.b(bucketBranchesByPreset).Delete(pairKey(br.PresetID, id)); err != nil {
		return err
	}
	if err := t.b(bucketBranchesByParent).Delete(pairKey(br.ParentID, id)); err != nil {
		return err
	}
	if err := t.b(bucketBranchesDirty).Delete(dirtyKey(br)); err != nil {
		return err
	}
	if br.Winner != "" {
		if err := t.b(bucketBranchesByWinner).Delete(nameKey(br.Winner, id)); err != nil {
			return err
		}
	}
	return t.b(bucketBranches).Delete(idKey(id))
}

// ---------------------------------------------------------------------------
// Stakes
// ---------------------------------------------------------------------------

func (t *boltTx) Stake(_ context.Context, owner string, branchID int64) (game.Stake, error) {
	var st game.Stake
	ref := t.b(bucketStakesByOwner).Get(nameKey(owner, branchID))
	if ref == nil {
		return st, notFound("stake", fmt.Sprintf("%s/%d", owner, branchID))
	}
	ok, err := get(t.b(bucketStakes), ref, &st)
	if err != nil {
		return st, err
	}
	if !ok {
		return st, fmt.Errorf("boltdb: stake index points at missing stake %d", keyID(ref))
	}
	return st, nil
}

func (t *boltTx) StakesByBranch(_ context.Context, branchID int64) ([]game.Stake, error) {
	var out []game.Stake
	stakes := t.b(bucketStakes)
	prefix := idKey(branchID)
	c := t.b(bucketStakesByBranch).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		var st game.Stake
		ok, err := get(stakes, k[8:], &st)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("boltdb: stake index points at missing stake %d", keyID(k[8:]))
		}
		out = append(out, st)
	}
	return out, nil
}

func (t *boltTx) InsertStake(_ context.Context, st *game.Stake) error {
	byOwner := t.b(bucketStakesByOwner)
	ownerKey := nameKey(st.Owner, st.BranchID)
	if byOwner.Get(ownerKey) != nil {
		return fmt.Errorf("%w: stake %s/%d already exists", game.ErrConflict, st.Owner, st.BranchID)
	}
	b := t.b(bucketStakes)
	id, err := nextID(b)
	if err != nil {
		return err
	}
	st.ID = id
	if err := put(b, idKey(id), st); err != nil {
		return err
	}
	if err := byOwner.Put(ownerKey, idKey(id)); err != nil {
		return fmt.Errorf("boltdb: index stake by owner: %w", err)
	}
	if err := t.b(bucketStakesByBranch).Put(pairKey(st.BranchID, id), indexMark); err != nil {
		return fmt.Errorf("boltdb: index stake by branch: %w", err)
	}
	return nil
}

func (t *boltTx) UpdateStake(ctx context.Context, st game.Stake) error {
	cur, err := t.Stake(ctx, st.Owner, st.BranchID)
	if err != nil {
		return err
	}
	st.ID = cur.ID
	return put(t.b(bucketStakes), idKey(st.ID), st)
}

func (t *boltTx) DeleteStakesByBranch(ctx context.Context, branchID int64) error {
	stakes, err := t.StakesByBranch(ctx, branchID)
	if err != nil {
		return err
	}
	for _, st := range stakes {
		if err := t.b(bucketStakesByOwner).Delete(nameKey(st.Owner, st.BranchID)); err != nil {
			return err
		}
		if err := t.b(bucketStakesByBranch).Delete(pairKey(st.BranchID, st.ID)); err != nil {
			return err
		}
		if err := t.b(bucketStakes).Delete(idKey(st.ID)); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Players and channels
// ---------------------------------------------------------------------------

func (t *boltTx) Player(_ context.Context, account string) (game.Player, error) {
	var p game.Player
	ok, err := get(t.b(bucketPlayers), []byte(account), &p)
	if err != nil {
		return p, err
	}
	if !ok {
		return p, notFound("player", account)
	}
	return p, nil
}

func (t *boltTx) InsertPlayer(_ context.Context, p game.Player) error {
	b := t.b(bucketPlayers)
	if b.Get([]byte(p.Account)) != nil {
		return fmt.Errorf("%w: player %s already exists", game.ErrConflict, p.Account)
	}
	return put(b, []byte(p.Account), p)
}

func (t *boltTx) UpdatePlayer(ctx context.Context, p game.Player) error {
	if _, err := t.Player(ctx, p.Account); err != nil {
		return err
	}
	return put(t.b(bucketPlayers), []byte(p.Account), p)
}

func (t *boltTx) DeletePlayer(_ context.Context, account string) error {
	return t.b(bucketPlayers).Delete([]byte(account))
}

func (t *boltTx) Channel(_ context.Context, owner string) (game.Channel, error) {
	var c game.Channel
	ok, err := get(t.b(bucketChannels), []byte(owner), &c)
	if err != nil {
		return c, err
	}
	if !ok {
		return c, notFound("channel", owner)
	}
	return c, nil
}

func (t *boltTx) PutChannel(_ context.Context, c game.Channel) error {
	return put(t.b(bucketChannels), []byte(c.Owner), c)
}

func (t *boltTx) DeleteChannel(_ context.Context, owner string) error {
	return t.b(bucketChannels).Delete([]byte(owner))
}

// ---------------------------------------------------------------------------
// Levels
// ---------------------------------------------------------------------------

func (t *boltTx) Level(_ context.Context, id int64) (game.Level, error) {
	var l game.Level
	ok, err := get(t.b(bucketLevels), idKey(id), &l)
	if err != nil {
		return l, err
	}
	if !ok {
		return l, notFound("level", id)
	}
	return l, nil
}

func (t *boltTx) InsertLevel(_ context.Context, l *game.Level) error {
	b := t.b(bucketLevels)
	id, err := nextID(b)
	if err != nil {
		return err
	}
	l.ID = id
	return put(b, idKey(id), l)
}

func (t *boltTx) UpdateLevel(ctx context.Context, l game.Level) error {
	if _, err := t.Level(ctx, l.ID); err != nil {
		return err
	}
	return put(t.b(bucketLevels), idKey(l.ID), l)
}

// ---------------------------------------------------------------------------
// Journal and idempotency
// ---------------------------------------------------------------------------

func (t *boltTx) AppendJournal(_ context.Context, entries []game.JournalEntry) error {
	b := t.b(bucketJournal)
	idx := t.b(bucketJournalByAccount)
	for i := range entries {
		id, err := nextID(b)
		if err != nil {
			return err
		}
		entries[i].ID = id
		if err := put(b, idKey(id), entries[i]); err != nil {
			return err
		}
		if err := idx.Put(nameKey(entries[i].Account, id), indexMark); err != nil {
			return fmt.Errorf("boltdb: index journal: %w", err)
		}
	}
	return nil
}

func (t *boltTx) JournalByAccount(_ context.Context, account string, limit int) ([]game.JournalEntry, error) {
	var out []game.JournalEntry
	b := t.b(bucketJournal)
	prefix := append([]byte(account), 0)
	c := t.b(bucketJournalByAccount).Cursor()

	// Walk backwards from the end of the prefix range for newest first.
	k, _ := c.Seek(append(append([]byte(account), 0), bytes.Repeat([]byte{0xff}, 8)...))
	if k == nil {
		k, _ = c.Last()
	} else if !bytes.HasPrefix(k, prefix) {
		k, _ = c.Prev()
	}
	for ; k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Prev() {
		var e game.JournalEntry
		if _, err := get(b, k[len(k)-8:], &e); err != nil {
			return nil, err
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (t *boltTx) ClaimIdempotency(_ context.Context, actor, key, action string) error {
	b := t.b(bucketIdempotency)
	k := append(append([]byte(actor), 0), key...)
	if b.Get(k) != nil {
		return game.ErrDuplicateIdempotency
	}
	if err := b.Put(k, []byte(action)); err != nil {
		return fmt.Errorf("boltdb: put idempotency key: %w", err)
	}
	return nil
}
