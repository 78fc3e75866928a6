// Package blocklog implements the Block log (§6): an append-only record of
// irreversible blocks, written once per block as the controller's
// last-irreversible-block boundary advances and read back on startup to
// fast-forward chain.Controller past blocks the object store already
// reflects. It shares the same store.DB handle the object store uses,
// distinguished only by key prefix, mirroring the teacher's single
// goleveldb instance split between state and block storage in
// cmd/node/main.go ("stateDB := db // reuse same DB with different key
// prefixes").
package blocklog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/store"
)

const (
	blockPrefix = "blocklog/block/"
	headKey     = "blocklog/head"
)

// blockKey zero-pads height to a fixed width so lexical key order (what
// LevelDB iterators give us) matches numeric order. store.DB.NewIterator
// promises no order, and testutil.MemDB returns keys unordered.
func blockKey(height int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", blockPrefix, height))
}

// Log is the append-only irreversible block log.
type Log struct {
	db store.DB
}

// New wraps db as a block log. db is typically the same handle backing the
// object store's root session.
func New(db store.DB) *Log {
	return &Log{db: db}
}

// Append records block as the next entry in the log and advances the
// recorded head. Callers append in strictly increasing height order (the
// controller does so as each new height becomes irreversible); Append does
// not itself check for gaps or rewrites.
func (l *Log) Append(block *core.SignedBlock) error {
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("blocklog: encode block %d: %w", block.Header.Height, err)
	}
	if err := l.db.Set(blockKey(block.Header.Height), data); err != nil {
		return fmt.Errorf("blocklog: write block %d: %w", block.Header.Height, err)
	}
	return l.db.Set([]byte(headKey), []byte(strconv.FormatInt(block.Header.Height, 10)))
}

// Get returns the logged block at height.
func (l *Log) Get(height int64) (*core.SignedBlock, error) {
	data, err := l.db.Get(blockKey(height))
	if err != nil {
		return nil, err
	}
	var block core.SignedBlock
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, fmt.Errorf("blocklog: decode block %d: %w", height, err)
	}
	return &block, nil
}

// Head returns the height of the most recently appended block, or ok=false
// if the log is empty.
func (l *Log) Head() (height int64, ok bool) {
	data, err := l.db.Get([]byte(headKey))
	if err != nil {
		return 0, false
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Iterate calls fn once per logged block, in ascending height order,
// stopping at the first error fn returns.
func (l *Log) Iterate(fn func(*core.SignedBlock) error) error {
	it := l.db.NewIterator([]byte(blockPrefix))
	defer it.Release()

	var entries []*core.SignedBlock
	for it.Next() {
		var block core.SignedBlock
		if err := json.Unmarshal(it.Value(), &block); err != nil {
			return fmt.Errorf("blocklog: decode entry %q: %w", it.Key(), err)
		}
		entries = append(entries, &block)
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("blocklog: iterate: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Header.Height < entries[j].Header.Height
	})
	for _, block := range entries {
		if err := fn(block); err != nil {
			return err
		}
	}
	return nil
}
