package store

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/tolchain/tolchain/core"
)

// LevelDB implements DB using LevelDB. Both the object store's root session
// and blocklog share one instance, distinguished only by key prefix — see
// cmd/node/main.go.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) a LevelDB database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	val, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, core.ErrNotFound
	}
	return val, err
}

func (l *LevelDB) Set(key, value []byte) error {
	return l.db.Put(key, value, nil)
}

func (l *LevelDB) Delete(key []byte) error {
	return l.db.Delete(key, nil)
}

func (l *LevelDB) NewIterator(prefix []byte) Iterator {
	return l.db.NewIterator(util.BytesPrefix(prefix), nil)
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

// leveldbBatch adapts *leveldb.Batch to the Batch interface.
type leveldbBatch struct {
	db    *leveldb.DB
	batch *leveldb.Batch
}

func (l *LevelDB) NewBatch() Batch {
	return &leveldbBatch{db: l.db, batch: new(leveldb.Batch)}
}

func (b *leveldbBatch) Set(key, value []byte) { b.batch.Put(key, value) }
func (b *leveldbBatch) Delete(key []byte)     { b.batch.Delete(key) }
func (b *leveldbBatch) Write() error          { return b.db.Write(b.batch, nil) }
func (b *leveldbBatch) Reset()                { b.batch.Reset() }
