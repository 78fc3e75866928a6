package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/crypto"
)

// Session is a copy-on-write view over either the durable DB (the root
// session) or a parent Session (a nested session). It generalizes the
// teacher's flat StateDB.Snapshot/RevertToSnapshot/Commit into a stack:
// a transaction session can Commit into its still-open parent block
// session without ever touching the underlying goleveldb batch until the
// outermost session commits, satisfying §4.5's nesting requirement.
type Session struct {
	mu      sync.RWMutex
	parent  *Session // nil only for the root session
	db      DB       // set only on the root session
	dirty   map[string][]byte
	deleted map[string]bool
	closed  bool
}

// newRoot creates the root session backed directly by db.
func newRoot(db DB) *Session {
	return &Session{
		db:      db,
		dirty:   make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

// Begin opens a nested child session. The child sees everything the parent
// sees plus its own uncommitted writes; nothing the child writes is visible
// outside it until Commit.
func (s *Session) Begin() *Session {
	return &Session{
		parent:  s,
		dirty:   make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

// Get resolves key through this session's own writes, then its ancestor
// chain, finally the root DB.
func (s *Session) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(string(key))
}

func (s *Session) get(key string) ([]byte, error) {
	if s.deleted[key] {
		return nil, core.ErrNotFound
	}
	if v, ok := s.dirty[key]; ok {
		return v, nil
	}
	if s.parent != nil {
		return s.parent.get(key)
	}
	return s.db.Get([]byte(key))
}

// Set stages a write, visible to this session and any children it opens,
// invisible to the parent until Commit.
func (s *Session) Set(key, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := string(key)
	delete(s.deleted, k)
	v := make([]byte, len(value))
	copy(v, value)
	s.dirty[k] = v
}

// Delete stages a tombstone the same way Set stages a write.
func (s *Session) Delete(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := string(key)
	delete(s.dirty, k)
	s.deleted[k] = true
}

// Commit merges this session's writes into its parent (or, for the root
// session, flushes them to the underlying DB via a single batch) and marks
// the session closed. Committing a closed session is an error.
//
// The root session is the one exception to "closed": since it stands for
// the durable side of the store for the controller's entire lifetime, its
// Commit flushes and then resets rather than permanently closing, so a
// later batch of newly-irreversible writes can flush again the same way.
func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store: session already closed")
	}

	if s.parent == nil {
		batch := s.db.NewBatch()
		for k, v := range s.dirty {
			batch.Set([]byte(k), v)
		}
		for k := range s.deleted {
			batch.Delete([]byte(k))
		}
		if err := batch.Write(); err != nil {
			return err
		}
		s.dirty = make(map[string][]byte)
		s.deleted = make(map[string]bool)
		return nil
	}

	s.closed = true
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	for k, v := range s.dirty {
		delete(s.parent.deleted, k)
		s.parent.dirty[k] = v
	}
	for k := range s.deleted {
		delete(s.parent.dirty, k)
		s.parent.deleted[k] = true
	}
	return nil
}

// Rollback discards every write staged in this session. The parent (and
// the durable DB) are untouched.
func (s *Session) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store: session already closed")
	}
	s.closed = true
	s.dirty = nil
	s.deleted = nil
	return nil
}

// ComputeRoot hashes every persisted key under the given prefixes merged
// with this session's own uncommitted writes (but not an open child's),
// without flushing anything. Safe to call before signing a block.
func (s *Session) ComputeRoot(prefixes []string) string {
	merged := s.snapshotMerged(prefixes)

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, k := range keys {
		v := merged[k]
		kb := []byte(k)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(kb)))
		buf.Write(lenBuf[:])
		buf.Write(kb)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
		buf.Write(lenBuf[:])
		buf.Write(v)
	}
	return crypto.Hash(buf.Bytes())
}

// snapshotMerged walks from the root down to this session, layering writes
// in ancestor-then-descendant order so this session's own pending writes
// win.
func (s *Session) snapshotMerged(prefixes []string) map[string][]byte {
	merged := make(map[string][]byte)
	if s.parent != nil {
		for k, v := range s.parent.snapshotMerged(prefixes) {
			merged[k] = v
		}
	} else {
		for _, prefix := range prefixes {
			it := s.db.NewIterator([]byte(prefix))
			for it.Next() {
				k := string(it.Key())
				v := make([]byte, len(it.Value()))
				copy(v, it.Value())
				merged[k] = v
			}
			it.Release()
		}
	}
	for k, v := range s.dirty {
		merged[k] = v
	}
	for k := range s.deleted {
		delete(merged, k)
	}
	return merged
}
