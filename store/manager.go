package store

import (
	"fmt"
	"sync"
)

// Manager owns the root Session over a DB and enforces §4.5's invariant I4:
// exactly one block session open while a block is being applied (or, when
// idle, a single "pending" session standing in for it), and at most one
// transaction session open at a time, always nested directly under whichever
// of those is current.
type Manager struct {
	mu sync.Mutex

	root *Session
	// outer is the current block or pending session; nil only between
	// BeginBlock/BeginPending calls, which should not overlap with an
	// existing outer session.
	outer *Session
	// tx is the current per-transaction session nested under outer.
	tx *Session
}

// NewManager creates a Manager over db, with no outer session open.
func NewManager(db DB) *Manager {
	return &Manager{root: newRoot(db)}
}

// BeginPending opens the idle-state outer session used to trial-execute
// incoming transactions into the pending set outside of block production.
func (m *Manager) BeginPending() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outer != nil {
		return nil, fmt.Errorf("store: outer session already open")
	}
	m.outer = m.root.Begin()
	return m.outer, nil
}

// BeginBlock opens the outer session used while applying a block. Must not
// be called while a pending or block session is already open.
func (m *Manager) BeginBlock() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outer != nil {
		return nil, fmt.Errorf("store: outer session already open")
	}
	m.outer = m.root.Begin()
	return m.outer, nil
}

// CommitOuter commits the current outer session (block or pending) into the
// root and clears it.
func (m *Manager) CommitOuter() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outer == nil {
		return fmt.Errorf("store: no outer session open")
	}
	if m.tx != nil {
		return fmt.Errorf("store: transaction session still open")
	}
	err := m.outer.Commit()
	m.outer = nil
	return err
}

// RollbackOuter discards the current outer session without touching root.
func (m *Manager) RollbackOuter() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outer == nil {
		return fmt.Errorf("store: no outer session open")
	}
	if m.tx != nil {
		_ = m.tx.Rollback()
		m.tx = nil
	}
	err := m.outer.Rollback()
	m.outer = nil
	return err
}

// BeginTransaction opens a session nested under the current outer session,
// one per transaction as §4.5 requires.
func (m *Manager) BeginTransaction() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outer == nil {
		return nil, fmt.Errorf("store: no outer session open")
	}
	if m.tx != nil {
		return nil, fmt.Errorf("store: transaction session already open")
	}
	m.tx = m.outer.Begin()
	return m.tx, nil
}

// CommitTransaction commits the open transaction session into the outer
// session (not the root DB — that happens only when the outer session
// itself commits).
func (m *Manager) CommitTransaction() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx == nil {
		return fmt.Errorf("store: no transaction session open")
	}
	err := m.tx.Commit()
	m.tx = nil
	return err
}

// RollbackTransaction discards the open transaction session, leaving the
// outer session exactly as it was before BeginTransaction.
func (m *Manager) RollbackTransaction() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx == nil {
		return fmt.Errorf("store: no transaction session open")
	}
	err := m.tx.Rollback()
	m.tx = nil
	return err
}

// Root returns the durable root session, for read-only queries that should
// observe only committed state.
func (m *Manager) Root() *Session {
	return m.root
}
