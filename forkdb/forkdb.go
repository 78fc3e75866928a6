// Package forkdb implements the Fork Database module (§4.6): an in-memory
// tree of known blocks, keyed by id in a flat arena rather than by parent
// pointers, so that parent references are just map lookups with no
// ownership-cycle question (§9 "Fork database as arena + index"). Grounded
// on the arena-by-id shape of prysm's doubly-linked-tree forkchoice store
// (nodeByRoot map + id-valued parent references), adapted from object
// pointers to plain BlockID keys.
package forkdb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tolchain/tolchain/core"
)

// ErrUnknownBlock is returned when an operation references an id not in the
// arena.
var ErrUnknownBlock = errors.New("forkdb: unknown block id")

// Node is one arena entry: the block itself plus fork-tracking metadata.
// ParentID is a plain map key, never a pointer, per §9.
type Node struct {
	Block           *core.SignedBlock
	ParentID        core.BlockID
	Num             int64
	Validated       bool
	InCurrentBranch bool
}

// ForkDB is the arena of known blocks within the irreversibility window.
// It never touches the object store; it is purely in-memory metadata (§4.6).
type ForkDB struct {
	mu       sync.RWMutex
	nodes    map[core.BlockID]*Node
	byHeight map[int64][]core.BlockID
	children map[core.BlockID][]core.BlockID
	head     core.BlockID
}

// New returns an empty ForkDB seeded with the genesis block as its root and
// initial head.
func New(genesis *core.SignedBlock) *ForkDB {
	f := &ForkDB{
		nodes:    make(map[core.BlockID]*Node),
		byHeight: make(map[int64][]core.BlockID),
		children: make(map[core.BlockID][]core.BlockID),
	}
	f.insert(genesis, true, true)
	f.head = genesis.ID
	return f
}

func (f *ForkDB) insert(block *core.SignedBlock, validated, inCurrentBranch bool) {
	n := &Node{
		Block:           block,
		ParentID:        block.Header.ParentID,
		Num:             block.Header.Height,
		Validated:       validated,
		InCurrentBranch: inCurrentBranch,
	}
	f.nodes[block.ID] = n
	f.byHeight[n.Num] = append(f.byHeight[n.Num], block.ID)
	if !block.Header.ParentID.IsZero() {
		f.children[block.Header.ParentID] = append(f.children[block.Header.ParentID], block.ID)
	}
}

// Add inserts block into the arena (validated=false until the caller marks
// it otherwise) and reports whether it changed the head: per I3, head
// tracks the greatest block number, ties broken by smallest id.
func (f *ForkDB) Add(block *core.SignedBlock) (headChanged bool, head core.BlockID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.nodes[block.ID]; exists {
		return false, f.head
	}
	f.insert(block, false, false)

	if f.head == "" {
		f.head = block.ID
		return true, f.head
	}
	current := f.nodes[f.head]
	if block.Header.Height > current.Num ||
		(block.Header.Height == current.Num && block.ID < f.head) {
		f.head = block.ID
		return true, f.head
	}
	return false, f.head
}

// Has reports whether id is known to the arena.
func (f *ForkDB) Has(id core.BlockID) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.nodes[id]
	return ok
}

// Get returns the node for id.
func (f *ForkDB) Get(id core.BlockID) (*Node, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n, ok := f.nodes[id]
	return n, ok
}

// Head returns the current best node.
func (f *ForkDB) Head() (*Node, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n, ok := f.nodes[f.head]
	return n, ok
}

// MarkValidated records the validation outcome for id.
func (f *ForkDB) MarkValidated(id core.BlockID, validated bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[id]; ok {
		n.Validated = validated
	}
}

// SetCurrentBranch marks id's membership in the current best branch (I2).
func (f *ForkDB) SetCurrentBranch(id core.BlockID, inBranch bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[id]; ok {
		n.InCurrentBranch = inBranch
	}
}

// SetHead forcibly sets the head pointer, used by the block applier when
// popping blocks to restore the prior head from the fork db.
func (f *ForkDB) SetHead(id core.BlockID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, id)
	}
	f.head = id
	return nil
}

// AtHeight returns the ids of every known block at the given height (the
// canonical block plus any competing siblings), for fork-pruning use once a
// height falls below the irreversible boundary.
func (f *ForkDB) AtHeight(num int64) []core.BlockID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.BlockID, len(f.byHeight[num]))
	copy(out, f.byHeight[num])
	return out
}

// Remove prunes id and its entire subtree from the arena (used once a block
// falls out of the irreversible window; the block log retains it on disk).
// It returns every id removed, so callers can release any per-block
// resources keyed alongside the fork db (e.g. open object-store sessions).
func (f *ForkDB) Remove(id core.BlockID) []core.BlockID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed []core.BlockID
	f.removeSubtree(id, &removed)
	return removed
}

func (f *ForkDB) removeSubtree(id core.BlockID, removed *[]core.BlockID) {
	n, ok := f.nodes[id]
	if !ok {
		return
	}
	for _, childID := range f.children[id] {
		f.removeSubtree(childID, removed)
	}
	delete(f.children, id)
	delete(f.nodes, id)
	*removed = append(*removed, id)
	ids := f.byHeight[n.Num]
	for i, bid := range ids {
		if bid == id {
			f.byHeight[n.Num] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(f.byHeight[n.Num]) == 0 {
		delete(f.byHeight, n.Num)
	}
}

// FetchBranchFrom returns (pop_list, push_list) where pop_list walks from a
// to the least common ancestor (exclusive) in head->LCA order, and
// push_list walks from the LCA (exclusive) to b in LCA->tip order — the
// sequence a reorg must pop then push to move from branch a to branch b.
func (f *ForkDB) FetchBranchFrom(a, b core.BlockID) (popList, pushList []core.BlockID, err error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	na, ok := f.nodes[a]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownBlock, a)
	}
	nb, ok := f.nodes[b]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownBlock, b)
	}

	for na.Num > nb.Num {
		popList = append(popList, a)
		a = na.ParentID
		na, ok = f.nodes[a]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownBlock, a)
		}
	}
	for nb.Num > na.Num {
		pushList = append(pushList, b)
		b = nb.ParentID
		nb, ok = f.nodes[b]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownBlock, b)
		}
	}
	for a != b {
		popList = append(popList, a)
		pushList = append(pushList, b)
		a = na.ParentID
		na, ok = f.nodes[a]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownBlock, a)
		}
		b = nb.ParentID
		nb, ok = f.nodes[b]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownBlock, b)
		}
	}

	for i, j := 0, len(pushList)-1; i < j; i, j = i+1, j-1 {
		pushList[i], pushList[j] = pushList[j], pushList[i]
	}
	return popList, pushList, nil
}
