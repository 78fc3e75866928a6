// Package validation implements the Validation Pipeline module (§4.4): the
// seven staged checks run against every transaction, controllable via the
// §6 skip bitmask. It generalizes the teacher's core/mempool.go age/future
// window check into validate_expiration and vm/executor.go's nonce/balance
// pre-checks into the per-message validate/precondition_validate dispatch
// (stage 7), now delegated to the handler registry instead of being
// hard-coded against a single token module.
package validation

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/crypto"
	"github.com/tolchain/tolchain/handler"
)

// ErrorKind enumerates §7's exhaustive transaction-facing error kinds that
// originate in this package.
type ErrorKind string

const (
	ErrExpiredTransaction    ErrorKind = "ExpiredTransaction"
	ErrDuplicateTransaction  ErrorKind = "DuplicateTransaction"
	ErrTaposMismatch         ErrorKind = "TaposMismatch"
	ErrUnknownAccount        ErrorKind = "UnknownAccount"
	ErrUnknownMessageType    ErrorKind = "UnknownMessageType"
	ErrAuthorityInsufficient ErrorKind = "AuthorityInsufficient"
	ErrHandlerMissing        ErrorKind = "HandlerMissing"
	ErrHandlerAssert         ErrorKind = "HandlerAssert"
)

// Error wraps a pipeline failure with its §7 kind and the offending
// transaction id.
type Error struct {
	Kind  ErrorKind
	TxID  string
	Stage int
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("validation stage %d (%s) tx %s: %v", e.Stage, e.Kind, e.TxID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// AccountLookup resolves account names to their identity/authority record.
// Implemented by whichever package owns account storage (chain.Controller,
// reading through the current store.Session) — validation only consults it.
type AccountLookup interface {
	Account(name string) (core.Account, bool)
}

// HeadInfo gives the pipeline the head-relative facts it needs without
// coupling it to the fork db or block applier directly.
type HeadInfo struct {
	HeadBlockTime int64 // unix seconds
}

// Pipeline runs the seven validation stages in order, short-circuiting on
// the first failure. It owns three bounded caches (§4.4, §8 P6): the
// recent-transactions uniqueness index, the TAPoS block-summary ring, and
// the signature-to-key recovery cache.
type Pipeline struct {
	maxTxLifetimeSec int64

	recentTx  *expirable.LRU[string, int64] // tx id -> expiration, TTL'd
	summaries *lru.Cache[uint32, core.BlockID]
	sigCache  *lru.Cache[string, bool] // "pubkeyhex|sighex" -> verified ok

	types    *core.TypeRegistry
	handlers *handler.Registry
}

// New creates a Pipeline. maxTxLifetimeSec bounds both the uniqueness
// index's TTL and the recent-block-summary window's size (one entry per
// second of lifetime is a reasonable upper bound on blocks-per-window).
func New(types *core.TypeRegistry, handlers *handler.Registry, maxTxLifetimeSec int64) *Pipeline {
	summaryWindow := int(maxTxLifetimeSec)
	if summaryWindow < 64 {
		summaryWindow = 64
	}
	summaries, _ := lru.New[uint32, core.BlockID](summaryWindow)
	sigCache, _ := lru.New[string, bool](4096)
	return &Pipeline{
		maxTxLifetimeSec: maxTxLifetimeSec,
		recentTx:         expirable.NewLRU[string, int64](100_000, nil, time.Duration(maxTxLifetimeSec)*time.Second),
		summaries:        summaries,
		sigCache:         sigCache,
		types:            types,
		handlers:         handlers,
	}
}

// RecordBlockSummary registers block num/id into the TAPoS lookup window.
// Called by the block applier after every committed block.
func (p *Pipeline) RecordBlockSummary(num uint32, id core.BlockID) {
	p.summaries.Add(num, id)
}

// Run executes all seven stages against tx, respecting skip. accounts is
// the account lookup used by stages 4 and 6, and head carries the
// head-relative facts used by stage 1. hctx is forwarded to stage 7's
// precondition_validate; apply is not run here (§4.4 stops at
// precondition_validate), but hctx must still carry a
// *store.Session-backed handler.Context for precondition checks.
func (p *Pipeline) Run(tx *core.SignedTransaction, skip SkipFlags, accounts AccountLookup, head HeadInfo, hctx *handler.Context) error {
	if err := p.validateExpiration(tx, skip, head); err != nil {
		return err
	}
	if err := p.validateUniqueness(tx, skip); err != nil {
		return err
	}
	if err := p.validateTapos(tx, skip); err != nil {
		return err
	}
	if err := p.validateReferencedAccounts(tx, accounts); err != nil {
		return err
	}
	if err := p.validateMessageTypes(tx); err != nil {
		return err
	}
	if err := p.validateAuthority(tx, skip, accounts); err != nil {
		return err
	}
	if err := p.validateAndPrecheckMessages(tx, skip, hctx); err != nil {
		return err
	}
	return nil
}

// stage 1
func (p *Pipeline) validateExpiration(tx *core.SignedTransaction, skip SkipFlags, head HeadInfo) error {
	if skip.Has(SkipTaposCheck) {
		return nil // §6: tapos_check also disables expiration check
	}
	if tx.Expiration <= head.HeadBlockTime {
		return &Error{Kind: ErrExpiredTransaction, TxID: tx.ID, Stage: 1, Err: fmt.Errorf("expiration %d not in the future of head time %d", tx.Expiration, head.HeadBlockTime)}
	}
	if tx.Expiration-head.HeadBlockTime > p.maxTxLifetimeSec {
		return &Error{Kind: ErrExpiredTransaction, TxID: tx.ID, Stage: 1, Err: fmt.Errorf("expiration %d exceeds max lifetime %ds from head time %d", tx.Expiration, p.maxTxLifetimeSec, head.HeadBlockTime)}
	}
	return nil
}

// stage 2
func (p *Pipeline) validateUniqueness(tx *core.SignedTransaction, skip SkipFlags) error {
	if skip.Has(SkipTransactionDupeCheck) {
		return nil
	}
	if _, ok := p.recentTx.Get(tx.ID); ok {
		return &Error{Kind: ErrDuplicateTransaction, TxID: tx.ID, Stage: 2, Err: fmt.Errorf("transaction %s already in recent-transactions index", tx.ID)}
	}
	p.recentTx.Add(tx.ID, tx.Expiration)
	return nil
}

// stage 3
func (p *Pipeline) validateTapos(tx *core.SignedTransaction, skip SkipFlags) error {
	if skip.Has(SkipTaposCheck) {
		return nil
	}
	id, ok := p.summaries.Get(tx.RefBlockNum)
	if !ok {
		return &Error{Kind: ErrTaposMismatch, TxID: tx.ID, Stage: 3, Err: fmt.Errorf("no block summary for ref_block_num %d", tx.RefBlockNum)}
	}
	if blockIDPrefix(id) != tx.RefBlockPrefix {
		return &Error{Kind: ErrTaposMismatch, TxID: tx.ID, Stage: 3, Err: fmt.Errorf("ref_block_prefix %d does not match block %s", tx.RefBlockPrefix, id)}
	}
	return nil
}

// blockIDPrefix is the TAPoS prefix extracted from id. See core.BlockIDPrefix,
// the canonical implementation this just forwards to.
func blockIDPrefix(id core.BlockID) uint32 {
	return core.BlockIDPrefix(id)
}

// stage 4
func (p *Pipeline) validateReferencedAccounts(tx *core.SignedTransaction, accounts AccountLookup) error {
	seen := make(map[string]bool)
	check := func(name string) error {
		if name == "" || seen[name] {
			return nil
		}
		seen[name] = true
		if _, ok := accounts.Account(name); !ok {
			return &Error{Kind: ErrUnknownAccount, TxID: tx.ID, Stage: 4, Err: fmt.Errorf("account %q does not exist", name)}
		}
		return nil
	}
	for _, msg := range tx.Messages {
		if err := check(msg.Sender); err != nil {
			return err
		}
		if err := check(msg.Recipient); err != nil {
			return err
		}
		if err := check(msg.Scope); err != nil {
			return err
		}
		for _, auth := range msg.Authorization {
			if err := check(auth); err != nil {
				return err
			}
		}
	}
	return nil
}

// stage 5
func (p *Pipeline) validateMessageTypes(tx *core.SignedTransaction) error {
	for _, msg := range tx.Messages {
		if !p.types.Has(msg.TypeName) {
			return &Error{Kind: ErrUnknownMessageType, TxID: tx.ID, Stage: 5, Err: fmt.Errorf("unregistered message type %q", msg.TypeName)}
		}
		if _, err := p.types.Decode(msg.TypeName, msg.Payload); err != nil {
			return &Error{Kind: ErrUnknownMessageType, TxID: tx.ID, Stage: 5, Err: fmt.Errorf("payload does not match type %q: %w", msg.TypeName, err)}
		}
	}
	return nil
}

// stage 6
func (p *Pipeline) validateAuthority(tx *core.SignedTransaction, skip SkipFlags, accounts AccountLookup) error {
	if skip.Has(SkipAuthorityCheck) {
		return nil
	}
	required := tx.RequiredAuthorities()
	if len(required) == 0 {
		return nil
	}

	candidates := make(map[string]crypto.PublicKey)
	for _, name := range required {
		acc, ok := accounts.Account(name)
		if !ok {
			return &Error{Kind: ErrUnknownAccount, TxID: tx.ID, Stage: 6, Err: fmt.Errorf("account %q does not exist", name)}
		}
		auth, ok := acc.Permission("active")
		if !ok {
			return &Error{Kind: ErrAuthorityInsufficient, TxID: tx.ID, Stage: 6, Err: fmt.Errorf("account %q has no active permission", name)}
		}
		for _, k := range auth.Keys {
			if _, ok := candidates[k.PublicKey]; !ok {
				if pub, err := crypto.PubKeyFromHex(k.PublicKey); err == nil {
					candidates[k.PublicKey] = pub
				}
			}
		}
	}

	digest := []byte(tx.Digest())
	matched := make(map[string]bool)
	for _, sigHex := range tx.Signatures {
		for hexKey, pub := range candidates {
			if matched[hexKey] {
				continue
			}
			cacheKey := hexKey + "|" + sigHex
			ok, cached := p.sigCache.Get(cacheKey)
			if !cached {
				ok = crypto.Verify(pub, digest, sigHex) == nil
				p.sigCache.Add(cacheKey, ok)
			}
			if ok {
				matched[hexKey] = true
				break
			}
		}
	}

	for _, name := range required {
		acc, _ := accounts.Account(name)
		auth, _ := acc.Permission("active")
		if !auth.Satisfied(matched) {
			return &Error{Kind: ErrAuthorityInsufficient, TxID: tx.ID, Stage: 6, Err: fmt.Errorf("authority threshold not met for account %q", name)}
		}
	}
	return nil
}

// stage 7
func (p *Pipeline) validateAndPrecheckMessages(tx *core.SignedTransaction, skip SkipFlags, hctx *handler.Context) error {
	for _, msg := range tx.Messages {
		key := handler.KeyFromMessage(msg)
		if !p.handlers.Has(key) {
			return &Error{Kind: ErrHandlerMissing, TxID: tx.ID, Stage: 7, Err: fmt.Errorf("no handler for %+v", key)}
		}
		if !skip.Has(SkipValidate) {
			if err := p.handlers.Validate(key, msg); err != nil {
				return &Error{Kind: ErrHandlerAssert, TxID: tx.ID, Stage: 7, Err: fmt.Errorf("validate %+v: %w", key, err)}
			}
		}
		if !skip.Has(SkipAssertEvaluation) {
			if err := p.handlers.PreconditionValidate(key, hctx, msg); err != nil {
				return &Error{Kind: ErrHandlerAssert, TxID: tx.ID, Stage: 7, Err: fmt.Errorf("precondition_validate %+v: %w", key, err)}
			}
		}
	}
	return nil
}
