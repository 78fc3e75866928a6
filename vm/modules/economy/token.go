// Package economy implements the native token contract: a single
// "transfer" action moving balances between accounts. It replaces the
// teacher's core.Account.Balance field (removed once Account became a pure
// identity/authority record) with its own ledger keyed directly in the
// object store, the same way chain/accounts.go keeps identities.
package economy

import (
	"encoding/json"
	"fmt"

	"github.com/tolchain/tolchain/chain"
	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/events"
	"github.com/tolchain/tolchain/handler"
	"github.com/tolchain/tolchain/store"
)

// Contract is the reserved account name transfer messages are addressed to.
const Contract = "token"

func init() {
	handler.Register(
		handler.Key{Contract: Contract, Scope: "", Action: "transfer"},
		validateTransfer, precheckTransfer, applyTransfer,
	)
}

const balancePrefix = "econ/bal/"

func balanceKey(name string) []byte { return []byte(balancePrefix + name) }

// GetBalance reads name's current balance, 0 if it has never been credited.
func GetBalance(session *store.Session, name string) (uint64, error) {
	data, err := session.Get(balanceKey(name))
	if err != nil {
		if err == core.ErrNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("read balance for %q: %w", name, err)
	}
	var amount uint64
	if err := json.Unmarshal(data, &amount); err != nil {
		return 0, fmt.Errorf("decode balance for %q: %w", name, err)
	}
	return amount, nil
}

// SetBalance stages name's balance at amount.
func SetBalance(session *store.Session, name string, amount uint64) error {
	data, err := json.Marshal(amount)
	if err != nil {
		return err
	}
	session.Set(balanceKey(name), data)
	return nil
}

// Credit adds amount to name's balance. Exported so sibling modules (market,
// session) that move tokens as a side effect of their own actions can share
// this ledger instead of keeping a second one.
func Credit(session *store.Session, name string, amount uint64) error {
	bal, err := GetBalance(session, name)
	if err != nil {
		return err
	}
	return SetBalance(session, name, bal+amount)
}

// Debit subtracts amount from name's balance, failing if it would go negative.
func Debit(session *store.Session, name string, amount uint64) error {
	bal, err := GetBalance(session, name)
	if err != nil {
		return err
	}
	if bal < amount {
		return fmt.Errorf("insufficient balance for %q: have %d, need %d", name, bal, amount)
	}
	return SetBalance(session, name, bal-amount)
}

func validateTransfer(msg core.Message) error {
	var p core.TransferPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("decode transfer payload: %w", err)
	}
	if p.Amount == 0 {
		return fmt.Errorf("transfer amount must be > 0")
	}
	if p.To == "" {
		return fmt.Errorf("transfer destination required")
	}
	if p.To == msg.Sender {
		return fmt.Errorf("cannot transfer to self")
	}
	return nil
}

func precheckTransfer(ctx *handler.Context, msg core.Message) error {
	var p core.TransferPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return err
	}
	if _, ok := chain.LookupAccount(ctx.Session, p.To); !ok {
		return fmt.Errorf("transfer destination %q does not exist", p.To)
	}
	bal, err := GetBalance(ctx.Session, msg.Sender)
	if err != nil {
		return err
	}
	if bal < p.Amount {
		return fmt.Errorf("insufficient balance: have %d, need %d", bal, p.Amount)
	}
	return nil
}

func applyTransfer(ctx *handler.Context, msg core.Message) error {
	var p core.TransferPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return err
	}
	if err := Debit(ctx.Session, msg.Sender, p.Amount); err != nil {
		return err
	}
	if err := Credit(ctx.Session, p.To, p.Amount); err != nil {
		return err
	}
	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventTokenTransfer,
			TxID:        ctx.Tx.ID,
			BlockHeight: ctx.BlockHeight(),
			Data:        map[string]any{"from": msg.Sender, "to": p.To, "amount": p.Amount},
		})
	}
	return nil
}
