package validation

import (
	"encoding/json"
	"testing"

	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/crypto"
	"github.com/tolchain/tolchain/handler"
)

type fakeAccounts struct {
	accounts map[string]core.Account
}

func (f fakeAccounts) Account(name string) (core.Account, bool) {
	a, ok := f.accounts[name]
	return a, ok
}

func newTestPipeline(t *testing.T) (*Pipeline, *handler.Registry) {
	t.Helper()
	types := core.NewTypeRegistry()
	types.RegisterNative("transfer", "", func(payload json.RawMessage) (any, error) {
		var p core.TransferPayload
		err := json.Unmarshal(payload, &p)
		return p, err
	})
	handlers := handler.NewRegistry()
	handlers.Register(handler.Key{Contract: "native", Scope: "token", Action: "transfer"},
		func(core.Message) error { return nil },
		func(*handler.Context, core.Message) error { return nil },
		func(*handler.Context, core.Message) error { return nil },
	)
	return New(types, handlers, 3600), handlers
}

func TestPipelineRejectsExpiredTransaction(t *testing.T) {
	p, _ := newTestPipeline(t)
	tx := &core.SignedTransaction{ID: "tx1", Expiration: 100}
	err := p.Run(tx, 0, fakeAccounts{}, HeadInfo{HeadBlockTime: 200}, &handler.Context{})
	verr, ok := err.(*Error)
	if !ok || verr.Kind != ErrExpiredTransaction {
		t.Fatalf("expected ErrExpiredTransaction, got %v", err)
	}
}

func TestPipelineRejectsDuplicateTransaction(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.summaries.Add(uint32(1), core.BlockID("00000001aabbccddeeff00000000000000000000000000000000000000000000"))

	payload, _ := json.Marshal(core.TransferPayload{Amount: 10})
	tx := &core.SignedTransaction{
		ID:             "tx1",
		RefBlockNum:    1,
		RefBlockPrefix: blockIDPrefix(core.BlockID("00000001aabbccddeeff00000000000000000000000000000000000000000000")),
		Expiration:     1_000,
		Messages: []core.Message{
			{Sender: "alice", Recipient: "native", Scope: "token", TypeName: "transfer", Payload: payload},
		},
	}
	accounts := fakeAccounts{accounts: map[string]core.Account{
		"alice":  {Name: "alice"},
		"native": {Name: "native"},
		"token":  {Name: "token"},
	}}

	if err := p.Run(tx, 0, accounts, HeadInfo{HeadBlockTime: 1}, &handler.Context{}); err != nil {
		t.Fatalf("first run: unexpected error: %v", err)
	}
	err := p.Run(tx, 0, accounts, HeadInfo{HeadBlockTime: 1}, &handler.Context{})
	verr, ok := err.(*Error)
	if !ok || verr.Kind != ErrDuplicateTransaction {
		t.Fatalf("expected ErrDuplicateTransaction on replay, got %v", err)
	}
}

func TestPipelineRejectsUnknownAccount(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.summaries.Add(uint32(1), core.BlockID("00000001aabbccddeeff00000000000000000000000000000000000000000000"))
	payload, _ := json.Marshal(core.TransferPayload{Amount: 10})
	tx := &core.SignedTransaction{
		ID:             "tx2",
		RefBlockNum:    1,
		RefBlockPrefix: blockIDPrefix(core.BlockID("00000001aabbccddeeff00000000000000000000000000000000000000000000")),
		Expiration:     1_000,
		Messages: []core.Message{
			{Sender: "ghost", Recipient: "native", Scope: "token", TypeName: "transfer", Payload: payload},
		},
	}
	err := p.Run(tx, 0, fakeAccounts{accounts: map[string]core.Account{}}, HeadInfo{HeadBlockTime: 1}, &handler.Context{})
	verr, ok := err.(*Error)
	if !ok || verr.Kind != ErrUnknownAccount {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestPipelineAuthorityThreshold(t *testing.T) {
	seedID := core.BlockID("00000001aabbccddeeff00000000000000000000000000000000000000000000")
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	accounts := fakeAccounts{accounts: map[string]core.Account{
		"alice": {Name: "alice", Permissions: map[string]core.Authority{
			"active": {Threshold: 1, Keys: []core.AuthorityKey{{PublicKey: pub.Hex(), Weight: 1}}},
		}},
		"native": {Name: "native"},
		"token":  {Name: "token"},
	}}
	payload, _ := json.Marshal(core.TransferPayload{Amount: 5})
	messages := []core.Message{
		{Sender: "alice", Recipient: "native", Scope: "token", TypeName: "transfer", Payload: payload, Authorization: []string{"alice"}},
	}

	unsigned := newTestPipelineWithSummary(t, seedID)
	unsignedTx := core.NewSignedTransaction(1, blockIDPrefix(seedID), 1_000, messages)
	if err := unsigned.Run(unsignedTx, 0, accounts, HeadInfo{HeadBlockTime: 1}, &handler.Context{}); err == nil {
		t.Fatalf("expected authority failure for an unsigned transaction")
	}

	signed := newTestPipelineWithSummary(t, seedID)
	signedTx := core.NewSignedTransaction(1, blockIDPrefix(seedID), 1_000, messages)
	signedTx.Sign(priv)
	if err := signed.Run(signedTx, 0, accounts, HeadInfo{HeadBlockTime: 1}, &handler.Context{}); err != nil {
		t.Fatalf("expected signed transaction to pass, got %v", err)
	}
}

func newTestPipelineWithSummary(t *testing.T, seedID core.BlockID) *Pipeline {
	t.Helper()
	p, _ := newTestPipeline(t)
	p.summaries.Add(uint32(1), seedID)
	return p
}
