package asset

import (
	"encoding/json"
	"testing"

	"github.com/tolchain/tolchain/chain"
	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/handler"
	"github.com/tolchain/tolchain/internal/testutil"
	"github.com/tolchain/tolchain/store"
)

func newTestSession(t *testing.T) *store.Session {
	t.Helper()
	return store.NewManager(testutil.NewMemDB()).Root()
}

func seedAccount(t *testing.T, session *store.Session, name string) {
	t.Helper()
	if err := chain.PutAccount(session, core.Account{Name: name}); err != nil {
		t.Fatalf("seed account %q: %v", name, err)
	}
}

func seedTemplate(t *testing.T, session *store.Session, id, creator string, tradeable bool) {
	t.Helper()
	if err := SetTemplate(session, &Template{ID: id, Creator: creator, Tradeable: tradeable}); err != nil {
		t.Fatalf("seed template %q: %v", id, err)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestMintAssetCreatesOwnedAsset(t *testing.T) {
	session := newTestSession(t)
	seedAccount(t, session, "maker")
	seedTemplate(t, session, "tmpl1", "maker", true)

	msg := core.Message{Sender: "maker", Recipient: Contract, TypeName: "mint_asset",
		Payload: mustJSON(t, core.MintAssetPayload{TemplateID: "tmpl1"})}
	ctx := &handler.Context{Session: session, Tx: &core.SignedTransaction{ID: "tx1"}}

	if err := precheckMint(ctx, msg); err != nil {
		t.Fatalf("precheckMint: %v", err)
	}
	if err := applyMint(ctx, msg); err != nil {
		t.Fatalf("applyMint: %v", err)
	}

	id := assetIDFor(t, session, "tx1", "tmpl1")
	a, err := GetAsset(session, id)
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if a.Owner != "maker" || !a.Tradeable {
		t.Fatalf("unexpected asset: %+v", a)
	}
}

func assetIDFor(t *testing.T, session *store.Session, txID, templateID string) string {
	t.Helper()
	ctx := &handler.Context{Session: session, Tx: &core.SignedTransaction{ID: txID}}
	return mintAssetID(ctx, templateID)
}

func TestMintAssetRejectsNonCreator(t *testing.T) {
	session := newTestSession(t)
	seedAccount(t, session, "maker")
	seedAccount(t, session, "outsider")
	seedTemplate(t, session, "tmpl1", "maker", true)

	msg := core.Message{Sender: "outsider", Recipient: Contract, TypeName: "mint_asset",
		Payload: mustJSON(t, core.MintAssetPayload{TemplateID: "tmpl1"})}
	ctx := &handler.Context{Session: session, Tx: &core.SignedTransaction{ID: "tx1"}}

	if err := precheckMint(ctx, msg); err == nil {
		t.Fatal("expected precheckMint to reject a non-creator minter")
	}
}

func TestTransferAssetRequiresTradeableAndUnlisted(t *testing.T) {
	session := newTestSession(t)
	seedAccount(t, session, "alice")
	seedAccount(t, session, "bob")
	if err := SetAsset(session, &Asset{ID: "a1", Owner: "alice", Tradeable: false}); err != nil {
		t.Fatalf("seed asset: %v", err)
	}

	msg := core.Message{Sender: "alice", Recipient: Contract, TypeName: "transfer_asset",
		Payload: mustJSON(t, core.TransferAssetPayload{AssetID: "a1", To: "bob"})}
	ctx := &handler.Context{Session: session, Tx: &core.SignedTransaction{ID: "tx1"}}
	if err := precheckTransferAsset(ctx, msg); err == nil {
		t.Fatal("expected precheckTransferAsset to reject a non-tradeable asset")
	}

	if err := SetAsset(session, &Asset{ID: "a2", Owner: "alice", Tradeable: true, ActiveListingID: "listing1"}); err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	msg2 := core.Message{Sender: "alice", Recipient: Contract, TypeName: "transfer_asset",
		Payload: mustJSON(t, core.TransferAssetPayload{AssetID: "a2", To: "bob"})}
	if err := precheckTransferAsset(ctx, msg2); err == nil {
		t.Fatal("expected precheckTransferAsset to reject a listed asset")
	}
}

func TestApplyTransferAssetChangesOwner(t *testing.T) {
	session := newTestSession(t)
	seedAccount(t, session, "alice")
	seedAccount(t, session, "bob")
	if err := SetAsset(session, &Asset{ID: "a1", Owner: "alice", Tradeable: true}); err != nil {
		t.Fatalf("seed asset: %v", err)
	}

	msg := core.Message{Sender: "alice", Recipient: Contract, TypeName: "transfer_asset",
		Payload: mustJSON(t, core.TransferAssetPayload{AssetID: "a1", To: "bob"})}
	ctx := &handler.Context{Session: session, Tx: &core.SignedTransaction{ID: "tx1"}}

	if err := applyTransferAsset(ctx, msg); err != nil {
		t.Fatalf("applyTransferAsset: %v", err)
	}
	a, err := GetAsset(session, "a1")
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if a.Owner != "bob" {
		t.Fatalf("expected owner bob, got %q", a.Owner)
	}
}

func TestBurnAssetRemovesRow(t *testing.T) {
	session := newTestSession(t)
	seedAccount(t, session, "alice")
	if err := SetAsset(session, &Asset{ID: "a1", Owner: "alice"}); err != nil {
		t.Fatalf("seed asset: %v", err)
	}

	msg := core.Message{Sender: "alice", Recipient: Contract, TypeName: "burn_asset",
		Payload: mustJSON(t, core.BurnAssetPayload{AssetID: "a1"})}
	ctx := &handler.Context{Session: session, Tx: &core.SignedTransaction{ID: "tx1"}}

	if err := precheckBurn(ctx, msg); err != nil {
		t.Fatalf("precheckBurn: %v", err)
	}
	if err := applyBurn(ctx, msg); err != nil {
		t.Fatalf("applyBurn: %v", err)
	}
	if _, err := GetAsset(session, "a1"); err != core.ErrNotFound {
		t.Fatalf("expected asset to be gone, got err=%v", err)
	}
}
