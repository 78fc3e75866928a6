package market

import (
	"encoding/json"
	"testing"

	"github.com/tolchain/tolchain/chain"
	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/handler"
	"github.com/tolchain/tolchain/internal/testutil"
	"github.com/tolchain/tolchain/store"
	"github.com/tolchain/tolchain/vm/modules/asset"
	"github.com/tolchain/tolchain/vm/modules/economy"
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

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestListThenBuyTransfersAssetAndTokens(t *testing.T) {
	session := newTestSession(t)
	seedAccount(t, session, "seller")
	seedAccount(t, session, "buyer")
	if err := asset.SetAsset(session, &asset.Asset{ID: "a1", Owner: "seller", Tradeable: true}); err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	if err := economy.Credit(session, "buyer", 100); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	listMsg := core.Message{Sender: "seller", Recipient: Contract, TypeName: "list_market",
		Payload: mustJSON(t, core.ListMarketPayload{AssetID: "a1", Price: 50})}
	ctx := &handler.Context{Session: session, Tx: &core.SignedTransaction{ID: "tx1"}}
	if err := precheckList(ctx, listMsg); err != nil {
		t.Fatalf("precheckList: %v", err)
	}
	if err := applyList(ctx, listMsg); err != nil {
		t.Fatalf("applyList: %v", err)
	}

	listed, err := asset.GetAsset(session, "a1")
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if listed.ActiveListingID == "" {
		t.Fatal("expected asset to carry an active listing id after listing")
	}
	listingID := listed.ActiveListingID

	buyMsg := core.Message{Sender: "buyer", Recipient: Contract, TypeName: "buy_market",
		Payload: mustJSON(t, core.BuyMarketPayload{ListingID: listingID})}
	buyCtx := &handler.Context{Session: session, Tx: &core.SignedTransaction{ID: "tx2"}}
	if err := precheckBuy(buyCtx, buyMsg); err != nil {
		t.Fatalf("precheckBuy: %v", err)
	}
	if err := applyBuy(buyCtx, buyMsg); err != nil {
		t.Fatalf("applyBuy: %v", err)
	}

	final, err := asset.GetAsset(session, "a1")
	if err != nil {
		t.Fatalf("GetAsset after buy: %v", err)
	}
	if final.Owner != "buyer" || final.ActiveListingID != "" {
		t.Fatalf("expected buyer to own an unlisted asset, got %+v", final)
	}
	buyerBal, _ := economy.GetBalance(session, "buyer")
	sellerBal, _ := economy.GetBalance(session, "seller")
	if buyerBal != 50 || sellerBal != 50 {
		t.Fatalf("expected buyer=50 seller=50, got buyer=%d seller=%d", buyerBal, sellerBal)
	}
}

func TestListRejectsAlreadyListedAsset(t *testing.T) {
	session := newTestSession(t)
	seedAccount(t, session, "seller")
	if err := asset.SetAsset(session, &asset.Asset{ID: "a1", Owner: "seller", Tradeable: true, ActiveListingID: "existing"}); err != nil {
		t.Fatalf("seed asset: %v", err)
	}

	msg := core.Message{Sender: "seller", Recipient: Contract, TypeName: "list_market",
		Payload: mustJSON(t, core.ListMarketPayload{AssetID: "a1", Price: 10})}
	ctx := &handler.Context{Session: session, Tx: &core.SignedTransaction{ID: "tx1"}}
	if err := precheckList(ctx, msg); err == nil {
		t.Fatal("expected precheckList to reject an already-listed asset")
	}
}

func TestBuyRejectsSellerBuyingOwnListing(t *testing.T) {
	session := newTestSession(t)
	seedAccount(t, session, "seller")
	if err := setListing(session, &Listing{ID: "l1", AssetID: "a1", Seller: "seller", Price: 10, Active: true}); err != nil {
		t.Fatalf("seed listing: %v", err)
	}

	msg := core.Message{Sender: "seller", Recipient: Contract, TypeName: "buy_market",
		Payload: mustJSON(t, core.BuyMarketPayload{ListingID: "l1"})}
	ctx := &handler.Context{Session: session, Tx: &core.SignedTransaction{ID: "tx1"}}
	if err := precheckBuy(ctx, msg); err == nil {
		t.Fatal("expected precheckBuy to reject the seller buying their own listing")
	}
}
