// Package market implements the "market" contract: listing and buying
// tradeable assets for tokens. It composes the asset and economy modules'
// exported storage accessors rather than duplicating ownership or balance
// bookkeeping, grounded on the teacher's vm/modules/market package.
package market

import (
	"encoding/json"
	"fmt"

	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/crypto"
	"github.com/tolchain/tolchain/events"
	"github.com/tolchain/tolchain/handler"
	"github.com/tolchain/tolchain/store"
	"github.com/tolchain/tolchain/vm/modules/asset"
	"github.com/tolchain/tolchain/vm/modules/economy"
)

// Contract is the reserved account name market messages are addressed to.
const Contract = "market"

func init() {
	handler.Register(
		handler.Key{Contract: Contract, Scope: "", Action: "list_market"},
		validateList, precheckList, applyList,
	)
	handler.Register(
		handler.Key{Contract: Contract, Scope: "", Action: "buy_market"},
		validateBuy, precheckBuy, applyBuy,
	)
}

// Listing is an open offer to sell an asset for a fixed token price.
type Listing struct {
	ID        string `json:"id"`
	AssetID   string `json:"asset_id"`
	Seller    string `json:"seller"`
	Price     uint64 `json:"price"`
	Active    bool   `json:"active"`
	CreatedAt int64  `json:"created_at"`
}

const listingPrefix = "market/listing/"

func listingKey(id string) []byte { return []byte(listingPrefix + id) }

// GetListing reads the listing with id. Exported for RPC queries.
func GetListing(session *store.Session, id string) (*Listing, error) {
	data, err := session.Get(listingKey(id))
	if err != nil {
		return nil, err
	}
	var l Listing
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode listing %q: %w", id, err)
	}
	return &l, nil
}

func setListing(session *store.Session, l *Listing) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	session.Set(listingKey(l.ID), data)
	return nil
}

func validateList(msg core.Message) error {
	var p core.ListMarketPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("decode list_market payload: %w", err)
	}
	if p.AssetID == "" {
		return fmt.Errorf("asset_id required")
	}
	if p.Price == 0 {
		return fmt.Errorf("price must be > 0")
	}
	return nil
}

func precheckList(ctx *handler.Context, msg core.Message) error {
	var p core.ListMarketPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return err
	}
	a, err := asset.GetAsset(ctx.Session, p.AssetID)
	if err != nil {
		return fmt.Errorf("asset %q not found: %w", p.AssetID, err)
	}
	if a.Owner != msg.Sender {
		return fmt.Errorf("only the asset owner may list %q", p.AssetID)
	}
	if !a.Tradeable {
		return fmt.Errorf("asset %q is not tradeable", p.AssetID)
	}
	if a.ActiveListingID != "" {
		return fmt.Errorf("asset %q is already listed (listing %s)", p.AssetID, a.ActiveListingID)
	}
	return nil
}

func applyList(ctx *handler.Context, msg core.Message) error {
	var p core.ListMarketPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return err
	}
	a, err := asset.GetAsset(ctx.Session, p.AssetID)
	if err != nil {
		return err
	}

	listingID := crypto.Hash([]byte(ctx.Tx.ID + ":listing:" + p.AssetID))
	listing := &Listing{
		ID:        listingID,
		AssetID:   p.AssetID,
		Seller:    msg.Sender,
		Price:     p.Price,
		Active:    true,
		CreatedAt: ctx.BlockTimestamp(),
	}
	if err := setListing(ctx.Session, listing); err != nil {
		return err
	}

	a.ActiveListingID = listingID
	if err := asset.SetAsset(ctx.Session, a); err != nil {
		return err
	}

	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventMarketList,
			TxID:        ctx.Tx.ID,
			BlockHeight: ctx.BlockHeight(),
			Data:        map[string]any{"listing_id": listingID, "asset_id": p.AssetID, "price": p.Price},
		})
	}
	return nil
}

func validateBuy(msg core.Message) error {
	var p core.BuyMarketPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("decode buy_market payload: %w", err)
	}
	if p.ListingID == "" {
		return fmt.Errorf("listing_id required")
	}
	return nil
}

func precheckBuy(ctx *handler.Context, msg core.Message) error {
	var p core.BuyMarketPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return err
	}
	listing, err := GetListing(ctx.Session, p.ListingID)
	if err != nil {
		return fmt.Errorf("listing %q not found: %w", p.ListingID, err)
	}
	if !listing.Active {
		return fmt.Errorf("listing %q is no longer active", p.ListingID)
	}
	if listing.Seller == msg.Sender {
		return fmt.Errorf("seller cannot buy their own listing")
	}
	bal, err := economy.GetBalance(ctx.Session, msg.Sender)
	if err != nil {
		return err
	}
	if bal < listing.Price {
		return fmt.Errorf("insufficient balance: have %d need %d", bal, listing.Price)
	}
	return nil
}

func applyBuy(ctx *handler.Context, msg core.Message) error {
	var p core.BuyMarketPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return err
	}
	listing, err := GetListing(ctx.Session, p.ListingID)
	if err != nil {
		return err
	}

	if err := economy.Debit(ctx.Session, msg.Sender, listing.Price); err != nil {
		return err
	}
	if err := economy.Credit(ctx.Session, listing.Seller, listing.Price); err != nil {
		return err
	}

	a, err := asset.GetAsset(ctx.Session, listing.AssetID)
	if err != nil {
		return fmt.Errorf("asset %q not found: %w", listing.AssetID, err)
	}
	a.Owner = msg.Sender
	a.ActiveListingID = ""
	if err := asset.SetAsset(ctx.Session, a); err != nil {
		return err
	}

	listing.Active = false
	if err := setListing(ctx.Session, listing); err != nil {
		return err
	}

	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventMarketBuy,
			TxID:        ctx.Tx.ID,
			BlockHeight: ctx.BlockHeight(),
			Data: map[string]any{
				"listing_id": p.ListingID,
				"asset_id":   listing.AssetID,
				"buyer":      msg.Sender,
				"seller":     listing.Seller,
				"price":      listing.Price,
			},
		})
	}
	return nil
}
