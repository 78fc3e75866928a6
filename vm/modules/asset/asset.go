// Package asset implements the "asset" contract: minting, burning, and
// transferring unique game items from registered templates. It is grounded
// on the teacher's vm/modules/asset package, adapted from core.State's
// GetAsset/SetAsset methods to direct *store.Session reads/writes now that
// per-module state no longer lives behind a single State interface.
package asset

import (
	"encoding/json"
	"fmt"

	"github.com/tolchain/tolchain/chain"
	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/crypto"
	"github.com/tolchain/tolchain/events"
	"github.com/tolchain/tolchain/handler"
	"github.com/tolchain/tolchain/store"
)

// Contract is the reserved account name asset messages are addressed to.
const Contract = "asset"

func init() {
	handler.Register(
		handler.Key{Contract: Contract, Scope: "", Action: "mint_asset"},
		validateMint, precheckMint, applyMint,
	)
	handler.Register(
		handler.Key{Contract: Contract, Scope: "", Action: "burn_asset"},
		validateBurn, precheckBurn, applyBurn,
	)
	handler.Register(
		handler.Key{Contract: Contract, Scope: "", Action: "transfer_asset"},
		validateTransferAsset, precheckTransferAsset, applyTransferAsset,
	)
}

// Asset is a single minted item owned by an account. ActiveListingID is set
// while the market module holds it locked in an open listing.
type Asset struct {
	ID              string         `json:"id"`
	TemplateID      string         `json:"template_id"`
	Owner           string         `json:"owner"`
	Properties      map[string]any `json:"properties"`
	Tradeable       bool           `json:"tradeable"`
	ActiveListingID string         `json:"active_listing_id,omitempty"`
	MintedAt        int64          `json:"minted_at"`
}

const assetPrefix = "asset/obj/"

func assetKey(id string) []byte { return []byte(assetPrefix + id) }

// GetAsset reads the asset with id. Exported for the market module, which
// locks and transfers assets as a side effect of its own actions.
func GetAsset(session *store.Session, id string) (*Asset, error) {
	data, err := session.Get(assetKey(id))
	if err != nil {
		return nil, err
	}
	var a Asset
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode asset %q: %w", id, err)
	}
	return &a, nil
}

// SetAsset stages a's current row in session.
func SetAsset(session *store.Session, a *Asset) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	session.Set(assetKey(a.ID), data)
	return nil
}

func validateMint(msg core.Message) error {
	var p core.MintAssetPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("decode mint_asset payload: %w", err)
	}
	if p.TemplateID == "" {
		return fmt.Errorf("template_id required")
	}
	return nil
}

func precheckMint(ctx *handler.Context, msg core.Message) error {
	var p core.MintAssetPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return err
	}
	tmpl, err := GetTemplate(ctx.Session, p.TemplateID)
	if err != nil {
		return fmt.Errorf("template %q not found: %w", p.TemplateID, err)
	}
	if tmpl.Creator != msg.Sender {
		return fmt.Errorf("only %q may mint from template %q", tmpl.Creator, p.TemplateID)
	}
	owner := p.Owner
	if owner == "" {
		owner = msg.Sender
	}
	if _, ok := chain.LookupAccount(ctx.Session, owner); !ok {
		return fmt.Errorf("owner %q does not exist", owner)
	}
	return nil
}

func applyMint(ctx *handler.Context, msg core.Message) error {
	var p core.MintAssetPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return err
	}
	tmpl, err := GetTemplate(ctx.Session, p.TemplateID)
	if err != nil {
		return err
	}
	owner := p.Owner
	if owner == "" {
		owner = msg.Sender
	}

	id := mintAssetID(ctx, p.TemplateID)
	a := &Asset{
		ID:         id,
		TemplateID: p.TemplateID,
		Owner:      owner,
		Properties: p.Properties,
		Tradeable:  tmpl.Tradeable,
		MintedAt:   ctx.BlockTimestamp(),
	}
	if err := SetAsset(ctx.Session, a); err != nil {
		return err
	}

	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventAssetMinted,
			TxID:        ctx.Tx.ID,
			BlockHeight: ctx.BlockHeight(),
			Data:        map[string]any{"asset_id": id, "template_id": p.TemplateID, "owner": owner},
		})
	}
	return nil
}

func validateBurn(msg core.Message) error {
	var p core.BurnAssetPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("decode burn_asset payload: %w", err)
	}
	if p.AssetID == "" {
		return fmt.Errorf("asset_id required")
	}
	return nil
}

func precheckBurn(ctx *handler.Context, msg core.Message) error {
	var p core.BurnAssetPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return err
	}
	a, err := GetAsset(ctx.Session, p.AssetID)
	if err != nil {
		return fmt.Errorf("asset %q not found: %w", p.AssetID, err)
	}
	if a.Owner != msg.Sender {
		return fmt.Errorf("only the owner may burn asset %q", p.AssetID)
	}
	if a.ActiveListingID != "" {
		return fmt.Errorf("asset %q is locked in an active listing", p.AssetID)
	}
	return nil
}

func applyBurn(ctx *handler.Context, msg core.Message) error {
	var p core.BurnAssetPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return err
	}
	ctx.Session.Delete(assetKey(p.AssetID))
	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventAssetBurned,
			TxID:        ctx.Tx.ID,
			BlockHeight: ctx.BlockHeight(),
			Data:        map[string]any{"asset_id": p.AssetID},
		})
	}
	return nil
}

func validateTransferAsset(msg core.Message) error {
	var p core.TransferAssetPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("decode transfer_asset payload: %w", err)
	}
	if p.AssetID == "" {
		return fmt.Errorf("asset_id required")
	}
	if p.To == "" {
		return fmt.Errorf("transfer destination required")
	}
	if p.To == msg.Sender {
		return fmt.Errorf("cannot transfer to self")
	}
	return nil
}

func precheckTransferAsset(ctx *handler.Context, msg core.Message) error {
	var p core.TransferAssetPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return err
	}
	a, err := GetAsset(ctx.Session, p.AssetID)
	if err != nil {
		return fmt.Errorf("asset %q not found: %w", p.AssetID, err)
	}
	if a.Owner != msg.Sender {
		return fmt.Errorf("only the owner may transfer asset %q", p.AssetID)
	}
	if !a.Tradeable {
		return fmt.Errorf("asset %q is not tradeable", p.AssetID)
	}
	if a.ActiveListingID != "" {
		return fmt.Errorf("asset %q is locked in an active listing", p.AssetID)
	}
	if _, ok := chain.LookupAccount(ctx.Session, p.To); !ok {
		return fmt.Errorf("transfer destination %q does not exist", p.To)
	}
	return nil
}

func applyTransferAsset(ctx *handler.Context, msg core.Message) error {
	var p core.TransferAssetPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return err
	}
	a, err := GetAsset(ctx.Session, p.AssetID)
	if err != nil {
		return err
	}
	a.Owner = p.To
	if err := SetAsset(ctx.Session, a); err != nil {
		return err
	}
	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventAssetTransfer,
			TxID:        ctx.Tx.ID,
			BlockHeight: ctx.BlockHeight(),
			Data:        map[string]any{"asset_id": p.AssetID, "from": msg.Sender, "to": p.To},
		})
	}
	return nil
}

// mintAssetID deterministically derives a new asset's id from the minting
// transaction and template, so re-applying the same transaction (e.g. during
// block re-validation) always yields the same id.
func mintAssetID(ctx *handler.Context, templateID string) string {
	return crypto.Hash([]byte(ctx.Tx.ID + ":asset:" + templateID))
}
