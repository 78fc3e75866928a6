package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/tolchain/tolchain/chain"
	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/indexer"
	"github.com/tolchain/tolchain/store"
	"github.com/tolchain/tolchain/vm/modules/asset"
	"github.com/tolchain/tolchain/vm/modules/economy"
	"github.com/tolchain/tolchain/vm/modules/market"
	"github.com/tolchain/tolchain/vm/modules/session"
)

// Handler holds all dependencies needed to serve RPC methods.
type Handler struct {
	chain   *chain.Controller
	indexer *indexer.Indexer
	chainID string // advertised via getChainId; TAPoS binding (not this field) is what stops cross-chain replay
}

// NewHandler creates an RPC Handler.
func NewHandler(c *chain.Controller, idx *indexer.Indexer, chainID string) *Handler {
	return &Handler{chain: c, indexer: idx, chainID: chainID}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "getChainId":
		return okResponse(req.ID, h.chainID)

	case "getBlockHeight":
		return okResponse(req.ID, h.chain.DynamicProperties().HeadBlockNum)

	case "getBlock":
		return h.getBlock(req)

	case "getBalance":
		return h.getBalance(req)

	case "getAsset":
		return h.getAsset(req)

	case "getSession":
		return h.getSession(req)

	case "getListing":
		return h.getListing(req)

	case "getAssetsByOwner":
		return h.getAssetsByOwner(req)

	case "sendTx":
		return h.sendTx(req)

	case "getMempoolSize":
		return okResponse(req.ID, len(h.chain.PendingTransactions()))

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) getBlock(req Request) Response {
	var params struct {
		ID     string `json:"id"`
		Height *int64 `json:"height"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}

	var block *core.SignedBlock
	var ok bool
	switch {
	case params.ID != "":
		block, ok = h.chain.BlockByID(core.BlockID(params.ID))
	case params.Height != nil:
		block, ok = h.chain.BlockByHeight(*params.Height)
	default:
		block, ok = h.chain.BlockByHeight(h.chain.DynamicProperties().HeadBlockNum)
	}
	if !ok {
		return errResponse(req.ID, CodeInternalError, "no block found")
	}
	return okResponse(req.ID, block)
}

func (h *Handler) getBalance(req Request) Response {
	var params struct {
		Account string `json:"account"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Account == "" {
		return errResponse(req.ID, CodeInvalidParams, "account is required")
	}
	var bal uint64
	var viewErr error
	h.chain.View(func(s *store.Session) {
		bal, viewErr = economy.GetBalance(s, params.Account)
	})
	if viewErr != nil {
		return errResponse(req.ID, CodeInternalError, viewErr.Error())
	}
	return okResponse(req.ID, map[string]any{"account": params.Account, "balance": bal})
}

func (h *Handler) getAsset(req Request) Response {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.ID == "" {
		return errResponse(req.ID, CodeInvalidParams, "id is required")
	}
	var a *asset.Asset
	var viewErr error
	h.chain.View(func(s *store.Session) {
		a, viewErr = asset.GetAsset(s, params.ID)
	})
	if viewErr != nil {
		return errResponse(req.ID, CodeInternalError, viewErr.Error())
	}
	return okResponse(req.ID, a)
}

func (h *Handler) getSession(req Request) Response {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.ID == "" {
		return errResponse(req.ID, CodeInvalidParams, "id is required")
	}
	var sess *session.Session
	var viewErr error
	h.chain.View(func(s *store.Session) {
		sess, viewErr = session.GetSession(s, params.ID)
	})
	if viewErr != nil {
		return errResponse(req.ID, CodeInternalError, viewErr.Error())
	}
	return okResponse(req.ID, sess)
}

func (h *Handler) getListing(req Request) Response {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.ID == "" {
		return errResponse(req.ID, CodeInvalidParams, "id is required")
	}
	var listing *market.Listing
	var viewErr error
	h.chain.View(func(s *store.Session) {
		listing, viewErr = market.GetListing(s, params.ID)
	})
	if viewErr != nil {
		return errResponse(req.ID, CodeInternalError, viewErr.Error())
	}
	return okResponse(req.ID, listing)
}

func (h *Handler) getAssetsByOwner(req Request) Response {
	var params struct {
		Owner string `json:"owner"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Owner == "" {
		return errResponse(req.ID, CodeInvalidParams, "owner is required")
	}
	ids, err := h.indexer.GetAssetsByOwner(params.Owner)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, ids)
}

func (h *Handler) sendTx(req Request) Response {
	var tx core.SignedTransaction
	if err := json.Unmarshal(req.Params, &tx); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if err := h.chain.PushTransaction(&tx); err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]string{"tx_id": tx.ID})
}
