package network

import (
	"encoding/json"
	"log"

	"github.com/tolchain/tolchain/chain"
	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/validation"
)

// GetBlocksRequest asks a peer for blocks starting at FromHeight.
type GetBlocksRequest struct {
	FromHeight int64 `json:"from_height"`
	Limit      int   `json:"limit"`
}

// BlocksResponse carries a batch of blocks.
type BlocksResponse struct {
	Blocks []*core.SignedBlock `json:"blocks"`
}

// Syncer handles block synchronisation between nodes. All the work of
// validating and applying a received block — §4.7's full staged algorithm,
// including per-transaction session isolation that rolls back cleanly on
// failure — now lives in chain.Controller.PushBlock, so Syncer itself only
// needs to drive the request/response exchange.
type Syncer struct {
	node  *Node
	chain *chain.Controller
}

// NewSyncer creates a Syncer that requests missing blocks from peers and
// feeds received ones into c.
func NewSyncer(node *Node, c *chain.Controller) *Syncer {
	s := &Syncer{node: node, chain: c}
	node.Handle(MsgGetBlocks, s.handleGetBlocks)
	node.Handle(MsgBlocks, s.handleBlocks)
	return s
}

// RequestBlocks asks peer for blocks starting at fromHeight.
func (s *Syncer) RequestBlocks(peer *Peer, fromHeight int64) error {
	req, err := json.Marshal(GetBlocksRequest{FromHeight: fromHeight, Limit: 50})
	if err != nil {
		return err
	}
	return peer.Send(Message{Type: MsgGetBlocks, Payload: req})
}

func (s *Syncer) handleGetBlocks(peer *Peer, msg Message) {
	var req GetBlocksRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	if req.Limit <= 0 || req.Limit > 200 {
		req.Limit = 50
	}
	blocks := make([]*core.SignedBlock, 0, req.Limit)
	for h := req.FromHeight; h < req.FromHeight+int64(req.Limit); h++ {
		b, ok := s.chain.BlockByHeight(h)
		if !ok {
			break
		}
		blocks = append(blocks, b)
	}
	data, err := json.Marshal(BlocksResponse{Blocks: blocks})
	if err != nil {
		return
	}
	_ = peer.Send(Message{Type: MsgBlocks, Payload: data})
}

func (s *Syncer) handleBlocks(_ *Peer, msg Message) {
	var resp BlocksResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		return
	}
	for _, b := range resp.Blocks {
		if err := s.chain.PushBlock(b, validation.SkipFlags(0)); err != nil {
			log.Printf("[sync] block %d push failed: %v", b.Header.Height, err)
			continue // skip this block, try the rest
		}
	}
}
