package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/tolchain/tolchain/chain"
	"github.com/tolchain/tolchain/config"
	"github.com/tolchain/tolchain/consensus"
	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/crypto"
	"github.com/tolchain/tolchain/events"
	"github.com/tolchain/tolchain/handler"
	"github.com/tolchain/tolchain/indexer"
	"github.com/tolchain/tolchain/internal/testutil"
	"github.com/tolchain/tolchain/network"
	"github.com/tolchain/tolchain/rpc"
	"github.com/tolchain/tolchain/vm/modules/asset"
	"github.com/tolchain/tolchain/vm/modules/market"
	"github.com/tolchain/tolchain/vm/modules/session"
	"github.com/tolchain/tolchain/wallet"
)

const testChainID = "tolchain-test"

// testNode bundles a running node's dependencies, mirroring cmd/node's
// startup wiring against an in-memory store and a single producer.
type testNode struct {
	ctrl   *chain.Controller
	url    string
	done   chan struct{}
	node   *network.Node
	server *rpc.Server
}

func (n *testNode) stop() {
	close(n.done)
	n.server.Stop()
	n.node.Stop()
}

// startTestNode brings up a full single-producer chain: gameServer produces
// every block, player1 and player2 are funded accounts with no special
// authority. BlockIntervalSeconds is 1 and the epoch is set a couple of
// seconds in the past so consensus.Engine.Run produces blocks within the
// first tick instead of waiting out a multi-second interval.
func startTestNode(t *testing.T, gameServer, player1, player2 *wallet.Wallet) *testNode {
	t.Helper()

	cfg := &config.Config{
		NodeID:      "test-node",
		DataDir:     t.TempDir(),
		RPCPort:     0,
		P2PPort:     0,
		MaxBlockTxs: 500,
		Producer:    gameServer.Name(),
		Genesis: config.GenesisConfig{
			ChainID:                   testChainID,
			Timestamp:                 time.Now().Add(-2 * time.Second).Unix(),
			BlockIntervalSeconds:      1,
			ProducerCount:             1,
			MaxTransactionLifetimeSec: 3600,
			BlockSizeLimitBytes:       1 << 20,
			Producers: []core.Producer{
				{Owner: gameServer.Name(), SigningKey: gameServer.PubKey()},
			},
			Alloc: map[string]config.AllocEntry{
				gameServer.Name(): {PublicKey: gameServer.PubKey(), Balance: 1_000_000},
				player1.Name():    {PublicKey: player1.PubKey(), Balance: 1_000_000},
				player2.Name():    {PublicKey: player2.PubKey(), Balance: 1_000_000},
			},
		},
	}

	db := testutil.NewMemDB()
	emitter := events.NewEmitter()
	idx := indexer.New(db, emitter)
	types := registerTestTypes()

	ctrl, err := chain.New(db, config.NewGenesis(cfg), handler.Global(), types, emitter)
	if err != nil {
		t.Fatalf("chain.New: %v", err)
	}

	node := network.NewNode(cfg.NodeID, "127.0.0.1:0", ctrl, nil)
	if err := node.Start(); err != nil {
		t.Fatalf("node.Start: %v", err)
	}

	rpcHandler := rpc.NewHandler(ctrl, idx, cfg.Genesis.ChainID)
	server := rpc.NewServer("127.0.0.1:0", rpcHandler, "")
	if err := server.Start(); err != nil {
		t.Fatalf("rpc.Start: %v", err)
	}

	done := make(chan struct{})
	engine := consensus.New(ctrl, gameServer.Name(), gameServer.PrivKey())
	go engine.Run(done)

	n := &testNode{
		ctrl:   ctrl,
		url:    "http://" + server.Addr().String() + "/",
		done:   done,
		node:   node,
		server: server,
	}
	t.Cleanup(n.stop)
	return n
}

// rpcCall posts a JSON-RPC 2.0 request and returns the raw result, failing
// the test on a transport error or an RPC-level error response.
func rpcCall(t *testing.T, url, method string, params any) json.RawMessage {
	t.Helper()
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	reqBody, err := json.Marshal(rpc.Request{JSONRPC: "2.0", ID: 1, Method: method, Params: paramsRaw})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(reqBody))
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	defer resp.Body.Close()

	var out rpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s: decode response: %v", method, err)
	}
	if out.Error != nil {
		t.Fatalf("%s: rpc error %d: %s", method, out.Error.Code, out.Error.Message)
	}
	raw, err := json.Marshal(out.Result)
	if err != nil {
		t.Fatalf("%s: re-marshal result: %v", method, err)
	}
	return raw
}

// rpcCallAllowError behaves like rpcCall but returns the raw Response
// instead of failing the test when the RPC method reports an error — used
// where an error response is itself the expected outcome (e.g. querying a
// burned asset).
func rpcCallAllowError(t *testing.T, url, method string, params any) rpc.Response {
	t.Helper()
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	reqBody, err := json.Marshal(rpc.Request{JSONRPC: "2.0", ID: 1, Method: method, Params: paramsRaw})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(reqBody))
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	defer resp.Body.Close()

	var out rpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s: decode response: %v", method, err)
	}
	return out
}

// waitBlock polls getBlockHeight until it reaches at least minHeight.
func waitBlock(t *testing.T, url string, minHeight int64) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var height int64
		if err := json.Unmarshal(rpcCall(t, url, "getBlockHeight", struct{}{}), &height); err == nil && height >= minHeight {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for block height %d", minHeight)
}

// refBlock fetches the current head block and returns its TAPoS fields.
func refBlock(t *testing.T, url string) (refBlockNum, refBlockPrefix uint32) {
	t.Helper()
	var block struct {
		ID     core.BlockID `json:"id"`
		Header struct {
			Height int64 `json:"height"`
		} `json:"header"`
	}
	if err := json.Unmarshal(rpcCall(t, url, "getBlock", struct{}{}), &block); err != nil {
		t.Fatalf("decode head block: %v", err)
	}
	id := block.ID
	if id == "" {
		id = core.ZeroBlockID
	}
	return uint32(block.Header.Height), core.BlockIDPrefix(id)
}

// buildTx signs a single-message transaction addressed to recipient/typeName
// from w, referencing the chain's current head for TAPoS.
func buildTx(t *testing.T, url string, w *wallet.Wallet, recipient, typeName string, payload any) *core.SignedTransaction {
	t.Helper()
	refNum, refPrefix := refBlock(t, url)
	raw := mustMarshal(t, payload)
	msg := core.Message{
		Sender:        w.Name(),
		Recipient:     recipient,
		TypeName:      typeName,
		Payload:       raw,
		Authorization: []string{w.Name()},
	}
	return w.NewTransaction(refNum, refPrefix, time.Now().Add(time.Hour).Unix(), []core.Message{msg})
}

func sendTx(t *testing.T, url string, tx *core.SignedTransaction) {
	t.Helper()
	rpcCall(t, url, "sendTx", tx)
}

func getBalance(t *testing.T, url, account string) uint64 {
	t.Helper()
	var result struct {
		Balance uint64 `json:"balance"`
	}
	if err := json.Unmarshal(rpcCall(t, url, "getBalance", map[string]string{"account": account}), &result); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	return result.Balance
}

// TestGameIntegration drives a full scenario across a live, block-producing
// chain: token transfer, asset minting and transfer, a market trade, a game
// session, and an asset burn.
func TestGameIntegration(t *testing.T) {
	gameServer, err := wallet.Generate("gameServer")
	if err != nil {
		t.Fatal(err)
	}
	player1, err := wallet.Generate("player1")
	if err != nil {
		t.Fatal(err)
	}
	player2, err := wallet.Generate("player2")
	if err != nil {
		t.Fatal(err)
	}

	n := startTestNode(t, gameServer, player1, player2)
	waitBlock(t, n.url, 1)

	var mintedAssetID string

	t.Run("1_TokenTransfer", func(t *testing.T) {
		nextHeight := n.ctrl.DynamicProperties().HeadBlockNum + 1
		tx := buildTx(t, n.url, gameServer, "token", "transfer", core.TransferPayload{To: player1.Name(), Amount: 100_000})
		sendTx(t, n.url, tx)
		waitBlock(t, n.url, nextHeight)

		if bal := getBalance(t, n.url, player1.Name()); bal != 1_100_000 {
			t.Errorf("player1 balance: got %d want 1100000", bal)
		}
		if bal := getBalance(t, n.url, gameServer.Name()); bal != 900_000 {
			t.Errorf("gameServer balance: got %d want 900000", bal)
		}
	})

	t.Run("2_RegisterTemplate", func(t *testing.T) {
		nextHeight := n.ctrl.DynamicProperties().HeadBlockNum + 1
		tx := buildTx(t, n.url, gameServer, "asset", "register_template", core.RegisterTemplatePayload{
			ID:        "sword-template",
			Name:      "Sword",
			Tradeable: true,
			Schema:    map[string]any{"attack": "int"},
		})
		sendTx(t, n.url, tx)
		waitBlock(t, n.url, nextHeight)
	})

	t.Run("3_MintAsset", func(t *testing.T) {
		nextHeight := n.ctrl.DynamicProperties().HeadBlockNum + 1
		tx := buildTx(t, n.url, gameServer, "asset", "mint_asset", core.MintAssetPayload{
			TemplateID: "sword-template",
			Owner:      player1.Name(),
			Properties: map[string]any{"attack": 50},
		})
		mintedAssetID = crypto.Hash([]byte(tx.ID + ":asset:sword-template"))
		sendTx(t, n.url, tx)
		waitBlock(t, n.url, nextHeight)

		var a asset.Asset
		if err := json.Unmarshal(rpcCall(t, n.url, "getAsset", map[string]string{"id": mintedAssetID}), &a); err != nil {
			t.Fatalf("decode asset: %v", err)
		}
		if a.Owner != player1.Name() {
			t.Errorf("owner: got %s want %s", a.Owner, player1.Name())
		}
		if !a.Tradeable {
			t.Error("asset should be tradeable (inherited from template)")
		}
	})

	t.Run("4_TransferAsset", func(t *testing.T) {
		nextHeight := n.ctrl.DynamicProperties().HeadBlockNum + 1
		tx := buildTx(t, n.url, player1, "asset", "transfer_asset", core.TransferAssetPayload{
			AssetID: mintedAssetID,
			To:      player2.Name(),
		})
		sendTx(t, n.url, tx)
		waitBlock(t, n.url, nextHeight)

		var a asset.Asset
		if err := json.Unmarshal(rpcCall(t, n.url, "getAsset", map[string]string{"id": mintedAssetID}), &a); err != nil {
			t.Fatalf("decode asset: %v", err)
		}
		if a.Owner != player2.Name() {
			t.Errorf("owner: got %s want %s", a.Owner, player2.Name())
		}
	})

	t.Run("5_Market", func(t *testing.T) {
		nextHeight := n.ctrl.DynamicProperties().HeadBlockNum + 1
		listTx := buildTx(t, n.url, player2, "market", "list_market", core.ListMarketPayload{
			AssetID: mintedAssetID,
			Price:   10_000,
		})
		listingID := crypto.Hash([]byte(listTx.ID + ":listing:" + mintedAssetID))
		sendTx(t, n.url, listTx)
		waitBlock(t, n.url, nextHeight)

		var listing market.Listing
		if err := json.Unmarshal(rpcCall(t, n.url, "getListing", map[string]string{"id": listingID}), &listing); err != nil {
			t.Fatalf("decode listing: %v", err)
		}
		if !listing.Active || listing.Seller != player2.Name() {
			t.Fatalf("unexpected listing: %+v", listing)
		}

		nextHeight = n.ctrl.DynamicProperties().HeadBlockNum + 1
		buyTx := buildTx(t, n.url, player1, "market", "buy_market", core.BuyMarketPayload{ListingID: listingID})
		sendTx(t, n.url, buyTx)
		waitBlock(t, n.url, nextHeight)

		var a asset.Asset
		if err := json.Unmarshal(rpcCall(t, n.url, "getAsset", map[string]string{"id": mintedAssetID}), &a); err != nil {
			t.Fatalf("decode asset: %v", err)
		}
		if a.Owner != player1.Name() {
			t.Errorf("owner after buy: got %s want %s", a.Owner, player1.Name())
		}
		if a.ActiveListingID != "" {
			t.Error("asset should no longer be locked in a listing")
		}
	})

	t.Run("6_Session", func(t *testing.T) {
		const sessionID = "match-1"
		nextHeight := n.ctrl.DynamicProperties().HeadBlockNum + 1
		openTx := buildTx(t, n.url, gameServer, "session", "session_open", core.SessionOpenPayload{
			SessionID: sessionID,
			GameID:    "arena",
			Players:   []string{player1.Name(), player2.Name()},
			Stakes:    5_000,
		})
		sendTx(t, n.url, openTx)
		waitBlock(t, n.url, nextHeight)

		p1Before := getBalance(t, n.url, player1.Name())
		p2Before := getBalance(t, n.url, player2.Name())

		nextHeight = n.ctrl.DynamicProperties().HeadBlockNum + 1
		resultTx := buildTx(t, n.url, gameServer, "session", "session_result", core.SessionResultPayload{
			SessionID: sessionID,
			Outcome:   map[string]uint64{player1.Name(): 10_000},
		})
		sendTx(t, n.url, resultTx)
		waitBlock(t, n.url, nextHeight)

		var sess session.Session
		if err := json.Unmarshal(rpcCall(t, n.url, "getSession", map[string]string{"id": sessionID}), &sess); err != nil {
			t.Fatalf("decode session: %v", err)
		}
		if sess.Status != "closed" {
			t.Errorf("session status: got %q want closed", sess.Status)
		}

		if bal := getBalance(t, n.url, player1.Name()); bal != p1Before+10_000 {
			t.Errorf("player1 balance after session: got %d want %d", bal, p1Before+10_000)
		}
		if bal := getBalance(t, n.url, player2.Name()); bal != p2Before {
			t.Errorf("player2 balance after session: got %d want %d (stake not returned)", bal, p2Before)
		}
	})

	t.Run("7_BurnAsset", func(t *testing.T) {
		nextHeight := n.ctrl.DynamicProperties().HeadBlockNum + 1
		tx := buildTx(t, n.url, player1, "asset", "burn_asset", core.BurnAssetPayload{AssetID: mintedAssetID})
		sendTx(t, n.url, tx)
		waitBlock(t, n.url, nextHeight)

		resp := rpcCallAllowError(t, n.url, "getAsset", map[string]string{"id": mintedAssetID})
		if resp.Error == nil {
			t.Errorf("expected getAsset to fail for a burned asset, got result %v", resp.Result)
		}
	})
}
