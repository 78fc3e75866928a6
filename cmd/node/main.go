// Command node starts a TOL Chain node.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/tolchain/tolchain/blocklog"
	"github.com/tolchain/tolchain/chain"
	"github.com/tolchain/tolchain/config"
	"github.com/tolchain/tolchain/consensus"
	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/crypto"
	"github.com/tolchain/tolchain/crypto/certgen"
	"github.com/tolchain/tolchain/events"
	"github.com/tolchain/tolchain/handler"
	"github.com/tolchain/tolchain/indexer"
	"github.com/tolchain/tolchain/network"
	"github.com/tolchain/tolchain/rpc"
	"github.com/tolchain/tolchain/store"
	"github.com/tolchain/tolchain/wallet"

	// Import VM modules to trigger their init() self-registration against
	// handler.Global().
	_ "github.com/tolchain/tolchain/vm/modules/asset"
	_ "github.com/tolchain/tolchain/vm/modules/economy"
	_ "github.com/tolchain/tolchain/vm/modules/market"
	_ "github.com/tolchain/tolchain/vm/modules/session"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "validator.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new producer key and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	flag.Parse()

	// Read keystore password from environment (not CLI flags — they leak via ps).
	password := os.Getenv("TOL_PASSWORD")
	if password == "" {
		log.Println("WARNING: TOL_PASSWORD not set — keystore will use an empty password")
	}

	// ---- generate key mode ----
	if *genKey {
		priv, pub, err := crypto.GenerateKeyPair()
		if err != nil {
			log.Fatal(err)
		}
		if err := wallet.SaveKey(*keyPath, password, priv); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated key. Public key (register this as a producer's signing_key): %s\n", pub.Hex())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	// ---- generate certs mode ----
	if *genCerts != "" {
		cfgForCerts, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if err := certgen.GenerateAll(*genCerts, cfgForCerts.NodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfgForCerts.NodeID)
		return
	}

	// ---- load config ----
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- load node key (used to sign blocks when cfg.Producer is set) ----
	privKey, err := wallet.LoadKey(*keyPath, password)
	if err != nil {
		log.Fatalf("load key: %v", err)
	}

	// ---- open DB ----
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}
	db, err := store.NewLevelDB(cfg.DataDir + "/chain")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	// ---- block log (reuse same DB with a different key prefix) ----
	blog := blocklog.New(db)

	// ---- events ----
	emitter := events.NewEmitter()

	// ---- indexer ----
	idx := indexer.New(db, emitter)

	// ---- message type registry ----
	types := registerTypes()

	// ---- chain controller ----
	genesis := config.NewGenesis(cfg)
	ctrl, err := chain.New(db, genesis, handler.Global(), types, emitter)
	if err != nil {
		log.Fatalf("chain init: %v", err)
	}
	ctrl.SetBlockLog(blog)
	if err := ctrl.Replay(blog); err != nil {
		log.Fatalf("chain replay: %v", err)
	}
	log.Printf("Chain head: %s (height %d)", ctrl.DynamicProperties().HeadBlockID, ctrl.DynamicProperties().HeadBlockNum)

	// ---- TLS ----
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	if tlsCfg != nil {
		log.Println("mTLS enabled for P2P")
	}

	// ---- network ----
	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	node := network.NewNode(cfg.NodeID, p2pAddr, ctrl, tlsCfg)
	syncer := network.NewSyncer(node, ctrl)
	if err := node.Start(); err != nil {
		log.Fatalf("p2p start: %v", err)
	}
	defer node.Stop()
	log.Printf("P2P listening on %s", p2pAddr)

	// ---- connect to seed peers ----
	for _, sp := range cfg.SeedPeers {
		if err := node.AddPeer(sp.ID, sp.Addr); err != nil {
			log.Printf("seed peer %s (%s): %v", sp.ID, sp.Addr, err)
			continue
		}
		if peer := node.Peer(sp.ID); peer != nil {
			fromHeight := ctrl.DynamicProperties().HeadBlockNum + 1
			if err := syncer.RequestBlocks(peer, fromHeight); err != nil {
				log.Printf("request blocks from %s: %v", sp.ID, err)
			}
		}
		log.Printf("Connected to seed peer %s (%s)", sp.ID, sp.Addr)
	}

	// ---- RPC ----
	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcHandler := rpc.NewHandler(ctrl, idx, cfg.Genesis.ChainID)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken)
	if err := rpcServer.Start(); err != nil {
		log.Fatalf("rpc start: %v", err)
	}
	defer rpcServer.Stop()
	log.Printf("RPC listening on %s", rpcAddr)
	if cfg.RPCAuthToken != "" {
		log.Println("RPC Bearer token authentication enabled")
	}

	// ---- consensus loop (only if this node is configured to produce) ----
	done := make(chan struct{})
	var wg sync.WaitGroup
	if cfg.Producer != "" {
		engine := consensus.New(ctrl, cfg.Producer, privKey)
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.Run(done)
		}()
		log.Printf("Producing as %q (key: %s)", cfg.Producer, privKey.Public().Hex())
	} else {
		log.Println("Running as a non-producing node")
	}

	// ---- graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	// 1. Stop consensus first (no new blocks written)
	close(done)
	wg.Wait()

	// 2. Deferred calls run in LIFO: rpcServer.Stop → node.Stop → db.Close
	log.Println("Shutdown complete.")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// registerTypes builds the TypeRegistry every handler's validate stage
// (§4.4 stage 5, structural decode) consults. Every vm/modules message
// type gets a native decoder here; none declares a base scope (Open
// Question (a)'s resolved default), so Message.Scope is always taken as
// given rather than implied by type name.
func registerTypes() *core.TypeRegistry {
	types := core.NewTypeRegistry()

	register := func(name string, v func() any) {
		types.RegisterNative(name, "", func(payload json.RawMessage) (any, error) {
			out := v()
			if err := json.Unmarshal(payload, out); err != nil {
				return nil, err
			}
			return out, nil
		})
	}

	register("transfer", func() any { return &core.TransferPayload{} })
	register("mint_asset", func() any { return &core.MintAssetPayload{} })
	register("burn_asset", func() any { return &core.BurnAssetPayload{} })
	register("transfer_asset", func() any { return &core.TransferAssetPayload{} })
	register("register_template", func() any { return &core.RegisterTemplatePayload{} })
	register("session_open", func() any { return &core.SessionOpenPayload{} })
	register("session_result", func() any { return &core.SessionResultPayload{} })
	register("list_market", func() any { return &core.ListMarketPayload{} })
	register("buy_market", func() any { return &core.BuyMarketPayload{} })

	return types
}
