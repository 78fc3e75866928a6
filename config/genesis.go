package config

import (
	"fmt"
	"time"

	"github.com/tolchain/tolchain/chain"
	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/store"
	"github.com/tolchain/tolchain/vm/modules/economy"
)

// GenesisHash is the canonical all-zero block id genesis-adjacent code
// compares against, mirroring core.ZeroBlockID under its pre-DPoS name.
const GenesisHash = string(core.ZeroBlockID)

// IsGenesisHash reports whether h is the canonical genesis block id.
func IsGenesisHash(h string) bool {
	return h == GenesisHash
}

// Genesis implements chain.Initializer (§6) from a Config's genesis
// section: it seeds allocated accounts and their starting balances, and
// supplies the chain-start time, configuration and initial producer set
// Controller needs to bootstrap an empty store. It replaces the teacher's
// flat CreateGenesisBlock, which built and signed block #0 directly; under
// DPoS, chain.Controller itself owns block assembly, so Genesis only needs
// to answer the three chain-start questions plus seed the store once.
type Genesis struct {
	cfg *Config
}

// NewGenesis wraps cfg as a chain.Initializer.
func NewGenesis(cfg *Config) *Genesis {
	return &Genesis{cfg: cfg}
}

// PrepareDatabase seeds db with every allocated account (and its starting
// token balance) and every genesis producer, using the same "accounts are
// rows keyed by name" convention chain/accounts.go already keeps. Called
// once by chain.New, only against a store with no existing genesis marker.
func (g *Genesis) PrepareDatabase(db store.DB) error {
	mgr := store.NewManager(db)
	root := mgr.Root()

	for name, alloc := range g.cfg.Genesis.Alloc {
		acc := core.Account{
			Name: name,
			Permissions: map[string]core.Authority{
				"active": {
					Threshold: 1,
					Keys:      []core.AuthorityKey{{PublicKey: alloc.PublicKey, Weight: 1}},
				},
			},
			CreatedAt: g.cfg.Genesis.Timestamp,
		}
		if err := chain.PutAccount(root, acc); err != nil {
			return fmt.Errorf("config: seed account %q: %w", name, err)
		}
		if alloc.Balance > 0 {
			if err := economy.SetBalance(root, name, alloc.Balance); err != nil {
				return fmt.Errorf("config: seed balance for %q: %w", name, err)
			}
		}
	}

	for _, p := range g.cfg.Genesis.Producers {
		acc := core.Account{
			Name: p.Owner,
			Permissions: map[string]core.Authority{
				"active": {
					Threshold: 1,
					Keys:      []core.AuthorityKey{{PublicKey: p.SigningKey, Weight: 1}},
				},
			},
			CreatedAt: g.cfg.Genesis.Timestamp,
		}
		if err := chain.PutAccount(root, acc); err != nil {
			return fmt.Errorf("config: seed producer account %q: %w", p.Owner, err)
		}
	}

	return root.Commit()
}

// GetChainStartTime returns the genesis epoch: slot 0's instant.
func (g *Genesis) GetChainStartTime() time.Time {
	return time.Unix(g.cfg.Genesis.Timestamp, 0).UTC()
}

// GetChainStartConfiguration returns the initial BlockchainConfig, before
// any producer vote has had a chance to change it.
func (g *Genesis) GetChainStartConfiguration() core.BlockchainConfig {
	return core.BlockchainConfig{
		BlockIntervalSeconds:      g.cfg.Genesis.BlockIntervalSeconds,
		ProducerCount:             g.cfg.Genesis.ProducerCount,
		MaxTransactionLifetimeSec: g.cfg.Genesis.MaxTransactionLifetimeSec,
		BlockSizeLimitBytes:       g.cfg.Genesis.BlockSizeLimitBytes,
	}
}

// GetChainStartProducers returns the initial producer candidate set the
// first round is scheduled from.
func (g *Genesis) GetChainStartProducers() []core.Producer {
	out := make([]core.Producer, len(g.cfg.Genesis.Producers))
	copy(out, g.cfg.Genesis.Producers)
	return out
}
