package chain

import (
	"time"

	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/store"
)

// Initializer supplies genesis-time facts the controller needs once, on
// first start against an empty store (§6). config.Genesis is the production
// implementation; tests supply their own fakes.
type Initializer interface {
	// PrepareDatabase seeds db with any rows the chain needs before the
	// first block can be applied (e.g. genesis accounts). Called once,
	// only when the store has no existing head block.
	PrepareDatabase(db store.DB) error
	GetChainStartTime() time.Time
	GetChainStartConfiguration() core.BlockchainConfig
	GetChainStartProducers() []core.Producer
}
