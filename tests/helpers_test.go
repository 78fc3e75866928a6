package tests

import (
	"encoding/json"
	"testing"

	"github.com/tolchain/tolchain/core"

	// Register VM modules against handler.Global() so tests that build a
	// real chain.Controller can dispatch native message types.
	_ "github.com/tolchain/tolchain/vm/modules/asset"
	_ "github.com/tolchain/tolchain/vm/modules/economy"
	_ "github.com/tolchain/tolchain/vm/modules/market"
	_ "github.com/tolchain/tolchain/vm/modules/session"
)

// mustMarshal marshals v to JSON or fails the test immediately.
func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// registerTestTypes builds the same TypeRegistry cmd/node's registerTypes
// does, for tests that exercise a real chain.Controller against the native
// vm modules instead of a throwaway "noop" handler.
func registerTestTypes() *core.TypeRegistry {
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
