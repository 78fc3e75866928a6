package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tolchain/tolchain/core"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Genesis.Producers = []core.Producer{
		{Owner: "prod0", SigningKey: strings.Repeat("ab", 32)},
	}
	return cfg
}

func TestValidateRejectsEmptyProducers(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject a config with no genesis producers")
	}
}

func TestValidateRejectsBadSigningKey(t *testing.T) {
	cfg := validConfig()
	cfg.Genesis.Producers[0].SigningKey = "not-hex"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject a malformed signing key")
	}
}

func TestValidateRejectsSamePorts(t *testing.T) {
	cfg := validConfig()
	cfg.P2PPort = cfg.RPCPort
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject rpc_port == p2p_port")
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := validConfig()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to exist: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Genesis.ChainID != cfg.Genesis.ChainID {
		t.Fatalf("chain_id mismatch after round trip: got %q want %q", loaded.Genesis.ChainID, cfg.Genesis.ChainID)
	}
	if len(loaded.Genesis.Producers) != 1 || loaded.Genesis.Producers[0].Owner != "prod0" {
		t.Fatalf("unexpected producers after round trip: %+v", loaded.Genesis.Producers)
	}
}
