package core

import "github.com/tolchain/tolchain/crypto"

// AuthorityKey is one weighted key in an Authority's key set.
type AuthorityKey struct {
	PublicKey string `json:"public_key"` // hex-encoded ed25519 public key
	Weight    uint32 `json:"weight"`
}

// Authority is a weighted threshold of keys: it is satisfied once the
// combined weight of keys with a valid signature meets Threshold. This is
// the structure validation stage 6 ("authority check") evaluates.
type Authority struct {
	Threshold uint32         `json:"threshold"`
	Keys      []AuthorityKey `json:"keys"`
}

// Satisfied reports whether the given set of signing public keys (already
// signature-verified by the caller) meets the authority's threshold.
func (a Authority) Satisfied(signed map[string]bool) bool {
	var weight uint32
	for _, k := range a.Keys {
		if signed[k.PublicKey] {
			weight += k.Weight
		}
	}
	return weight >= a.Threshold
}

// PublicKeys returns the public keys backing this authority as crypto.PublicKey
// values. Malformed hex entries are silently skipped; callers should have
// validated the account at registration time.
func (a Authority) PublicKeys() []crypto.PublicKey {
	out := make([]crypto.PublicKey, 0, len(a.Keys))
	for _, k := range a.Keys {
		if pub, err := crypto.PubKeyFromHex(k.PublicKey); err == nil {
			out = append(out, pub)
		}
	}
	return out
}

// Account is a named identity with one or more permission levels, each
// backed by its own Authority. "active" and "owner" are the conventional
// scopes; Message.Authorization names account+permission pairs as
// "name" (always resolved to its "active" permission by validation stage 6).
type Account struct {
	Name        string               `json:"name"`
	Permissions map[string]Authority `json:"permissions"` // permission name -> authority
	CreatedAt   int64                `json:"created_at"`
}

// Permission looks up a named permission, returning ok=false if the account
// has no such permission level.
func (a Account) Permission(name string) (Authority, bool) {
	auth, ok := a.Permissions[name]
	return auth, ok
}

// Producer is a registered block producer candidate: an account name, the
// key it signs blocks with, and its accumulated stake-weighted votes.
type Producer struct {
	Owner      string `json:"owner"`       // account name
	SigningKey string `json:"signing_key"` // hex-encoded ed25519 public key
	Votes      uint64 `json:"votes"`
}
