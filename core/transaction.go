package core

import (
	"encoding/json"
	"fmt"

	"github.com/tolchain/tolchain/crypto"
)

// Message is a single contract call within a transaction: Recipient is the
// contract account dispatched to, Scope narrows which of its tables the
// call touches, and TypeName is the action name — together these three
// form the handler.Key the handler registry dispatches on. TypeName also
// resolves against a TypeRegistry for payload decoding; core itself never
// interprets Payload.
type Message struct {
	Sender        string          `json:"sender"`    // account name
	Recipient     string          `json:"recipient"` // account name; the dispatched contract
	Scope         string          `json:"scope"`
	TypeName      string          `json:"type_name"`
	Payload       json.RawMessage `json:"payload"`
	Authorization []string        `json:"authorization"` // account names authorizing this message
}

// SignedTransaction is the atomic, TAPoS-protected unit of work on the chain.
// RefBlockNum/RefBlockPrefix pin the transaction to a recent block (see
// validation stage 3, "tapos check"); Expiration bounds its validity window.
type SignedTransaction struct {
	ID             string    `json:"id"`
	RefBlockNum    uint32    `json:"ref_block_num"`
	RefBlockPrefix uint32    `json:"ref_block_prefix"`
	Expiration     int64     `json:"expiration"` // unix seconds
	Messages       []Message `json:"messages"`
	// Signatures are hex-encoded ed25519 signatures, one per key in the set
	// of authorities covering every message's Authorization list.
	Signatures []string `json:"signatures"`
}

// signingBody holds the fields covered by the transaction id / signatures.
type signingBody struct {
	RefBlockNum    uint32    `json:"ref_block_num"`
	RefBlockPrefix uint32    `json:"ref_block_prefix"`
	Expiration     int64     `json:"expiration"`
	Messages       []Message `json:"messages"`
}

// Digest returns the deterministic hash of the transaction body, excluding
// Signatures. This is both the id and the bytes each signature covers.
// Returns an empty string if marshalling fails (which cannot happen in
// practice, since Message.Payload is always valid JSON by construction).
func (tx *SignedTransaction) Digest() string {
	body := signingBody{
		RefBlockNum:    tx.RefBlockNum,
		RefBlockPrefix: tx.RefBlockPrefix,
		Expiration:     tx.Expiration,
		Messages:       tx.Messages,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	return crypto.Hash(data)
}

// RequiredAuthorities returns the deduplicated set of account names that must
// sign the transaction, in first-seen order across all messages.
func (tx *SignedTransaction) RequiredAuthorities() []string {
	seen := make(map[string]bool)
	var out []string
	for _, msg := range tx.Messages {
		for _, name := range msg.Authorization {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

// Sign appends a signature over the digest and sets ID if unset.
func (tx *SignedTransaction) Sign(priv crypto.PrivateKey) {
	digest := tx.Digest()
	if tx.ID == "" {
		tx.ID = digest
	}
	tx.Signatures = append(tx.Signatures, crypto.Sign(priv, []byte(digest)))
}

// VerifySignatures checks that every signature verifies against digest for
// one of the given candidate public keys, each key matching at most one
// signature. Keys left unmatched are not an error, and the number of
// signatures is not compared with the number of keys. It does not evaluate
// authority thresholds; that is validation stage 6's job.
func (tx *SignedTransaction) VerifySignatures(candidates []crypto.PublicKey) error {
	digest := []byte(tx.Digest())
	matched := make([]bool, len(candidates))
	for _, sigHex := range tx.Signatures {
		ok := false
		for i, pub := range candidates {
			if matched[i] {
				continue
			}
			if err := crypto.Verify(pub, digest, sigHex); err == nil {
				matched[i] = true
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("signature %s does not match any candidate key", sigHex)
		}
	}
	return nil
}

// NewSignedTransaction builds an unsigned transaction from its TAPoS fields
// and messages. Digest/ID are computed once all messages are set; call Sign
// afterward for each required authority key.
func NewSignedTransaction(refBlockNum, refBlockPrefix uint32, expiration int64, messages []Message) *SignedTransaction {
	tx := &SignedTransaction{
		RefBlockNum:    refBlockNum,
		RefBlockPrefix: refBlockPrefix,
		Expiration:     expiration,
		Messages:       messages,
	}
	tx.ID = tx.Digest()
	return tx
}

// ---- Native payload types (carried over from the teacher's vm/modules) ----

// TransferPayload transfers native tokens to To. Dispatch routes on
// Message.Recipient (the "token" contract account), so the actual
// destination account travels in the payload instead.
type TransferPayload struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// MintAssetPayload mints a new asset from a registered template. Owner
// defaults to the message sender when left empty.
type MintAssetPayload struct {
	TemplateID string         `json:"template_id"`
	Owner      string         `json:"owner"`
	Properties map[string]any `json:"properties"`
}

// BurnAssetPayload permanently destroys an asset.
type BurnAssetPayload struct {
	AssetID string `json:"asset_id"`
}

// TransferAssetPayload moves an asset to To.
type TransferAssetPayload struct {
	AssetID string `json:"asset_id"`
	To      string `json:"to"`
}

// RegisterTemplatePayload defines a new class of game assets.
type RegisterTemplatePayload struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Schema    map[string]any `json:"schema"`
	Tradeable bool           `json:"tradeable"`
}

// SessionOpenPayload opens a new game session and locks stakes.
type SessionOpenPayload struct {
	SessionID string   `json:"session_id"`
	GameID    string   `json:"game_id"`
	Players   []string `json:"players"`
	Stakes    uint64   `json:"stakes"`
}

// SessionResultPayload closes a session and distributes rewards.
type SessionResultPayload struct {
	SessionID string            `json:"session_id"`
	Outcome   map[string]uint64 `json:"outcome"`
}

// ListMarketPayload lists an asset for sale.
type ListMarketPayload struct {
	AssetID string `json:"asset_id"`
	Price   uint64 `json:"price"`
}

// BuyMarketPayload purchases an active market listing.
type BuyMarketPayload struct {
	ListingID string `json:"listing_id"`
}
