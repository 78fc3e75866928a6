package wallet

import (
	"encoding/json"

	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/crypto"
	"github.com/tolchain/tolchain/vm/modules/economy"
)

// Wallet holds a key pair used to sign transactions on behalf of a named
// on-chain account. Unlike the teacher's address-derived identity, the
// account name here is independent of the key: callers supply it, since one
// account's active authority may rotate across several keys over its life.
type Wallet struct {
	name string
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

// New creates a Wallet for account name from an existing private key.
func New(name string, priv crypto.PrivateKey) *Wallet {
	return &Wallet{name: name, priv: priv, pub: priv.Public()}
}

// Generate creates a Wallet for account name with a freshly generated key pair.
func Generate(name string) (*Wallet, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return New(name, priv), nil
}

// Name returns the on-chain account name this wallet signs for.
func (w *Wallet) Name() string {
	return w.name
}

// PrivKey returns the raw private key (handle with care).
func (w *Wallet) PrivKey() crypto.PrivateKey {
	return w.priv
}

// PubKey returns the hex-encoded ed25519 public key, the form stored in an
// account's authority (core.AuthorityKey.PublicKey).
func (w *Wallet) PubKey() string {
	return w.pub.Hex()
}

// NewTransaction builds and signs a transaction carrying messages, stamping
// w's account name as sender and sole authorization on any message that
// doesn't already declare one. refBlockNum/refBlockPrefix must come from a
// recent block (see core.BlockIDPrefix) to satisfy the TAPoS check.
func (w *Wallet) NewTransaction(refBlockNum, refBlockPrefix uint32, expiration int64, messages []core.Message) *core.SignedTransaction {
	for i := range messages {
		if messages[i].Sender == "" {
			messages[i].Sender = w.name
		}
		if len(messages[i].Authorization) == 0 {
			messages[i].Authorization = []string{w.name}
		}
	}
	tx := core.NewSignedTransaction(refBlockNum, refBlockPrefix, expiration, messages)
	tx.Sign(w.priv)
	return tx
}

// Transfer builds a signed single-message transaction moving amount of the
// native token to the account named to.
func (w *Wallet) Transfer(refBlockNum, refBlockPrefix uint32, expiration int64, to string, amount uint64) (*core.SignedTransaction, error) {
	payload, err := json.Marshal(core.TransferPayload{To: to, Amount: amount})
	if err != nil {
		return nil, err
	}
	msg := core.Message{
		Sender:        w.name,
		Recipient:     economy.Contract,
		TypeName:      "transfer",
		Payload:       payload,
		Authorization: []string{w.name},
	}
	return w.NewTransaction(refBlockNum, refBlockPrefix, expiration, []core.Message{msg}), nil
}
