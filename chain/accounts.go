package chain

import (
	"encoding/json"

	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/store"
)

// accountPrefix namespaces account rows within the shared object store.
const accountPrefix = "acct/"

func accountKey(name string) []byte {
	return []byte(accountPrefix + name)
}

// sessionAccounts adapts a live *store.Session to validation.AccountLookup,
// keeping that package decoupled from store and chain (see the validation
// package's grounding notes in DESIGN.md).
type sessionAccounts struct {
	session *store.Session
}

func (a sessionAccounts) Account(name string) (core.Account, bool) {
	data, err := a.session.Get(accountKey(name))
	if err != nil {
		return core.Account{}, false
	}
	var acc core.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return core.Account{}, false
	}
	return acc, true
}

// putAccount stages acc's current row in session.
func putAccount(session *store.Session, acc core.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	session.Set(accountKey(acc.Name), data)
	return nil
}

// LookupAccount reads the account row named within session. vm/modules
// handlers use this to resolve destination accounts carried in a message's
// payload (a transfer's "to", an asset's new owner) that validation stage 4
// never sees, since it only inspects Message's own Sender/Recipient/Scope
// fields.
func LookupAccount(session *store.Session, name string) (core.Account, bool) {
	return sessionAccounts{session: session}.Account(name)
}

// PutAccount stages acc's current row in session. Exported for genesis
// seeding (Initializer.PrepareDatabase implementations) and for vm/modules
// tests that need accounts to exist without going through a full Controller.
func PutAccount(session *store.Session, acc core.Account) error {
	return putAccount(session, acc)
}
