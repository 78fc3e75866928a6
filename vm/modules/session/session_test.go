package session

import (
	"encoding/json"
	"testing"

	"github.com/tolchain/tolchain/chain"
	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/handler"
	"github.com/tolchain/tolchain/internal/testutil"
	"github.com/tolchain/tolchain/store"
	"github.com/tolchain/tolchain/vm/modules/economy"
)

func newTestSession(t *testing.T) *store.Session {
	t.Helper()
	return store.NewManager(testutil.NewMemDB()).Root()
}

func seedAccount(t *testing.T, session *store.Session, name string) {
	t.Helper()
	if err := chain.PutAccount(session, core.Account{Name: name}); err != nil {
		t.Fatalf("seed account %q: %v", name, err)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestOpenSessionLocksStakes(t *testing.T) {
	s := newTestSession(t)
	seedAccount(t, s, "p1")
	seedAccount(t, s, "p2")
	if err := economy.Credit(s, "p1", 100); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	if err := economy.Credit(s, "p2", 100); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	msg := core.Message{Sender: "p1", Recipient: Contract, TypeName: "session_open",
		Payload: mustJSON(t, core.SessionOpenPayload{SessionID: "s1", GameID: "g1", Players: []string{"p1", "p2"}, Stakes: 20})}
	ctx := &handler.Context{Session: s, Tx: &core.SignedTransaction{ID: "tx1"}}

	if err := precheckOpen(ctx, msg); err != nil {
		t.Fatalf("precheckOpen: %v", err)
	}
	if err := applyOpen(ctx, msg); err != nil {
		t.Fatalf("applyOpen: %v", err)
	}

	p1Bal, _ := economy.GetBalance(s, "p1")
	p2Bal, _ := economy.GetBalance(s, "p2")
	if p1Bal != 80 || p2Bal != 80 {
		t.Fatalf("expected both players to have 80 after staking 20, got p1=%d p2=%d", p1Bal, p2Bal)
	}

	got, err := GetSession(s, "s1")
	if err != nil {
		t.Fatalf("getSession: %v", err)
	}
	if got.Status != "open" {
		t.Fatalf("expected status open, got %q", got.Status)
	}
}

func TestOpenSessionRejectsInsufficientStake(t *testing.T) {
	s := newTestSession(t)
	seedAccount(t, s, "p1")

	msg := core.Message{Sender: "p1", Recipient: Contract, TypeName: "session_open",
		Payload: mustJSON(t, core.SessionOpenPayload{SessionID: "s1", GameID: "g1", Players: []string{"p1"}, Stakes: 50})}
	ctx := &handler.Context{Session: s, Tx: &core.SignedTransaction{ID: "tx1"}}
	if err := precheckOpen(ctx, msg); err == nil {
		t.Fatal("expected precheckOpen to reject a player with insufficient balance")
	}
}

func TestSessionResultDistributesOutcomeAndCloses(t *testing.T) {
	s := newTestSession(t)
	seedAccount(t, s, "p1")
	seedAccount(t, s, "p2")
	if err := setSession(s, &Session{ID: "s1", Players: []string{"p1", "p2"}, Stakes: 20, Status: "open", Outcome: map[string]uint64{}}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	msg := core.Message{Sender: "p1", Recipient: Contract, TypeName: "session_result",
		Payload: mustJSON(t, core.SessionResultPayload{SessionID: "s1", Outcome: map[string]uint64{"p1": 40}})}
	ctx := &handler.Context{Session: s, Tx: &core.SignedTransaction{ID: "tx1"}}

	if err := precheckResult(ctx, msg); err != nil {
		t.Fatalf("precheckResult: %v", err)
	}
	if err := applyResult(ctx, msg); err != nil {
		t.Fatalf("applyResult: %v", err)
	}

	bal, _ := economy.GetBalance(s, "p1")
	if bal != 40 {
		t.Fatalf("expected p1 to receive 40, got %d", bal)
	}
	got, err := GetSession(s, "s1")
	if err != nil {
		t.Fatalf("getSession: %v", err)
	}
	if got.Status != "closed" {
		t.Fatalf("expected status closed, got %q", got.Status)
	}
}

func TestSessionResultRejectsExceedingStakes(t *testing.T) {
	s := newTestSession(t)
	seedAccount(t, s, "p1")
	if err := setSession(s, &Session{ID: "s1", Players: []string{"p1"}, Stakes: 10, Status: "open", Outcome: map[string]uint64{}}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	msg := core.Message{Sender: "p1", Recipient: Contract, TypeName: "session_result",
		Payload: mustJSON(t, core.SessionResultPayload{SessionID: "s1", Outcome: map[string]uint64{"p1": 999}})}
	ctx := &handler.Context{Session: s, Tx: &core.SignedTransaction{ID: "tx1"}}
	if err := precheckResult(ctx, msg); err == nil {
		t.Fatal("expected precheckResult to reject rewards exceeding total stakes")
	}
}
