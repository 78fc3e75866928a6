// Package session implements the "session" contract: opening a game session
// that locks each player's stake, then closing it and distributing an
// outcome. Grounded on the teacher's vm/modules/session package, with token
// movement delegated to the economy module's ledger instead of
// core.Account.Balance.
package session

import (
	"encoding/json"
	"fmt"

	"github.com/tolchain/tolchain/chain"
	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/events"
	"github.com/tolchain/tolchain/handler"
	"github.com/tolchain/tolchain/store"
	"github.com/tolchain/tolchain/vm/modules/economy"
)

// Contract is the reserved account name session messages are addressed to.
const Contract = "session"

func init() {
	handler.Register(
		handler.Key{Contract: Contract, Scope: "", Action: "session_open"},
		validateOpen, precheckOpen, applyOpen,
	)
	handler.Register(
		handler.Key{Contract: Contract, Scope: "", Action: "session_result"},
		validateResult, precheckResult, applyResult,
	)
}

// Session is a single game session with its players' locked stakes.
type Session struct {
	ID        string            `json:"id"`
	GameID    string            `json:"game_id"`
	Players   []string          `json:"players"`
	Stakes    uint64            `json:"stakes"`
	Status    string            `json:"status"` // "open" or "closed"
	Outcome   map[string]uint64 `json:"outcome"`
	CreatedAt int64             `json:"created_at"`
	ClosedAt  int64             `json:"closed_at,omitempty"`
}

const sessionPrefix = "session/obj/"

func sessionKey(id string) []byte { return []byte(sessionPrefix + id) }

// GetSession reads the session with id. Exported for RPC queries.
func GetSession(session *store.Session, id string) (*Session, error) {
	data, err := session.Get(sessionKey(id))
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %q: %w", id, err)
	}
	return &s, nil
}

func setSession(session *store.Session, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	session.Set(sessionKey(s.ID), data)
	return nil
}

func validateOpen(msg core.Message) error {
	var p core.SessionOpenPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("decode session_open payload: %w", err)
	}
	if p.SessionID == "" {
		return fmt.Errorf("session_id required")
	}
	if len(p.Players) == 0 {
		return fmt.Errorf("at least one player required")
	}
	return nil
}

func precheckOpen(ctx *handler.Context, msg core.Message) error {
	var p core.SessionOpenPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return err
	}
	if _, err := GetSession(ctx.Session, p.SessionID); err == nil {
		return fmt.Errorf("session %q already exists", p.SessionID)
	} else if err != core.ErrNotFound {
		return fmt.Errorf("checking session %q: %w", p.SessionID, err)
	}
	for _, player := range p.Players {
		if _, ok := chain.LookupAccount(ctx.Session, player); !ok {
			return fmt.Errorf("player %q does not exist", player)
		}
		if p.Stakes > 0 {
			bal, err := economy.GetBalance(ctx.Session, player)
			if err != nil {
				return err
			}
			if bal < p.Stakes {
				return fmt.Errorf("player %q insufficient balance for stakes: have %d need %d", player, bal, p.Stakes)
			}
		}
	}
	return nil
}

func applyOpen(ctx *handler.Context, msg core.Message) error {
	var p core.SessionOpenPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return err
	}
	if p.Stakes > 0 {
		for _, player := range p.Players {
			if err := economy.Debit(ctx.Session, player, p.Stakes); err != nil {
				return err
			}
		}
	}

	s := &Session{
		ID:        p.SessionID,
		GameID:    p.GameID,
		Players:   p.Players,
		Stakes:    p.Stakes,
		Status:    "open",
		Outcome:   map[string]uint64{},
		CreatedAt: ctx.BlockTimestamp(),
	}
	if err := setSession(ctx.Session, s); err != nil {
		return err
	}

	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventSessionOpen,
			TxID:        ctx.Tx.ID,
			BlockHeight: ctx.BlockHeight(),
			Data:        map[string]any{"session_id": p.SessionID, "game_id": p.GameID, "players": p.Players},
		})
	}
	return nil
}

func validateResult(msg core.Message) error {
	var p core.SessionResultPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("decode session_result payload: %w", err)
	}
	if p.SessionID == "" {
		return fmt.Errorf("session_id required")
	}
	return nil
}

func precheckResult(ctx *handler.Context, msg core.Message) error {
	var p core.SessionResultPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return err
	}
	s, err := GetSession(ctx.Session, p.SessionID)
	if err != nil {
		return fmt.Errorf("session %q not found: %w", p.SessionID, err)
	}
	if s.Status != "open" {
		return fmt.Errorf("session %q already closed", p.SessionID)
	}

	totalStakes := s.Stakes * uint64(len(s.Players))
	var totalRewards uint64
	for account, reward := range p.Outcome {
		if _, ok := chain.LookupAccount(ctx.Session, account); !ok {
			return fmt.Errorf("outcome account %q does not exist", account)
		}
		if reward > totalStakes-totalRewards {
			return fmt.Errorf("rewards exceed total stakes %d", totalStakes)
		}
		totalRewards += reward
	}
	return nil
}

func applyResult(ctx *handler.Context, msg core.Message) error {
	var p core.SessionResultPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return err
	}
	s, err := GetSession(ctx.Session, p.SessionID)
	if err != nil {
		return err
	}

	for account, reward := range p.Outcome {
		if err := economy.Credit(ctx.Session, account, reward); err != nil {
			return err
		}
	}

	s.Status = "closed"
	s.Outcome = p.Outcome
	s.ClosedAt = ctx.BlockTimestamp()
	if err := setSession(ctx.Session, s); err != nil {
		return err
	}

	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventSessionClose,
			TxID:        ctx.Tx.ID,
			BlockHeight: ctx.BlockHeight(),
			Data:        map[string]any{"session_id": p.SessionID},
		})
	}
	return nil
}
