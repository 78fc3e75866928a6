// Package consensus implements the DPoS block production loop: each tick it
// asks chain.Controller whether the local producer is scheduled for the
// current slot and, if so, generates and applies the next block. Round
// rotation, signature verification and fork choice all live in chain and
// producer; this package only decides when to call them.
package consensus

import (
	"log"
	"time"

	"github.com/tolchain/tolchain/chain"
	"github.com/tolchain/tolchain/crypto"
	"github.com/tolchain/tolchain/slot"
)

// Engine drives block production for one local producer identity. It
// generalizes the teacher's PoA round-robin ticker into the slot-aligned
// loop §4.1/§4.8 describe, leaving the actual eligibility check and block
// assembly to chain.Controller.GenerateBlock.
type Engine struct {
	chain   *chain.Controller
	owner   string
	privKey crypto.PrivateKey
}

// New creates a production engine for owner, the producer account name this
// node signs blocks as when it is scheduled.
func New(c *chain.Controller, owner string, privKey crypto.PrivateKey) *Engine {
	return &Engine{chain: c, owner: owner, privKey: privKey}
}

// ProduceIfScheduled attempts to generate a block for the slot containing
// now. Any GenerateBlock error is returned as is, including the one for an
// owner who is not the scheduled producer for that slot.
func (e *Engine) ProduceIfScheduled(now time.Time) (bool, error) {
	block, err := e.chain.GenerateBlock(e.owner, e.privKey, now)
	if err != nil {
		return false, err
	}
	return block != nil, nil
}

// Run blocks until done is closed, waking once per slot boundary to attempt
// production. Unlike the teacher's fixed-interval ticker, wakeups are
// aligned to slot.GetSlotTime so a node started mid-slot still produces on
// the correct boundary rather than drifting by up to one interval.
func (e *Engine) Run(done <-chan struct{}) {
	for {
		interval := e.chain.Configuration().BlockIntervalSeconds
		if interval <= 0 {
			interval = 3
		}
		epoch := e.chain.Epoch()
		now := time.Now()
		next := slot.NextSlotAfter(epoch, interval, now)
		wake := slot.GetSlotTime(epoch, interval, next)

		timer := time.NewTimer(wake.Sub(now))
		select {
		case <-done:
			timer.Stop()
			return
		case <-timer.C:
			if _, err := e.ProduceIfScheduled(time.Now()); err != nil {
				log.Printf("[consensus] produce block error: %v", err)
			}
		}
	}
}
