// Package producer implements the Producer Schedule module (§4.2): the
// active round of producers and the slot-to-producer mapping. It generalizes
// the teacher's static round-robin in consensus/poa.go (IsProposer's
// nextHeight % len(Validators)) into a schedule that is recomputed and
// reshuffled at round boundaries instead of fixed for the node's lifetime.
package producer

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/rand"
	"sort"

	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/slot"
)

// ErrEmptySchedule is returned by GetScheduledProducer when no round has
// been computed yet.
var ErrEmptySchedule = errors.New("producer schedule is empty")

// Schedule is the active round: an ordered list of producers and the
// version number bumped each time UpdateProducerSchedule rotates it.
type Schedule struct {
	Version   uint32
	Producers []core.Producer
}

// GetScheduledProducer returns the producer scheduled for the given slot
// number, 1-indexed per §4.1/§4.2: slot 1 maps to round position 0.
func GetScheduledProducer(sched Schedule, n slot.Number) (core.Producer, error) {
	if len(sched.Producers) == 0 {
		return core.Producer{}, ErrEmptySchedule
	}
	if n < 1 {
		n = 1
	}
	idx := int((int64(n) - 1) % int64(len(sched.Producers)))
	return sched.Producers[idx], nil
}

// UpdateProducerSchedule builds the next round from the top-voted
// candidates (by Votes descending, ties broken by Owner for determinism),
// then deterministically shuffles the round using seedBlockID — the last
// block id of the prior round — as the PRNG seed. count bounds the round
// size to core.BlockchainConfig.ProducerCount.
func UpdateProducerSchedule(candidates []core.Producer, count int, seedBlockID core.BlockID, prevVersion uint32) Schedule {
	ranked := append([]core.Producer(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Votes != ranked[j].Votes {
			return ranked[i].Votes > ranked[j].Votes
		}
		return ranked[i].Owner < ranked[j].Owner
	})
	if count > 0 && len(ranked) > count {
		ranked = ranked[:count]
	}

	shuffled := shuffle(ranked, seedBlockID)
	return Schedule{
		Version:   prevVersion + 1,
		Producers: shuffled,
	}
}

// shuffle deterministically permutes producers, seeded by the first 8 bytes
// of seedBlockID's decoded hash so every node derives the identical round
// order from the same block.
func shuffle(producers []core.Producer, seedBlockID core.BlockID) []core.Producer {
	out := append([]core.Producer(nil), producers...)
	seed := seedFromBlockID(seedBlockID)
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}

func seedFromBlockID(id core.BlockID) int64 {
	b, err := hex.DecodeString(string(id))
	if err != nil || len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b[:8]))
}
