package core

// GlobalDynamicProps tracks the mutable, per-block chain properties: the
// current heads, the producer-participation window used by
// update_last_irreversible_block, and the active schedule version.
type GlobalDynamicProps struct {
	HeadBlockID           BlockID `json:"head_block_id"`
	HeadBlockNum          int64   `json:"head_block_num"`
	HeadBlockTime         int64   `json:"head_block_time"`
	CurrentProducer       string  `json:"current_producer"`
	LastIrreversibleBlock int64   `json:"last_irreversible_block_num"`
	// ProducerScheduleVersion bumps every time UpdateProducerSchedule
	// rotates the active round.
	ProducerScheduleVersion uint32 `json:"producer_schedule_version"`
	// RecentSlotsFilled is a packed bitmap (LSB = most recent slot) of the
	// last 128 slots: 1 if a block was produced for that slot, 0 if missed.
	// Used by update_last_irreversible_block's "2/3+1 producers recently
	// produced" threshold (§9).
	RecentSlotsFilled [2]uint64 `json:"recent_slots_filled"`
}

// RecordSlot shifts the participation bitmap left by one and sets the new
// low bit to produced, matching the teacher's convention of tracking the
// most recent event in bit 0.
func (p *GlobalDynamicProps) RecordSlot(produced bool) {
	carry := p.RecentSlotsFilled[1] >> 63
	p.RecentSlotsFilled[1] = p.RecentSlotsFilled[1]<<1 | p.RecentSlotsFilled[0]>>63
	p.RecentSlotsFilled[0] = p.RecentSlotsFilled[0] << 1
	if produced {
		p.RecentSlotsFilled[0] |= 1
	}
	_ = carry // high bit beyond the 128-slot window is intentionally dropped
}

// FilledSlotCount returns the number of the last 128 slots that produced a
// block.
func (p *GlobalDynamicProps) FilledSlotCount() int {
	count := popcount64(p.RecentSlotsFilled[0]) + popcount64(p.RecentSlotsFilled[1])
	return count
}

func popcount64(v uint64) int {
	count := 0
	for v != 0 {
		v &= v - 1
		count++
	}
	return count
}

// BlockchainConfig holds the static, vote-updated chain parameters. Unlike
// GlobalDynamicProps, these only change via UpdateBlockchainConfiguration
// (median of producer votes), never per-block.
type BlockchainConfig struct {
	BlockIntervalSeconds      int64  `json:"block_interval_seconds"`
	ProducerCount             int    `json:"producer_count"`
	MaxTransactionLifetimeSec int64  `json:"max_transaction_lifetime_seconds"`
	BlockSizeLimitBytes       uint64 `json:"block_size_limit_bytes"`
}

// UpdateBlockchainConfiguration replaces each field with the median of the
// corresponding producer-submitted votes. votes must be non-empty; callers
// filter out producers who haven't voted before calling this.
func UpdateBlockchainConfiguration(votes []BlockchainConfig) BlockchainConfig {
	if len(votes) == 0 {
		return BlockchainConfig{}
	}
	intervals := make([]int64, len(votes))
	counts := make([]int, len(votes))
	lifetimes := make([]int64, len(votes))
	limits := make([]uint64, len(votes))
	for i, v := range votes {
		intervals[i] = v.BlockIntervalSeconds
		counts[i] = v.ProducerCount
		lifetimes[i] = v.MaxTransactionLifetimeSec
		limits[i] = v.BlockSizeLimitBytes
	}
	return BlockchainConfig{
		BlockIntervalSeconds:      medianInt64(intervals),
		ProducerCount:             medianInt(counts),
		MaxTransactionLifetimeSec: medianInt64(lifetimes),
		BlockSizeLimitBytes:       medianUint64(limits),
	}
}

func medianInt64(vals []int64) int64 {
	s := append([]int64(nil), vals...)
	insertionSortInt64(s)
	return s[len(s)/2]
}

func medianInt(vals []int) int {
	s := append([]int(nil), vals...)
	insertionSortInt(s)
	return s[len(s)/2]
}

func medianUint64(vals []uint64) uint64 {
	s := append([]uint64(nil), vals...)
	insertionSortUint64(s)
	return s[len(s)/2]
}

func insertionSortInt64(s []int64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func insertionSortInt(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func insertionSortUint64(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
