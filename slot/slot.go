// Package slot implements the pure slot-time calculus (§4.1): converting
// between wall-clock time and the chain's discrete, block_interval-aligned
// slot numbers. It is deliberately dependency-free, mirroring the teacher's
// own round-robin arithmetic in consensus/poa.go but generalized from "every
// block" to "every aligned slot".
package slot

import "time"

// Number identifies a discrete block-production opportunity. Slot 0 is
// reserved (there is no slot before genesis); the first producible slot is 1.
type Number int64

// GetSlotTime returns the wall-clock instant slot n begins, aligned to
// blockIntervalSeconds starting at epoch. Slot 0 maps to epoch itself.
func GetSlotTime(epoch time.Time, blockIntervalSeconds int64, n Number) time.Time {
	if n <= 0 {
		return epoch
	}
	return epoch.Add(time.Duration(int64(n)*blockIntervalSeconds) * time.Second)
}

// GetSlotAtTime returns the slot number active at t: the slot whose
// [GetSlotTime(n), GetSlotTime(n+1)) window contains t. Times before epoch
// return slot 0.
func GetSlotAtTime(epoch time.Time, blockIntervalSeconds int64, t time.Time) Number {
	if !t.After(epoch) {
		return 0
	}
	elapsed := t.Sub(epoch)
	return Number(int64(elapsed.Seconds()) / blockIntervalSeconds)
}

// NextSlotAfter returns the smallest slot number whose GetSlotTime is
// strictly after t, i.e. the next production opportunity following t.
func NextSlotAfter(epoch time.Time, blockIntervalSeconds int64, t time.Time) Number {
	n := GetSlotAtTime(epoch, blockIntervalSeconds, t)
	if GetSlotTime(epoch, blockIntervalSeconds, n).After(t) {
		return n
	}
	return n + 1
}

// Align rounds t down to the start of the slot containing it — the
// timestamp every produced block's header must carry.
func Align(epoch time.Time, blockIntervalSeconds int64, t time.Time) time.Time {
	return GetSlotTime(epoch, blockIntervalSeconds, GetSlotAtTime(epoch, blockIntervalSeconds, t))
}
