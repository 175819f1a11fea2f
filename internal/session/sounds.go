package session

import "slacd/internal/wire"

// SoundAccumulator holds the running per-carrier-group attenuation sums
// contributed by CM_ATTEN_PROFILE.IND indications during one sounds loop,
// and the single shared count of sounds that have contributed so far (spec
// §3, §4.4 step 3: "divides by the number of sounds actually received").
type SoundAccumulator struct {
	sums           [wire.NumCarrierGroups]int64
	numTotalSounds uint32
}

// Add folds one AttenProfile indication's per-group values into the running
// sums and increments the shared sound count.
func (a *SoundAccumulator) Add(aag []byte) {
	n := len(aag)
	if n > wire.NumCarrierGroups {
		n = wire.NumCarrierGroups
	}
	for g := 0; g < n; g++ {
		a.sums[g] += int64(aag[g])
	}
	a.numTotalSounds++
}

// NumTotalSounds returns how many CM_ATTEN_PROFILE.IND indications have
// been folded in.
func (a *SoundAccumulator) NumTotalSounds() uint32 {
	return a.numTotalSounds
}

// Average computes the per-group averaged attenuation profile, rounding
// each group half-away-from-zero (spec §3, §4.4 step 3, §8 property 5). It
// returns an error if no sounds have been received, since division by zero
// is undefined and the run must fail in that case.
func (a *SoundAccumulator) Average() ([wire.NumCarrierGroups]byte, error) {
	var out [wire.NumCarrierGroups]byte
	if a.numTotalSounds == 0 {
		return out, errNoSoundsReceived
	}
	for g := 0; g < wire.NumCarrierGroups; g++ {
		out[g] = roundHalfAwayFromZero(a.sums[g], a.numTotalSounds)
	}
	return out, nil
}

// roundHalfAwayFromZero computes round(sum/n) with half-away-from-zero
// tie-breaking, matching spec §3's averaging rule. sum is signed because
// attenuation group sums are conceptually signed quantities even though the
// individual per-group byte values this protocol carries are never
// negative.
func roundHalfAwayFromZero(sum int64, n uint32) byte {
	if n == 0 {
		return 0
	}
	num := sum
	den := int64(n)
	neg := num < 0
	if neg {
		num = -num
	}
	quotient := (num*2 + den) / (den * 2)
	if neg {
		quotient = -quotient
	}
	if quotient < 0 {
		quotient = 0
	}
	if quotient > 255 {
		quotient = 255
	}
	return byte(quotient)
}
