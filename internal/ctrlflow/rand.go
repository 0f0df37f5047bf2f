package ctrlflow

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	mathrand "math/rand"
	"time"
)

// Rand is the seeded randomness source every probabilistic decision of the
// pass goes through. Runs with the same seed and options produce identical
// output modules.
type Rand struct {
	rng  *mathrand.Rand
	seed int64
}

// NewRand returns a source seeded with seed. A zero seed picks a fresh
// random seed, so repeated unseeded runs still diverge from each other.
func NewRand(seed int64) *Rand {
	for seed == 0 {
		var buf [8]byte
		if _, err := cryptorand.Read(buf[:]); err != nil {
			seed = time.Now().UnixNano()
			break
		}
		seed = int64(binary.BigEndian.Uint64(buf[:]))
	}
	return &Rand{rng: mathrand.New(mathrand.NewSource(seed)), seed: seed}
}

// Seed reports the seed in effect, whether given or picked.
func (r *Rand) Seed() int64 { return r.seed }

// Uint64n returns a uniform value in [min, max], both bounds inclusive.
func (r *Rand) Uint64n(min, max uint64) uint64 {
	if n := max - min + 1; n != 0 {
		return min + r.rng.Uint64()%n
	}
	return r.rng.Uint64()
}

// Intn returns a uniform value in [min, max], both bounds inclusive.
func (r *Rand) Intn(min, max int) int {
	return min + r.rng.Intn(max-min+1)
}

// Chance reports true with the given probability in percent.
func (r *Rand) Chance(percent int) bool {
	if percent <= 0 {
		return false
	}
	return r.Intn(1, 100) <= percent
}

func (r *Rand) Shuffle(n int, swap func(i, j int)) {
	r.rng.Shuffle(n, swap)
}
