package fmha

// Counter-based Philox4x32-10 generator. Each call is a pure function of
// (key, counter), so any element of the random stream can be regenerated
// at any time without shared state. This is what makes the dropout mask
// reproducible per position regardless of tile visitation order.

const (
	philoxM0 = 0xD2511F53
	philoxM1 = 0xCD9E8D57
	philoxW0 = 0x9E3779B9
	philoxW1 = 0xBB67AE85

	philoxRounds = 10
)

type philox4x32 struct {
	key0, key1 uint32
}

func newPhilox(seed uint64) philox4x32 {
	return philox4x32{
		key0: uint32(seed),
		key1: uint32(seed >> 32),
	}
}

func mulHiLo(a, b uint32) (hi, lo uint32) {
	p := uint64(a) * uint64(b)
	return uint32(p >> 32), uint32(p)
}

// block produces four 32-bit words for the given 64-bit counter value.
func (g philox4x32) block(ctr uint64) [4]uint32 {
	c0 := uint32(ctr)
	c1 := uint32(ctr >> 32)
	c2 := uint32(0)
	c3 := uint32(0)
	k0, k1 := g.key0, g.key1

	for i := 0; i < philoxRounds; i++ {
		hi0, lo0 := mulHiLo(philoxM0, c0)
		hi1, lo1 := mulHiLo(philoxM1, c2)
		c0 = hi1 ^ c1 ^ k0
		c1 = lo1
		c2 = hi0 ^ c3 ^ k1
		c3 = lo0
		k0 += philoxW0
		k1 += philoxW1
	}
	return [4]uint32{c0, c1, c2, c3}
}

// uniform maps a 32-bit word to (0, 1]. Zero is excluded so a keep
// threshold of p drops with probability exactly p.
func uniform(x uint32) float32 {
	return float32(uint64(x)+1) * (1.0 / 4294967296.0)
}
