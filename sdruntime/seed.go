package sdruntime

import (
	"crypto/rand"
	"encoding/binary"
	"math"
)

// RandomSeed returns a non-negative seed from crypto/rand. Each generation
// draws a fresh one, so identical prompts give different images.
func RandomSeed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 42
	}
	return int64(binary.LittleEndian.Uint64(buf[:]) & math.MaxInt64)
}

// ResolveSeed returns seed, or a random one when seed is negative.
func ResolveSeed(seed int64) int64 {
	if seed < 0 {
		return RandomSeed()
	}
	return seed
}
