package pttest

import (
	"crypto/sha256"
	"math/rand/v2"
	"testing"
)

// RandomDataForTest returns sz pseudorandom bytes
// seeded from the test name, so reruns see the same payload.
func RandomDataForTest(t *testing.T, sz int) []byte {
	seed := sha256.Sum256([]byte(t.Name()))
	out := make([]byte, sz)
	if _, err := rand.NewChaCha8(seed).Read(out); err != nil {
		panic(err)
	}
	return out
}

// RandForTest returns a deterministic *rand.Rand seeded from the test name,
// for simulations that need reproducible topologies.
func RandForTest(t *testing.T) *rand.Rand {
	seed := sha256.Sum256([]byte(t.Name()))
	return rand.New(rand.NewChaCha8(seed))
}
