package account

import (
	crand "crypto/rand"
	"fmt"
	"math/rand/v2"
	"sync"
)

// NumberLength is the fixed width of an account number.
const NumberLength = 20

// NumberGenerator yields candidate account numbers. Implementations must be
// safe for concurrent use.
type NumberGenerator interface {
	Next() string
}

// RandomNumbers draws uniformly distributed 20-digit numbers from a ChaCha8
// stream seeded from the operating system.
type RandomNumbers struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomNumbers seeds a new generator from crypto/rand.
func NewRandomNumbers() (*RandomNumbers, error) {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("seed account number generator: %w", err)
	}
	return &RandomNumbers{rng: rand.New(rand.NewChaCha8(seed))}, nil
}

// Next returns a fresh 20-digit number. Leading zeros are allowed.
func (g *RandomNumbers) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var b [NumberLength]byte
	for i := range b {
		b[i] = byte('0' + g.rng.IntN(10))
	}
	return string(b[:])
}
