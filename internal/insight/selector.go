package insight

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

const (
	SelectorRandom     = "random"
	SelectorRoundRobin = "roundrobin"
)

// Slot names an independent choice made during one tick.
type Slot int

const (
	SlotTopic Slot = iota
	SlotTemplate
	numSlots
)

// NewSelector builds a selector by name. A zero seed for the random
// selector seeds from the clock.
func NewSelector(name string, seed int64) (Selector, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", SelectorRandom:
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		return NewRandomSelector(seed), nil
	case SelectorRoundRobin, "round-robin":
		return NewRoundRobinSelector(), nil
	default:
		return nil, fmt.Errorf("unknown insight selector %q", name)
	}
}

// Selector decides which candidate an insight tick uses. It is the only
// source of non-determinism in insight generation.
type Selector interface {
	// Pick returns an index in [0, n) for slot. n is always positive.
	Pick(slot Slot, n int) int
	// Confidence returns a value in [0.5, 1.0).
	Confidence() float64
}

// RandomSelector draws from a seeded pseudo-random source.
type RandomSelector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomSelector(seed int64) *RandomSelector {
	return &RandomSelector{rng: rand.New(rand.NewSource(seed))}
}

func (s *RandomSelector) Pick(_ Slot, n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}

func (s *RandomSelector) Confidence() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return 0.5 + s.rng.Float64()*0.5
}

// RoundRobinSelector walks each slot's candidates in order with its own
// cursor and cycles confidence through ten fixed steps.
type RoundRobinSelector struct {
	mu    sync.Mutex
	picks [numSlots]int
	confs int
}

func NewRoundRobinSelector() *RoundRobinSelector {
	return &RoundRobinSelector{}
}

func (s *RoundRobinSelector) Pick(slot Slot, n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot < 0 || slot >= numSlots {
		slot = SlotTopic
	}
	i := s.picks[slot] % n
	s.picks[slot]++
	return i
}

func (s *RoundRobinSelector) Confidence() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := 0.5 + 0.05*float64(s.confs%10)
	s.confs++
	return c
}
