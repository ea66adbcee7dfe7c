package sim

import (
	"hash/fnv"
	"math/rand"
)

const (
	// SubsystemPlacement drives initial positions and velocities.
	SubsystemPlacement = "placement"

	// SubsystemTransmission drives the per-contact infection rolls.
	SubsystemTransmission = "transmission"
)

// PartitionedRNG provides deterministic, isolated RNG instances per
// subsystem. Each subsystem is seeded with seed XOR fnv1a64(name), so
// adding draws to one subsystem never shifts the stream of another.
//
// Not thread-safe. The Controller only touches it under its own lock.
type PartitionedRNG struct {
	seed       int64
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a seed.
func NewPartitionedRNG(seed int64) *PartitionedRNG {
	return &PartitionedRNG{
		seed:       seed,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns the cached RNG for the named subsystem, creating it
// on first use. Never returns nil.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(p.seed ^ fnv1a64(name)))
	p.subsystems[name] = rng
	return rng
}

// Seed returns the seed used to create this PartitionedRNG.
func (p *PartitionedRNG) Seed() int64 {
	return p.seed
}

func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
