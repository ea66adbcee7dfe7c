package sim

import (
	"math"
	"math/rand"
)

// World owns a fixed population of agents and advances it one tick at a
// time. It is not safe for concurrent use; the Controller serializes access.
type World struct {
	params WorldParams
	agents []Agent
	index  *SpatialIndex
	rng    *rand.Rand // transmission rolls

	// reusable buffers
	spreaders []int
	pending   []int
	nbuf      []int
}

// NewWorld builds a population of the given size. Positions are uniform in
// the world bounds and velocity components uniform in [-1,1). The first
// floor(population × vaccinationFraction) agents are vaccinated, and the
// first initialInfected of the remaining agents start infected.
func NewWorld(params WorldParams, population int, vaccinationFraction float64, initialInfected int, rng *PartitionedRNG) *World {
	if population < 0 {
		population = 0
	}
	place := rng.ForSubsystem(SubsystemPlacement)

	agents := make([]Agent, population)
	for i := range agents {
		agents[i] = Agent{
			X:  place.Float64() * params.Width,
			Y:  place.Float64() * params.Height,
			VX: place.Float64()*2 - 1,
			VY: place.Float64()*2 - 1,
		}
	}

	vaccinated := VaccinatedCount(population, vaccinationFraction)
	for i := 0; i < vaccinated; i++ {
		agents[i].State = Vaccinated
	}

	remaining := population - vaccinated
	infected := min(max(initialInfected, 0), remaining)
	for i := vaccinated; i < vaccinated+infected; i++ {
		agents[i].State = Infected
	}

	w := &World{
		params: params,
		agents: agents,
		index:  NewSpatialIndex(params.Width, params.Height, params.InfectionRadius),
		rng:    rng.ForSubsystem(SubsystemTransmission),
	}
	w.index.Build(w.agents)
	return w
}

// Population returns the number of agents.
func (w *World) Population() int {
	return len(w.agents)
}

// Params returns the world constants.
func (w *World) Params() WorldParams {
	return w.params
}

// Step advances the world by one tick.
//
// Phase A moves every agent and ages infections, then rebuilds the index
// from the new positions. Phase B spreads the infection from every agent
// that is infected at that point.
func (w *World) Step(r0 float64) {
	for i := range w.agents {
		a := &w.agents[i]
		a.Move(w.params.Speed, w.params.Width, w.params.Height)
		a.Progress(w.params.Duration)
	}
	w.index.Build(w.agents)
	w.spread(r0 / 10)
}

// spread runs the transmission pass. Every spreader in range rolls
// independently against every susceptible neighbour; successes are applied
// after the pass, so an agent is infected if any roll succeeds and newly
// infected agents do not spread until the next tick.
func (w *World) spread(p float64) {
	w.spreaders = w.spreaders[:0]
	for i := range w.agents {
		if w.agents[i].State == Infected {
			w.spreaders = append(w.spreaders, i)
		}
	}

	radius := w.params.InfectionRadius
	w.pending = w.pending[:0]
	for _, i := range w.spreaders {
		src := &w.agents[i]
		w.nbuf = w.index.NeighborsBuf(i, w.nbuf[:0])
		for _, j := range w.nbuf {
			dst := &w.agents[j]
			if !dst.State.Susceptible() {
				continue
			}
			if math.Hypot(src.X-dst.X, src.Y-dst.Y) >= radius {
				continue
			}
			if w.rng.Float64() < p {
				w.pending = append(w.pending, j)
			}
		}
	}

	for _, j := range w.pending {
		w.agents[j].Infect()
	}
}

// Counts scans the population and aggregates it by category.
func (w *World) Counts() Counts {
	var c Counts
	for i := range w.agents {
		switch w.agents[i].State {
		case Vaccinated:
			c.Vaccinated++
		case Infected:
			c.Infected++
		case Recovered:
			c.Recovered++
		default:
			c.Healthy++
		}
	}
	return c
}

// Agents returns a copy of the population.
func (w *World) Agents() []Agent {
	out := make([]Agent, len(w.agents))
	copy(out, w.agents)
	return out
}

// AgentStates returns the render view of every agent.
func (w *World) AgentStates() []AgentState {
	out := make([]AgentState, len(w.agents))
	for i := range w.agents {
		out[i] = w.agents[i].ToState()
	}
	return out
}
