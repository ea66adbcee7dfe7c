package sim

// HealthState is the epidemic state of a single agent.
type HealthState uint8

const (
	Healthy HealthState = iota
	Infected
	Recovered
	Vaccinated
)

func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Infected:
		return "infected"
	case Recovered:
		return "recovered"
	case Vaccinated:
		return "vaccinated"
	}
	return "unknown"
}

// Susceptible reports whether an agent in this state can still be infected.
func (s HealthState) Susceptible() bool {
	return s == Healthy
}

// Agent is one simulated individual
type Agent struct {
	X, Y         float64
	VX, VY       float64
	State        HealthState
	InfectionAge int // ticks spent infected, 0 otherwise
}

// Move advances the agent by its velocity scaled by speed and reflects the
// velocity off the world edges. The position itself is not clamped, so an
// agent may sit just outside the bounds for one tick.
func (a *Agent) Move(speed, width, height float64) {
	a.X += a.VX * speed
	a.Y += a.VY * speed

	if a.X < 0 || a.X > width {
		a.VX = -a.VX
	}
	if a.Y < 0 || a.Y > height {
		a.VY = -a.VY
	}
}

// Progress ages an infection by one tick. Once the age exceeds duration the
// agent becomes Recovered. Returns true on that transition.
func (a *Agent) Progress(duration int) bool {
	if a.State != Infected {
		return false
	}
	a.InfectionAge++
	if a.InfectionAge > duration {
		a.State = Recovered
		a.InfectionAge = 0
		return true
	}
	return false
}

// Infect moves a susceptible agent into the Infected state. Agents that are
// already infected or immune are left untouched.
func (a *Agent) Infect() bool {
	if !a.State.Susceptible() {
		return false
	}
	a.State = Infected
	a.InfectionAge = 0
	return true
}

// ToState converts the agent to its render form
func (a *Agent) ToState() AgentState {
	return AgentState{X: a.X, Y: a.Y, Category: a.State}
}

// AgentState is the per-agent payload handed to the rendering boundary.
type AgentState struct {
	X        float64     `json:"x" msgpack:"x"`
	Y        float64     `json:"y" msgpack:"y"`
	Category HealthState `json:"c" msgpack:"c"`
}
