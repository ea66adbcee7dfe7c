package sim

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Lifecycle states of a Controller.
const (
	StateUninitialized = "uninitialized"
	StateRunning       = "running"
)

// Snapshot is an immutable view of the world after a tick. Agents is a
// copy; callers may keep it as long as they like.
type Snapshot struct {
	Run        uint64       `json:"run" msgpack:"run"`
	Tick       uint64       `json:"tick" msgpack:"tick"`
	R0         float64      `json:"r0" msgpack:"r0"`
	Population int          `json:"population" msgpack:"n"`
	Agents     []AgentState `json:"agents" msgpack:"a"`
	Counts     Counts       `json:"counts" msgpack:"c"`
}

// Title is the chart heading shown above the world view.
func (s Snapshot) Title() string {
	return fmt.Sprintf("R0 = %.1f, Population = %d", s.R0, s.Population)
}

// CounterText is the one-line summary shown next to the controls.
func (s Snapshot) CounterText() string {
	return fmt.Sprintf("Infected: %d, Recovered: %d, Vaccinated: %d",
		s.Counts.Infected, s.Counts.Recovered, s.Counts.Vaccinated)
}

// RunSummary describes a finished (replaced) run.
type RunSummary struct {
	Run                 uint64
	Seed                int64
	Population          int
	VaccinationFraction float64
	InitialInfected     int
	R0                  float64 // value in effect when the run ended
	Ticks               uint64
	PeakInfected        int
	Final               Counts
	StartedAt           time.Time
	EndedAt             time.Time
}

// Controller owns the current World, the tick counter and the History.
// All methods are safe for concurrent use. Ticks never overlap: a Tick that
// arrives while another is running is dropped with ErrTickInProgress.
type Controller struct {
	mu      sync.Mutex
	ticking atomic.Bool

	params      WorldParams
	settings    Settings
	runSettings Settings // settings the current world was built with
	lastR0      float64  // R0 of the most recent tick
	seed        int64

	world      *World
	run        uint64 // number of worlds built so far
	runSeed    int64
	startedAt  time.Time
	tick       uint64
	history    History
	generation uint64 // last restart request seen

	onRunEnd func(RunSummary)
}

// NewController creates an uninitialized controller. Call Initialize (or
// ApplySettings) before the first Tick.
func NewController(params WorldParams, settings Settings, seed int64) (*Controller, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		params:   params,
		settings: settings,
		seed:     seed,
	}, nil
}

// OnRunEnd registers a hook called with the summary of every run that is
// replaced after at least one tick. The hook runs under the controller lock
// and must not block.
func (c *Controller) OnRunEnd(fn func(RunSummary)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRunEnd = fn
}

// Initialize builds a fresh world and resets the tick counter and History.
func (c *Controller) Initialize(population int, vaccinationFraction float64, initialInfected int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initializeLocked(population, vaccinationFraction, initialInfected)
}

// Restart replaces the world using the given population and vaccination
// fraction and the current initial-infected count. Calling it repeatedly
// without ticks in between always leaves tick 0 and a single History record.
func (c *Controller) Restart(population int, vaccinationFraction float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initializeLocked(population, vaccinationFraction, c.settings.InitialInfected)
}

func (c *Controller) initializeLocked(population int, vaccinationFraction float64, initialInfected int) error {
	s := c.settings
	s.Population = population
	s.VaccinationFraction = vaccinationFraction
	s.InitialInfected = initialInfected
	if err := s.Validate(); err != nil {
		return err
	}
	c.settings = s
	c.rebuildLocked()
	return nil
}

// RequestRestart is the edge-triggered restart signal. The world is
// replaced only when generation is exactly one past the last generation
// seen, so re-delivered or stale requests are ignored and no request can
// push the counter out of reach of later ones.
func (c *Controller) RequestRestart(generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation+1 {
		return false
	}
	c.generation = generation
	c.rebuildLocked()
	return true
}

// ApplySettings updates the live settings. R0 applies from the next tick.
// A population change, or the first call on an uninitialized controller,
// replaces the world. Vaccination and initial-infected changes take effect
// on the next restart. Returns true when the world was replaced.
func (c *Controller) ApplySettings(s Settings) (bool, error) {
	return c.Update(func(cur *Settings) error {
		*cur = s
		return nil
	})
}

// Update applies fn to a copy of the live settings under the controller
// lock and installs the result as ApplySettings would. Concurrent updates
// of different fields never overwrite each other. Nothing changes when fn
// or validation fails.
func (c *Controller) Update(fn func(*Settings) error) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.settings
	if err := fn(&s); err != nil {
		return false, err
	}
	if err := s.Validate(); err != nil {
		return false, err
	}
	restart := c.world == nil || s.Population != c.settings.Population
	c.settings = s
	if restart {
		c.rebuildLocked()
	}
	return restart, nil
}

// SetR0 changes the transmission coefficient used by Advance.
func (c *Controller) SetR0(r0 float64) error {
	if err := ValidateR0(r0); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.R0 = r0
	return nil
}

// rebuildLocked replaces the world. Caller must hold c.mu.
func (c *Controller) rebuildLocked() {
	now := time.Now()
	if c.world != nil && c.tick > 0 && c.onRunEnd != nil {
		c.onRunEnd(c.summaryLocked(now))
	}

	c.run++
	c.runSeed = c.seed + int64(c.run)
	c.runSettings = c.settings
	c.lastR0 = c.settings.R0
	c.world = NewWorld(c.params, c.settings.Population, c.settings.VaccinationFraction,
		c.settings.InitialInfected, NewPartitionedRNG(c.runSeed))
	c.tick = 0
	c.startedAt = now
	c.history.Reset(c.world.Counts())

	logrus.WithFields(logrus.Fields{
		"run":         c.run,
		"population":  c.settings.Population,
		"vaccination": c.settings.VaccinationFraction,
		"infected":    c.settings.InitialInfected,
	}).Debug("simulation restarted")
}

// Tick advances the world by one step with the given R0, appends to History
// and returns the resulting snapshot.
func (c *Controller) Tick(r0 float64) (Snapshot, error) {
	if err := ValidateR0(r0); err != nil {
		return Snapshot{}, err
	}
	if !c.ticking.CompareAndSwap(false, true) {
		return Snapshot{}, ErrTickInProgress
	}
	defer c.ticking.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickLocked(r0)
}

// Advance ticks with the R0 currently stored in the settings.
func (c *Controller) Advance() (Snapshot, error) {
	if !c.ticking.CompareAndSwap(false, true) {
		return Snapshot{}, ErrTickInProgress
	}
	defer c.ticking.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickLocked(c.settings.R0)
}

func (c *Controller) tickLocked(r0 float64) (Snapshot, error) {
	if c.world == nil {
		return Snapshot{}, ErrNotInitialized
	}
	c.world.Step(r0)
	c.tick++
	c.lastR0 = r0
	counts := c.world.Counts()
	c.history.Append(c.tick, counts)
	return c.snapshotLocked(r0, counts), nil
}

func (c *Controller) snapshotLocked(r0 float64, counts Counts) Snapshot {
	return Snapshot{
		Run:        c.run,
		Tick:       c.tick,
		R0:         r0,
		Population: c.world.Population(),
		Agents:     c.world.AgentStates(),
		Counts:     counts,
	}
}

// Snapshot returns the current world without advancing it.
func (c *Controller) Snapshot() (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.world == nil {
		return Snapshot{}, ErrNotInitialized
	}
	return c.snapshotLocked(c.settings.R0, c.world.Counts()), nil
}

// History returns a copy of the full History.
func (c *Controller) History() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Records()
}

// HistorySince returns a copy of the records after tick.
func (c *Controller) HistorySince(tick uint64) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Since(tick)
}

// RunHistory returns the run index together with a copy of its History.
func (c *Controller) RunHistory() (uint64, []Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run, c.history.Records()
}

// Generation returns the last accepted restart generation.
func (c *Controller) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Settings returns the current settings.
func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Params returns the world constants.
func (c *Controller) Params() WorldParams {
	return c.params
}

// CurrentTick returns the tick counter of the current run.
func (c *Controller) CurrentTick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick
}

// Run returns the 1-based index of the current world, 0 before Initialize.
func (c *Controller) Run() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run
}

// State reports the lifecycle state.
func (c *Controller) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.world == nil {
		return StateUninitialized
	}
	return StateRunning
}

// Summary describes the current run as if it ended now. ok is false before
// Initialize.
func (c *Controller) Summary() (RunSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.world == nil {
		return RunSummary{}, false
	}
	return c.summaryLocked(time.Now()), true
}

func (c *Controller) summaryLocked(now time.Time) RunSummary {
	return RunSummary{
		Run:                 c.run,
		Seed:                c.runSeed,
		Population:          c.world.Population(),
		VaccinationFraction: c.runSettings.VaccinationFraction,
		InitialInfected:     c.runSettings.InitialInfected,
		R0:                  c.lastR0,
		Ticks:               c.tick,
		PeakInfected:        c.history.PeakInfected(),
		Final:               c.world.Counts(),
		StartedAt:           c.startedAt,
		EndedAt:             now,
	}
}
