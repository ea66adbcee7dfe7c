package sim

import (
	"errors"
	"fmt"
	"math"
)

// Default world constants of the R0 page.
const (
	DefaultWidth           = 300.0
	DefaultHeight          = 300.0
	DefaultInfectionRadius = 8.0
	DefaultDuration        = 150 // ticks an agent stays infected
	DefaultSpeed           = 2.0 // units per tick at unit velocity

	DefaultPopulation      = 100
	DefaultR0              = 1.5
	DefaultInitialInfected = 1

	// MaxPopulation caps the number of agents a world may hold.
	MaxPopulation = 10000
)

var (
	// ErrInvalidParameter is wrapped by every parameter validation failure.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrTickInProgress is returned when a tick is requested while another
	// one is still running. The request is dropped, not queued.
	ErrTickInProgress = errors.New("tick already in progress")

	// ErrNotInitialized is returned by Tick before the first Initialize.
	ErrNotInitialized = errors.New("simulation not initialized")
)

// WorldParams are the physical constants of a world. They do not change
// for the lifetime of a Controller.
type WorldParams struct {
	Width           float64 `json:"width"`
	Height          float64 `json:"height"`
	InfectionRadius float64 `json:"infection_radius"`
	Duration        int     `json:"recovery_duration"`
	Speed           float64 `json:"speed"`
}

// DefaultWorldParams returns the constants used by the dashboard page.
func DefaultWorldParams() WorldParams {
	return WorldParams{
		Width:           DefaultWidth,
		Height:          DefaultHeight,
		InfectionRadius: DefaultInfectionRadius,
		Duration:        DefaultDuration,
		Speed:           DefaultSpeed,
	}
}

// Validate checks the world constants.
func (p WorldParams) Validate() error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("%w: world bounds must be positive, got %vx%v", ErrInvalidParameter, p.Width, p.Height)
	}
	if p.InfectionRadius <= 0 {
		return fmt.Errorf("%w: infection radius must be positive, got %v", ErrInvalidParameter, p.InfectionRadius)
	}
	if p.Duration < 0 {
		return fmt.Errorf("%w: recovery duration must be >= 0, got %d", ErrInvalidParameter, p.Duration)
	}
	if p.Speed < 0 {
		return fmt.Errorf("%w: speed must be >= 0, got %v", ErrInvalidParameter, p.Speed)
	}
	return nil
}

// Settings are the user-controlled knobs of a run.
type Settings struct {
	R0                  float64 `json:"r0"`
	Population          int     `json:"population"`
	VaccinationFraction float64 `json:"vaccination"`
	InitialInfected     int     `json:"initial_infected"`
}

// DefaultSettings returns the initial slider positions of the page.
func DefaultSettings() Settings {
	return Settings{
		R0:                  DefaultR0,
		Population:          DefaultPopulation,
		VaccinationFraction: 0,
		InitialInfected:     DefaultInitialInfected,
	}
}

// Validate rejects settings outside their domain. Degenerate but legal
// values (zero population, zero infections, everyone vaccinated) pass.
func (s Settings) Validate() error {
	if err := ValidateR0(s.R0); err != nil {
		return err
	}
	if s.Population < 0 || s.Population > MaxPopulation {
		return fmt.Errorf("%w: population must be in [0,%d], got %d", ErrInvalidParameter, MaxPopulation, s.Population)
	}
	if math.IsNaN(s.VaccinationFraction) || s.VaccinationFraction < 0 || s.VaccinationFraction > 1 {
		return fmt.Errorf("%w: vaccination fraction must be in [0,1], got %v", ErrInvalidParameter, s.VaccinationFraction)
	}
	if s.InitialInfected < 0 {
		return fmt.Errorf("%w: initial infected must be >= 0, got %d", ErrInvalidParameter, s.InitialInfected)
	}
	return nil
}

// ValidateR0 rejects negative, NaN and infinite transmission coefficients.
func ValidateR0(r0 float64) error {
	if math.IsNaN(r0) || math.IsInf(r0, 0) || r0 < 0 {
		return fmt.Errorf("%w: R0 must be finite and >= 0, got %v", ErrInvalidParameter, r0)
	}
	return nil
}

// VaccinatedCount returns floor(population × fraction). A small epsilon
// absorbs float error so that e.g. 0.29 × 100 yields 29, not 28.
func VaccinatedCount(population int, fraction float64) int {
	n := int(math.Floor(float64(population)*fraction + 1e-9))
	if n < 0 {
		return 0
	}
	if n > population {
		return population
	}
	return n
}
