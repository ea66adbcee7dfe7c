package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"r0sim-server/sim"
)

// Config is the full config.yaml structure.
// Every section must be listed to satisfy KnownFields(true) strict parsing.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Simulation SimulationConfig `yaml:"simulation"`
	Auth       AuthConfig       `yaml:"auth"`
	Storage    StorageConfig    `yaml:"storage"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Addr          string `yaml:"addr"`
	StaticDir     string `yaml:"static_dir"` // dashboard assets, empty = API only
	PublicURL     string `yaml:"public_url"` // encoded in the share QR code
	MaxConnsPerIP int    `yaml:"max_conns_per_ip"`
	MaxConns      int    `yaml:"max_conns"`
}

type SimulationConfig struct {
	Width               float64 `yaml:"width"`
	Height              float64 `yaml:"height"`
	InfectionRadius     float64 `yaml:"infection_radius"`
	RecoveryDuration    int     `yaml:"recovery_duration"`
	Speed               float64 `yaml:"speed"`
	Population          int     `yaml:"population"`
	VaccinationFraction float64 `yaml:"vaccination_fraction"`
	InitialInfected     int     `yaml:"initial_infected"`
	R0                  float64 `yaml:"r0"`
	TickIntervalMs      int     `yaml:"tick_interval_ms"`
	Seed                int64   `yaml:"seed"` // 0 = seed from the clock
}

type AuthConfig struct {
	OperatorUser         string        `yaml:"operator_user"`
	OperatorPasswordHash string        `yaml:"operator_password_hash"` // bcrypt; empty disables auth
	TokenTTL             time.Duration `yaml:"token_ttl"`
}

type StorageConfig struct {
	DBPath string `yaml:"db_path"` // empty disables the run archive
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig mirrors the constants of the original dashboard page.
func DefaultConfig() Config {
	wp := sim.DefaultWorldParams()
	s := sim.DefaultSettings()
	return Config{
		Server: ServerConfig{
			Addr:          ":8080",
			PublicURL:     "http://localhost:8080/",
			MaxConnsPerIP: 5,
			MaxConns:      1000,
		},
		Simulation: SimulationConfig{
			Width:               wp.Width,
			Height:              wp.Height,
			InfectionRadius:     wp.InfectionRadius,
			RecoveryDuration:    wp.Duration,
			Speed:               wp.Speed,
			Population:          s.Population,
			VaccinationFraction: s.VaccinationFraction,
			InitialInfected:     s.InitialInfected,
			R0:                  s.R0,
			TickIntervalMs:      100,
		},
		Auth: AuthConfig{
			OperatorUser: "operator",
			TokenTTL:     12 * time.Hour,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig reads path on top of the defaults. An empty path returns the
// defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := parseConfig(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// parseConfig decodes YAML with strict field checking: typos must cause errors.
func parseConfig(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return err
	}
	return nil
}

// Validate checks the simulation section and the tick cadence.
func (c Config) Validate() error {
	if err := c.WorldParams().Validate(); err != nil {
		return err
	}
	if err := c.Settings().Validate(); err != nil {
		return err
	}
	if c.Simulation.TickIntervalMs <= 0 {
		return fmt.Errorf("%w: tick_interval_ms must be positive, got %d", sim.ErrInvalidParameter, c.Simulation.TickIntervalMs)
	}
	return nil
}

// WorldParams extracts the world constants.
func (c Config) WorldParams() sim.WorldParams {
	return sim.WorldParams{
		Width:           c.Simulation.Width,
		Height:          c.Simulation.Height,
		InfectionRadius: c.Simulation.InfectionRadius,
		Duration:        c.Simulation.RecoveryDuration,
		Speed:           c.Simulation.Speed,
	}
}

// Settings extracts the initial run settings.
func (c Config) Settings() sim.Settings {
	return sim.Settings{
		R0:                  c.Simulation.R0,
		Population:          c.Simulation.Population,
		VaccinationFraction: c.Simulation.VaccinationFraction,
		InitialInfected:     c.Simulation.InitialInfected,
	}
}

// TickInterval returns the configured cadence.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.Simulation.TickIntervalMs) * time.Millisecond
}

// Seed returns the configured seed, or one derived from the clock.
func (c Config) Seed() int64 {
	if c.Simulation.Seed != 0 {
		return c.Simulation.Seed
	}
	return time.Now().UnixNano()
}
