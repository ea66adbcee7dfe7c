package main

import (
	"encoding/json"

	"r0sim-server/sim"
)

// Client -> Server message types
const (
	MsgControl = "control" // change parameters or restart
	MsgHistory = "history" // request the full history
)

// Server -> Client message types
const (
	MsgWelcome   = "welcome"
	MsgSettings  = "settings"  // broadcast after a parameter change
	MsgRestarted = "restarted" // broadcast after the world was replaced
	MsgError     = "error"
)

// Envelope wraps all outgoing messages with a type field
type Envelope struct {
	T    string      `json:"t"`
	Data interface{} `json:"d,omitempty"`
}

// InEnvelope is used for incoming messages; json.RawMessage avoids double-unmarshal
type InEnvelope struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d,omitempty"`
}

// ControlMsg changes live parameters. Nil fields are left as they are.
// Restart is a generation counter: the world is replaced only when it is
// greater than the last generation the server has seen.
type ControlMsg struct {
	R0              *float64 `json:"r0,omitempty"`
	Population      *int     `json:"population,omitempty"`
	Vaccination     *float64 `json:"vaccination,omitempty"` // fraction in [0,1]
	InitialInfected *int     `json:"initial_infected,omitempty"`
	IntervalMs      *int     `json:"interval_ms,omitempty"`
	Restart         uint64   `json:"restart,omitempty"`
	Token           string   `json:"token,omitempty"`
}

// WorldState is the per-tick binary frame (msgpack).
type WorldState = sim.Snapshot

// SettingsMsg describes the live parameters.
type SettingsMsg struct {
	R0              float64 `json:"r0"`
	Population      int     `json:"population"`
	Vaccination     float64 `json:"vaccination"`
	InitialInfected int     `json:"initial_infected"`
	IntervalMs      int     `json:"interval_ms"`
	Run             uint64  `json:"run"`
	Generation      uint64  `json:"generation"`
}

// HistoryMsg carries the history of the current run.
type HistoryMsg struct {
	Run     uint64       `json:"run"`
	Records []sim.Record `json:"records"`
}

// WelcomeMsg is sent once when a dashboard connects
type WelcomeMsg struct {
	Settings     SettingsMsg     `json:"settings"`
	History      HistoryMsg      `json:"history"`
	Limits       Limits          `json:"limits"`
	World        sim.WorldParams `json:"world"`
	AuthRequired bool            `json:"auth"`
}

// ErrorMsg sends error to client
type ErrorMsg struct {
	Msg string `json:"msg"`
}

// Limits are the dashboard slider ranges.
type Limits struct {
	R0Min          float64 `json:"r0_min"`
	R0Max          float64 `json:"r0_max"`
	R0Step         float64 `json:"r0_step"`
	PopulationMin  int     `json:"population_min"`
	PopulationMax  int     `json:"population_max"`
	PopulationStep int     `json:"population_step"`
	VaccinationMin float64 `json:"vaccination_min"`
	VaccinationMax float64 `json:"vaccination_max"`
	VaccinationStp float64 `json:"vaccination_step"`
	IntervalMs     int     `json:"interval_ms"`
}

// DefaultLimits returns the slider ranges of the dashboard.
func DefaultLimits() Limits {
	return Limits{
		R0Min:          0.5,
		R0Max:          3.0,
		R0Step:         0.1,
		PopulationMin:  10,
		PopulationMax:  250,
		PopulationStep: 10,
		VaccinationMin: 0,
		VaccinationMax: 0.9,
		VaccinationStp: 0.1,
		IntervalMs:     100,
	}
}

// LoginMsg is the body of POST /api/login
type LoginMsg struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginOKMsg is the response to a successful login
type LoginOKMsg struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}
