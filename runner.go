package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"r0sim-server/sim"
)

// Broadcaster interface for sending messages to clients
type Broadcaster interface {
	SendJSON(msg interface{})
	SendBinary(data []byte)
}

// Runner drives the Controller at a fixed cadence and fans snapshots out
// to the connected dashboards.
type Runner struct {
	ctrl   *sim.Controller
	limits Limits

	mu       sync.RWMutex
	clients  map[Broadcaster]bool
	interval time.Duration

	// intervalCh carries cadence changes into the loop; capacity 1, newest wins.
	intervalCh chan time.Duration
}

// NewRunner creates a Runner ticking every interval.
func NewRunner(ctrl *sim.Controller, interval time.Duration) (*Runner, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: tick interval must be positive, got %v", sim.ErrInvalidParameter, interval)
	}
	return &Runner{
		ctrl:       ctrl,
		limits:     DefaultLimits(),
		clients:    make(map[Broadcaster]bool),
		interval:   interval,
		intervalCh: make(chan time.Duration, 1),
	}, nil
}

// Controller returns the driven controller.
func (r *Runner) Controller() *sim.Controller {
	return r.ctrl
}

// Limits returns the control ranges advertised to dashboards.
func (r *Runner) Limits() Limits {
	return r.limits
}

// Run starts the tick loop and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-r.intervalCh:
			// takes effect on the next scheduled tick
			ticker.Reset(d)
		case <-ticker.C:
			r.Step()
		}
	}
}

// Step advances the simulation once and broadcasts the resulting snapshot.
// A tick that overlaps one already in progress is dropped.
func (r *Runner) Step() (sim.Snapshot, error) {
	snap, err := r.ctrl.Advance()
	if err != nil {
		if errors.Is(err, sim.ErrTickInProgress) {
			logrus.Debug("tick dropped: previous tick still running")
		} else {
			logrus.WithError(err).Warn("tick failed")
		}
		return snap, err
	}
	r.broadcastState(snap)
	return snap, nil
}

// SetInterval changes the tick cadence.
func (r *Runner) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: tick interval must be positive, got %v", sim.ErrInvalidParameter, d)
	}
	r.mu.Lock()
	r.interval = d
	r.mu.Unlock()

	for {
		select {
		case r.intervalCh <- d:
			return nil
		default:
			select {
			case <-r.intervalCh:
			default:
			}
		}
	}
}

// Interval returns the current tick cadence.
func (r *Runner) Interval() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.interval
}

// AddClient subscribes a broadcaster to snapshots
func (r *Runner) AddClient(c Broadcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c] = true
}

// RemoveClient unsubscribes a broadcaster. No message is sent to it after
// RemoveClient returns.
func (r *Runner) RemoveClient(c Broadcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, c)
}

// ClientCount returns the number of subscribed clients
func (r *Runner) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// HandleControl applies a control message. All fields are validated before
// anything changes, so a rejected message has no effect. The settings merge
// happens under the controller lock so concurrent messages touching
// different fields do not undo each other.
func (r *Runner) HandleControl(msg ControlMsg) error {
	if msg.Population != nil && *msg.Population > r.limits.PopulationMax {
		return fmt.Errorf("%w: population must be <= %d, got %d", sim.ErrInvalidParameter, r.limits.PopulationMax, *msg.Population)
	}
	var interval time.Duration
	if msg.IntervalMs != nil {
		interval = time.Duration(*msg.IntervalMs) * time.Millisecond
		if interval <= 0 {
			return fmt.Errorf("%w: interval_ms must be positive, got %d", sim.ErrInvalidParameter, *msg.IntervalMs)
		}
	}
	// generations only grow, so a request that passes here can at worst
	// turn stale and be ignored below
	if gen := r.ctrl.Generation(); msg.Restart > gen+1 {
		return fmt.Errorf("%w: restart generation must be <= %d, got %d", sim.ErrInvalidParameter, gen+1, msg.Restart)
	}

	restarted, err := r.ctrl.Update(func(s *sim.Settings) error {
		if msg.R0 != nil {
			s.R0 = *msg.R0
		}
		if msg.Population != nil {
			s.Population = *msg.Population
		}
		if msg.Vaccination != nil {
			s.VaccinationFraction = *msg.Vaccination
		}
		if msg.InitialInfected != nil {
			s.InitialInfected = *msg.InitialInfected
		}
		return nil
	})
	if err != nil {
		return err
	}
	if interval > 0 {
		if err := r.SetInterval(interval); err != nil {
			return err
		}
	}
	if msg.Restart > 0 && r.ctrl.RequestRestart(msg.Restart) {
		restarted = true
	}

	r.broadcastMsg(Envelope{T: MsgSettings, Data: r.SettingsMsg()})
	if restarted {
		logrus.WithFields(logrus.Fields{
			"run":        r.ctrl.Run(),
			"population": r.ctrl.Settings().Population,
		}).Info("simulation restarted")
		r.broadcastMsg(Envelope{T: MsgRestarted, Data: r.HistoryMsg()})
		if snap, err := r.ctrl.Snapshot(); err == nil {
			r.broadcastState(snap)
		}
	}
	return nil
}

// SettingsMsg describes the live parameters.
func (r *Runner) SettingsMsg() SettingsMsg {
	s := r.ctrl.Settings()
	return SettingsMsg{
		R0:              s.R0,
		Population:      s.Population,
		Vaccination:     s.VaccinationFraction,
		InitialInfected: s.InitialInfected,
		IntervalMs:      int(r.Interval() / time.Millisecond),
		Run:             r.ctrl.Run(),
		Generation:      r.ctrl.Generation(),
	}
}

// HistoryMsg returns the history of the current run.
func (r *Runner) HistoryMsg() HistoryMsg {
	run, records := r.ctrl.RunHistory()
	return HistoryMsg{Run: run, Records: records}
}

// EncodeState marshals a snapshot into a binary frame.
func EncodeState(snap sim.Snapshot) ([]byte, error) {
	return msgpack.Marshal(&snap)
}

// broadcastState sends a snapshot to all clients
func (r *Runner) broadcastState(snap sim.Snapshot) {
	data, err := EncodeState(snap)
	if err != nil {
		logrus.WithError(err).Error("encode state")
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.clients {
		c.SendBinary(data)
	}
}

// broadcastMsg sends a message to all clients
func (r *Runner) broadcastMsg(msg Envelope) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.clients {
		c.SendJSON(msg)
	}
}
