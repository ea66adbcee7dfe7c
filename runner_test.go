package main

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"r0sim-server/sim"
)

// mockBroadcaster captures sent messages for testing
type mockBroadcaster struct {
	mu       sync.Mutex
	messages []interface{}
	frames   [][]byte
}

func (m *mockBroadcaster) SendJSON(msg interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

func (m *mockBroadcaster) SendBinary(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, data)
}

func (m *mockBroadcaster) frameCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

func (m *mockBroadcaster) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.messages {
		if env, ok := msg.(Envelope); ok {
			out = append(out, env.T)
		}
	}
	return out
}

func newTestRunner(t *testing.T, interval time.Duration) *Runner {
	t.Helper()
	s := testSettings()
	ctrl, err := sim.NewController(sim.DefaultWorldParams(), s, 3)
	require.NoError(t, err)
	require.NoError(t, ctrl.Initialize(s.Population, s.VaccinationFraction, s.InitialInfected))
	r, err := NewRunner(ctrl, interval)
	require.NoError(t, err)
	return r
}

func TestRunnerStepBroadcastsFrame(t *testing.T) {
	r := newTestRunner(t, time.Second)
	m1, m2 := &mockBroadcaster{}, &mockBroadcaster{}
	r.AddClient(m1)
	r.AddClient(m2)

	snap, err := r.Step()
	require.NoError(t, err)

	for _, m := range []*mockBroadcaster{m1, m2} {
		require.Equal(t, 1, m.frameCount())
		var ws WorldState
		require.NoError(t, msgpack.Unmarshal(m.frames[0], &ws))
		assert.Equal(t, snap.Tick, ws.Tick)
		assert.Equal(t, snap.Agents, ws.Agents)
		assert.Equal(t, snap.Counts, ws.Counts)
	}
}

func TestRunnerRemoveClient(t *testing.T) {
	r := newTestRunner(t, time.Second)
	m := &mockBroadcaster{}
	r.AddClient(m)
	r.Step()
	r.RemoveClient(m)
	r.Step()

	assert.Equal(t, 1, m.frameCount())
	assert.Equal(t, 0, r.ClientCount())
}

func TestRunnerRunTicksUntilCancelled(t *testing.T) {
	r := newTestRunner(t, 5*time.Millisecond)
	m := &mockBroadcaster{}
	r.AddClient(m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return m.frameCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// no ticks are scheduled after cancellation
	ticks := r.Controller().CurrentTick()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, ticks, r.Controller().CurrentTick())
}

func TestRunnerSetIntervalWhileRunning(t *testing.T) {
	r := newTestRunner(t, time.Hour)
	m := &mockBroadcaster{}
	r.AddClient(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	// GIVEN a loop that would not tick for an hour
	// WHEN the cadence drops to 5ms
	require.NoError(t, r.SetInterval(5*time.Millisecond))

	// THEN ticks start arriving at the new cadence
	require.Eventually(t, func() bool { return m.frameCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, r.Interval())
}

func TestRunnerSetIntervalRejectsNonPositive(t *testing.T) {
	r := newTestRunner(t, time.Second)
	for _, d := range []time.Duration{0, -time.Millisecond} {
		err := r.SetInterval(d)
		assert.True(t, errors.Is(err, sim.ErrInvalidParameter), "interval %v: %v", d, err)
	}
	assert.Equal(t, time.Second, r.Interval())

	_, err := NewRunner(r.Controller(), 0)
	assert.ErrorIs(t, err, sim.ErrInvalidParameter)
}

func TestRunnerSetIntervalNewestWins(t *testing.T) {
	r := newTestRunner(t, time.Second)
	// nothing drains the channel; later values replace earlier ones
	require.NoError(t, r.SetInterval(10*time.Millisecond))
	require.NoError(t, r.SetInterval(20*time.Millisecond))
	require.NoError(t, r.SetInterval(30*time.Millisecond))

	assert.Equal(t, 30*time.Millisecond, <-r.intervalCh)
	assert.Equal(t, 30*time.Millisecond, r.Interval())
}

func TestRunnerHandleControlR0(t *testing.T) {
	r := newTestRunner(t, time.Second)
	m := &mockBroadcaster{}
	r.AddClient(m)
	r.Step()

	require.NoError(t, r.HandleControl(ControlMsg{R0: ptr(2.5)}))

	assert.Equal(t, []string{MsgSettings}, m.types(), "R0 change must not restart")
	assert.Equal(t, uint64(1), r.Controller().CurrentTick())
	snap, err := r.Step()
	require.NoError(t, err)
	assert.Equal(t, 2.5, snap.R0)
}

func TestRunnerHandleControlRestart(t *testing.T) {
	r := newTestRunner(t, time.Second)
	m := &mockBroadcaster{}
	r.AddClient(m)
	r.Step()
	r.Step()

	require.NoError(t, r.HandleControl(ControlMsg{Vaccination: ptr(0.5), Restart: 1}))
	assert.Equal(t, []string{MsgSettings, MsgRestarted}, m.types())
	assert.Equal(t, uint64(0), r.Controller().CurrentTick())
	assert.Equal(t, 3, m.frameCount(), "fresh world is pushed right away")

	snap, err := r.Controller().Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 25, snap.Counts.Vaccinated)

	// re-delivered generation is ignored
	require.NoError(t, r.HandleControl(ControlMsg{Restart: 1}))
	assert.Equal(t, []string{MsgSettings, MsgRestarted, MsgSettings}, m.types())
}

func TestRunnerHandleControlIsAtomic(t *testing.T) {
	r := newTestRunner(t, time.Second)

	err := r.HandleControl(ControlMsg{R0: ptr(2.0), Population: ptr(80), IntervalMs: ptr(-5)})
	assert.ErrorIs(t, err, sim.ErrInvalidParameter)

	s := r.Controller().Settings()
	assert.Equal(t, 1.5, s.R0)
	assert.Equal(t, 50, s.Population)
	assert.Equal(t, time.Second, r.Interval())
}

func TestRunnerHandleControlRejectsGenerationJump(t *testing.T) {
	// Given a runner that has ticked once
	r := newTestRunner(t, time.Second)
	r.Step()

	// When a client sends a generation far beyond the next one
	err := r.HandleControl(ControlMsg{R0: ptr(2.0), Restart: math.MaxUint64})

	// Then it is rejected as a whole and restart keeps working for everyone
	assert.ErrorIs(t, err, sim.ErrInvalidParameter)
	assert.Equal(t, 1.5, r.Controller().Settings().R0)
	assert.Equal(t, uint64(0), r.SettingsMsg().Generation)

	run := r.Controller().Run()
	require.NoError(t, r.HandleControl(ControlMsg{Restart: r.SettingsMsg().Generation + 1}))
	assert.Equal(t, run+1, r.Controller().Run())
	assert.Equal(t, uint64(0), r.Controller().CurrentTick())
}

func TestRunnerHandleControlPopulationLimit(t *testing.T) {
	r := newTestRunner(t, time.Second)
	run := r.Controller().Run()

	for _, n := range []int{r.Limits().PopulationMax + 1, 1 << 40} {
		err := r.HandleControl(ControlMsg{Population: ptr(n)})
		assert.ErrorIs(t, err, sim.ErrInvalidParameter, "population %d", n)
	}
	assert.Equal(t, 50, r.Controller().Settings().Population)
	assert.Equal(t, run, r.Controller().Run(), "rejected population must not rebuild the world")

	require.NoError(t, r.HandleControl(ControlMsg{Population: ptr(r.Limits().PopulationMax)}))
	assert.Equal(t, r.Limits().PopulationMax, r.Controller().Settings().Population)
}

func TestRunnerHandleControlConcurrentFields(t *testing.T) {
	r := newTestRunner(t, time.Second)

	for i := 0; i < 100; i++ {
		require.NoError(t, r.HandleControl(ControlMsg{R0: ptr(1.5), Vaccination: ptr(0.0)}))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.HandleControl(ControlMsg{R0: ptr(2.5)}))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, r.HandleControl(ControlMsg{Vaccination: ptr(0.5)}))
		}()
		wg.Wait()

		s := r.Controller().Settings()
		require.Equal(t, 2.5, s.R0, "trial %d lost the R0 change", i)
		require.Equal(t, 0.5, s.VaccinationFraction, "trial %d lost the vaccination change", i)
	}
}

func TestRunnerSettingsMsg(t *testing.T) {
	r := newTestRunner(t, 100*time.Millisecond)
	sm := r.SettingsMsg()
	assert.Equal(t, SettingsMsg{
		R0:              1.5,
		Population:      50,
		Vaccination:     0.2,
		InitialInfected: 2,
		IntervalMs:      100,
		Run:             1,
	}, sm)
}
