package main

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"r0sim-server/sim"
)

func newRecordController(t *testing.T) *sim.Controller {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Simulation.Population = 40
	cfg.Simulation.VaccinationFraction = 0.25
	cfg.Simulation.Seed = 11
	ctrl, err := newController(cfg)
	require.NoError(t, err)
	return ctrl
}

func TestRecordWritesOutputs(t *testing.T) {
	dir := t.TempDir()
	opts := RecordOptions{
		Ticks:     5,
		VideoPath: filepath.Join(dir, "run.avi"),
		CSVPath:   filepath.Join(dir, "history.csv"),
		ChartPath: filepath.Join(dir, "history.png"),
		FPS:       10,
		FrameSize: 120,
	}
	summary, err := Record(newRecordController(t), opts)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), summary.Ticks)
	assert.Equal(t, 40, summary.Final.Total())

	video, err := os.ReadFile(opts.VideoPath)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(video, []byte("RIFF")), "expected an AVI container")

	f, err := os.Open(opts.CSVPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 7, "header plus ticks 0..5")
	assert.Equal(t, []string{"tick", "infected", "recovered", "vaccinated"}, rows[0])
	assert.Equal(t, "0", rows[1][0])
	assert.Equal(t, "10", rows[1][3])

	chartPNG, err := os.ReadFile(opts.ChartPath)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(chartPNG, []byte("\x89PNG")))
}

func TestRecordWithoutVideo(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "history.csv")
	_, err := Record(newRecordController(t), RecordOptions{Ticks: 3, CSVPath: csvPath})
	require.NoError(t, err)

	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Equal(t, 5, strings.Count(string(data), "\n"))
}

func TestRecordRejectsBadOptions(t *testing.T) {
	tests := []struct {
		name string
		opts RecordOptions
	}{
		{"zero ticks", RecordOptions{Ticks: 0}},
		{"tiny frame", RecordOptions{Ticks: 1, FrameSize: 10}},
		{"zero fps", RecordOptions{Ticks: 1, VideoPath: filepath.Join(t.TempDir(), "x.avi")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Record(newRecordController(t), tt.opts)
			assert.ErrorIs(t, err, sim.ErrInvalidParameter)
		})
	}
}

func TestRecordUninitialized(t *testing.T) {
	ctrl, err := sim.NewController(sim.DefaultWorldParams(), sim.DefaultSettings(), 1)
	require.NoError(t, err)
	_, err = Record(ctrl, RecordOptions{Ticks: 1})
	assert.ErrorIs(t, err, sim.ErrNotInitialized)
}

func TestRenderFrameColorsAgents(t *testing.T) {
	snap := sim.Snapshot{
		R0:         1.5,
		Population: 2,
		Agents: []sim.AgentState{
			{X: 150, Y: 150, Category: sim.Infected},
			{X: 300, Y: 0, Category: sim.Vaccinated},
		},
	}
	img := RenderFrame(snap, sim.DefaultWorldParams(), 120)

	// (150,150) maps to pixel (59,60); y is flipped
	assert.Equal(t, categoryColors[sim.Infected], img.RGBAAt(59, 60))
	// the bottom-right corner agent is drawn and clipped to the frame
	assert.Equal(t, categoryColors[sim.Vaccinated], img.RGBAAt(119, 119))
	// empty space stays background
	assert.Equal(t, frameBackground, img.RGBAAt(100, 100))
}

func TestWriteHistoryCSV(t *testing.T) {
	var buf bytes.Buffer
	err := WriteHistoryCSV(&buf, []sim.Record{
		{Tick: 0, Infected: 1, Recovered: 0, Vaccinated: 5},
		{Tick: 1, Infected: 2, Recovered: 0, Vaccinated: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, "tick,infected,recovered,vaccinated\n0,1,0,5\n1,2,0,5\n", buf.String())
}
