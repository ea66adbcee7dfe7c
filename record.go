package main

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io"
	"os"
	"strconv"

	"github.com/icza/mjpeg"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"r0sim-server/sim"
)

const (
	defaultFrameSize = 600
	minFrameSize     = 100
	agentDotRadius   = 2
	jpegQuality      = 90
)

var (
	frameBackground = color.RGBA{R: 18, G: 18, B: 28, A: 255}
	frameText       = color.RGBA{R: 230, G: 230, B: 230, A: 255}
)

// categoryColors follows the dashboard legend.
var categoryColors = map[sim.HealthState]color.RGBA{
	sim.Healthy:    {R: 255, G: 255, B: 255, A: 255},
	sim.Infected:   {R: 220, G: 20, B: 60, A: 255},
	sim.Recovered:  {R: 34, G: 139, B: 34, A: 255},
	sim.Vaccinated: {R: 30, G: 90, B: 220, A: 255},
}

// RecordOptions configures a headless run. Empty paths skip that output.
type RecordOptions struct {
	Ticks     int
	VideoPath string
	CSVPath   string
	ChartPath string
	FPS       int
	FrameSize int
}

// Record runs ctrl for opts.Ticks ticks, writing an MJPEG video of the
// world, a CSV of the history and a chart of the history. ctrl must be
// initialized.
func Record(ctrl *sim.Controller, opts RecordOptions) (sim.RunSummary, error) {
	if opts.Ticks <= 0 {
		return sim.RunSummary{}, fmt.Errorf("%w: ticks must be positive, got %d", sim.ErrInvalidParameter, opts.Ticks)
	}
	if opts.FrameSize == 0 {
		opts.FrameSize = defaultFrameSize
	}
	if opts.FrameSize < minFrameSize {
		return sim.RunSummary{}, fmt.Errorf("%w: frame size must be at least %d", sim.ErrInvalidParameter, minFrameSize)
	}

	snap, err := ctrl.Snapshot()
	if err != nil {
		return sim.RunSummary{}, err
	}
	params := ctrl.Params()

	var video mjpeg.AviWriter
	if opts.VideoPath != "" {
		if opts.FPS <= 0 {
			return sim.RunSummary{}, fmt.Errorf("%w: fps must be positive, got %d", sim.ErrInvalidParameter, opts.FPS)
		}
		video, err = mjpeg.New(opts.VideoPath, int32(opts.FrameSize), int32(opts.FrameSize), int32(opts.FPS))
		if err != nil {
			return sim.RunSummary{}, fmt.Errorf("create video %s: %w", opts.VideoPath, err)
		}
	}

	abort := func(err error) (sim.RunSummary, error) {
		if video != nil {
			video.Close()
		}
		return sim.RunSummary{}, err
	}

	var buf bytes.Buffer
	addFrame := func(s sim.Snapshot) error {
		if video == nil {
			return nil
		}
		buf.Reset()
		img := RenderFrame(s, params, opts.FrameSize)
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return fmt.Errorf("encode frame %d: %w", s.Tick, err)
		}
		return video.AddFrame(buf.Bytes())
	}

	if err := addFrame(snap); err != nil {
		return abort(err)
	}
	for i := 0; i < opts.Ticks; i++ {
		snap, err = ctrl.Advance()
		if err != nil {
			return abort(err)
		}
		if err := addFrame(snap); err != nil {
			return abort(err)
		}
		if snap.Tick%100 == 0 {
			logrus.WithFields(logrus.Fields{
				"tick":     snap.Tick,
				"infected": snap.Counts.Infected,
			}).Debug("recording")
		}
	}
	if video != nil {
		if err := video.Close(); err != nil {
			return sim.RunSummary{}, fmt.Errorf("close video: %w", err)
		}
	}

	history := ctrl.History()
	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(w io.Writer) error { return WriteHistoryCSV(w, history) }); err != nil {
			return sim.RunSummary{}, err
		}
	}
	if opts.ChartPath != "" {
		if err := writeFile(opts.ChartPath, func(w io.Writer) error {
			return RenderHistoryPNG(w, history, snap.Title())
		}); err != nil {
			return sim.RunSummary{}, err
		}
	}

	summary, _ := ctrl.Summary()
	return summary, nil
}

func writeFile(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := fn(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// WriteHistoryCSV writes one row per history record.
func WriteHistoryCSV(w io.Writer, records []sim.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"tick", "infected", "recovered", "vaccinated"}); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			strconv.FormatUint(r.Tick, 10),
			strconv.Itoa(r.Infected),
			strconv.Itoa(r.Recovered),
			strconv.Itoa(r.Vaccinated),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// RenderFrame draws the world as a size×size image with the title and
// counters in the top-left corner.
func RenderFrame(snap sim.Snapshot, params sim.WorldParams, size int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: frameBackground}, image.Point{}, draw.Src)

	sx := float64(size-1) / params.Width
	sy := float64(size-1) / params.Height
	for _, a := range snap.Agents {
		px := int(a.X * sx)
		// y grows upwards in world coordinates
		py := size - 1 - int(a.Y*sy)
		dot := image.Rect(px-agentDotRadius, py-agentDotRadius, px+agentDotRadius+1, py+agentDotRadius+1)
		draw.Draw(img, dot.Intersect(img.Bounds()), &image.Uniform{C: categoryColors[a.Category]}, image.Point{}, draw.Src)
	}

	addLabel(img, 8, 16, snap.Title())
	addLabel(img, 8, 32, snap.CounterText())
	addLabel(img, 8, 48, fmt.Sprintf("t = %d", snap.Tick))
	return img
}

// addLabel draws text with its baseline at (x, y).
func addLabel(img *image.RGBA, x, y int, label string) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(frameText),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(label)
}
