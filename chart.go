package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"r0sim-server/sim"
)

const (
	chartWidth  = 640
	chartHeight = 320
)

var (
	colorInfected   = drawing.Color{R: 220, G: 20, B: 60, A: 255}
	colorRecovered  = drawing.Color{R: 34, G: 139, B: 34, A: 255}
	colorVaccinated = drawing.Color{R: 30, G: 90, B: 220, A: 255}
)

// RenderHistoryPNG draws the infected/recovered/vaccinated time series
// (red/green/blue) as a PNG.
func RenderHistoryPNG(w io.Writer, records []sim.Record, title string) error {
	if len(records) == 0 {
		return errors.New("no history to chart")
	}

	n := len(records)
	ticks := make([]float64, n)
	infected := make([]float64, n)
	recovered := make([]float64, n)
	vaccinated := make([]float64, n)
	yMax := 1.0
	for i, r := range records {
		ticks[i] = float64(r.Tick)
		infected[i] = float64(r.Infected)
		recovered[i] = float64(r.Recovered)
		vaccinated[i] = float64(r.Vaccinated)
		for _, v := range []float64{infected[i], recovered[i], vaccinated[i]} {
			if v > yMax {
				yMax = v
			}
		}
	}
	xMin, xMax := ticks[0], ticks[n-1]
	if xMax <= xMin {
		// single record: widen so the axis range is never empty
		xMax = xMin + 1
	}

	graph := chart.Chart{
		Title:  title,
		Width:  chartWidth,
		Height: chartHeight,
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 10, Right: 10, Bottom: 10},
		},
		XAxis: chart.XAxis{
			Name:  "Time Step",
			Style: chart.Style{FontSize: 10.0},
			Range: &chart.ContinuousRange{Min: xMin, Max: xMax},
			ValueFormatter: func(v interface{}) string {
				return fmt.Sprintf("%d", int(v.(float64)))
			},
		},
		YAxis: chart.YAxis{
			Name:  "Count",
			Style: chart.Style{FontSize: 10.0},
			Range: &chart.ContinuousRange{Min: 0, Max: yMax},
		},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name:    "Infected",
				XValues: ticks,
				YValues: infected,
				Style:   chart.Style{StrokeColor: colorInfected, StrokeWidth: 2.0},
			},
			chart.ContinuousSeries{
				Name:    "Recovered",
				XValues: ticks,
				YValues: recovered,
				Style:   chart.Style{StrokeColor: colorRecovered, StrokeWidth: 2.0},
			},
			chart.ContinuousSeries{
				Name:    "Vaccinated",
				XValues: ticks,
				YValues: vaccinated,
				Style:   chart.Style{StrokeColor: colorVaccinated, StrokeWidth: 2.0},
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return graph.Render(chart.PNG, w)
}
