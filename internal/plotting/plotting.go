// Package plotting renders a recorded run as a stacked PNG of the velocity
// estimates, yaw rates and steering angle.
package plotting

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/banshee-data/vehicle-state/internal/estimation"
)

var (
	colorX        = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	colorY        = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	colorMeasured = color.RGBA{R: 150, G: 150, B: 150, A: 255}
)

// ErrNoRecords is returned when there is nothing to plot.
var ErrNoRecords = errors.New("no records to plot")

type series struct {
	label string
	color color.Color
	value func(estimation.Record) float64
}

func newPlot(title, yLabel string, recs []estimation.Record, lines ...series) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "t (s)"
	p.Y.Label.Text = yLabel
	p.Add(plotter.NewGrid())

	for _, s := range lines {
		pts := make(plotter.XYs, len(recs))
		for i, r := range recs {
			pts[i] = plotter.XY{X: r.T, Y: s.value(r)}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.label, err)
		}
		line.Color = s.color
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(s.label, line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// Plots builds the three panels for recs.
func Plots(recs []estimation.Record) ([]*plot.Plot, error) {
	if len(recs) == 0 {
		return nil, ErrNoRecords
	}
	velocity, err := newPlot("Velocity estimate", "m/s", recs,
		series{"vhat_x", colorX, func(r estimation.Record) float64 { return r.VX }},
		series{"vhat_y", colorY, func(r estimation.Record) float64 { return r.VY }},
	)
	if err != nil {
		return nil, err
	}
	yaw, err := newPlot("Yaw rate", "rad/s", recs,
		series{"w_z (IMU)", colorMeasured, func(r estimation.Record) float64 { return r.WZ }},
		series{"what_z (EKF)", colorX, func(r estimation.Record) float64 { return r.YawRate }},
	)
	if err != nil {
		return nil, err
	}
	steer, err := newPlot("Steering angle", "rad", recs,
		series{"d_f", colorY, func(r estimation.Record) float64 { return r.SteeringAngle }},
	)
	if err != nil {
		return nil, err
	}
	return []*plot.Plot{velocity, yaw, steer}, nil
}

// WritePNG renders the panels of recs stacked vertically.
func WritePNG(w io.Writer, recs []estimation.Record, width, height vg.Length) error {
	plots, err := Plots(recs)
	if err != nil {
		return err
	}
	grid := make([][]*plot.Plot, len(plots))
	for i, p := range plots {
		grid[i] = []*plot.Plot{p}
	}

	img := vgimg.New(width, height)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: len(plots), Cols: 1, PadY: vg.Millimeter * 2}
	canvases := plot.Align(grid, tiles, dc)
	for i := range grid {
		grid[i][0].Draw(canvases[i][0])
	}

	png := vgimg.PngCanvas{Canvas: img}
	if _, err := png.WriteTo(w); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}
	return nil
}

// SavePNG writes the run plot to path, creating its directory.
func SavePNG(path string, recs []estimation.Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WritePNG(f, recs, 14*vg.Inch, 12*vg.Inch); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
