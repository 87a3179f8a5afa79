/*
NAME
  plot.go - diagnostic plot of output sensitivity measurements.

AUTHORS
  Jonas Felder <jonas@oqclab.org>

LICENSE
  wavelock is Copyright (C) 2024-2026 the Optical Qubit Control Lab (OQCLab).

  It is free software: you can redistribute it and/or modify them
  under the terms of the GNU General Public License as published by the
  Free Software Foundation, either version 3 of the License, or (at your
  option) any later version.

  It is distributed in the hope that it will be useful, but WITHOUT
  ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
  FITNESS FOR A PARTICULAR PURPOSE. See the GNU General Public License
  for more details.

  You should have received a copy of the GNU General Public License
  in gpl.txt.  If not, see [GNU licenses](http://www.gnu.org/licenses).
*/

package lock

import (
	"fmt"
	"path/filepath"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// writeSensitivityPlot saves the samples observed at both output values
// of a sensitivity measurement, one line per output level, so a noisy
// or drifting measurement can be spotted after the fact.
func writeSensitivityPlot(dir, channel string, lower, upper float64, lowerSamples, upperSamples []float64) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s output sensitivity", channel)
	p.X.Label.Text = "sample"
	p.Y.Label.Text = "wavelength (nm)"

	lowerLine, err := plotter.NewLine(plotterXY(lowerSamples))
	if err != nil {
		return fmt.Errorf("could not draw lower samples: %w", err)
	}
	upperLine, err := plotter.NewLine(plotterXY(upperSamples))
	if err != nil {
		return fmt.Errorf("could not draw upper samples: %w", err)
	}
	upperLine.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}

	p.Add(lowerLine, upperLine)
	p.Legend.Add(fmt.Sprintf("output %v", lower), lowerLine)
	p.Legend.Add(fmt.Sprintf("output %v", upper), upperLine)

	name := fmt.Sprintf("%s-sensitivity-%s.png", channel, time.Now().Format("20060102-150405"))
	if err := p.Save(15*vg.Centimeter, 15*vg.Centimeter, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("could not save plot: %w", err)
	}
	return nil
}

// plotterXY maps a sample series to plot points by index.
func plotterXY(samples []float64) plotter.XYs {
	xy := make(plotter.XYs, len(samples))
	for i, s := range samples {
		xy[i].X = float64(i)
		xy[i].Y = s
	}
	return xy
}
