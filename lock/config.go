/*
NAME
  config.go - per-channel lock configuration.

AUTHORS
  Miriam Voss <miriam@oqclab.org>

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

import "errors"

// Default lock parameters.
const (
	defaultOutputMin         = -10.0
	defaultOutputMax         = 10.0
	defaultWarningMargin     = 0.05
	defaultIntegratorTimeout = 10000 // ms
)

// Config holds the static parameters of one channel's lock.
type Config struct {
	// Channel is the wavemeter channel this lock follows, e.g. "ch1".
	Channel string

	// OutputMin and OutputMax bound the actuator output. If both are
	// zero they default to -10 and 10.
	OutputMin float64
	OutputMax float64

	// WarningMargin is the fraction of the output range near either
	// bound inside which the rail warning raises. Defaults to 0.05.
	WarningMargin float64

	// IntegratorTimeout stops integrator updates when the sample gap
	// exceeds this many ms. Defaults to 10000.
	IntegratorTimeout int64

	// IntegratorCutoff stops integrator updates while the midpoint
	// error is within this many nm of the setpoint.
	IntegratorCutoff float64

	// Initial lock parameters.
	Setpoint float64
	CP       float64
	CI       float64

	// OutputSensitivity in nm per output unit, used to feed forward
	// on setpoint changes. Zero disables feed-forward.
	OutputSensitivity float64

	// OutputOffset is added to every computed output.
	OutputOffset float64

	// StartupLocked engages the lock immediately on construction.
	StartupLocked bool

	// Aux output bounds. If both are zero they default to -10 and 10.
	AuxOutputMin float64
	AuxOutputMax float64

	// Display strings for remote clients.
	OutputUnit    string
	AuxOutputUnit string
	AuxOutputName string

	// PlotDir, when non-empty, receives a plot of the samples taken
	// by each output sensitivity measurement.
	PlotDir string
}

// normalize applies defaults and validates the configuration.
func (c *Config) normalize() error {
	if c.Channel == "" {
		return errors.New("lock config needs a channel")
	}
	if c.OutputMin == 0 && c.OutputMax == 0 {
		c.OutputMin, c.OutputMax = defaultOutputMin, defaultOutputMax
	}
	if c.OutputMin >= c.OutputMax {
		return errors.New("output_min must be below output_max")
	}
	if c.AuxOutputMin == 0 && c.AuxOutputMax == 0 {
		c.AuxOutputMin, c.AuxOutputMax = defaultOutputMin, defaultOutputMax
	}
	if c.AuxOutputMin >= c.AuxOutputMax {
		return errors.New("aux_output_min must be below aux_output_max")
	}
	if c.WarningMargin <= 0 {
		c.WarningMargin = defaultWarningMargin
	}
	if c.IntegratorTimeout <= 0 {
		c.IntegratorTimeout = defaultIntegratorTimeout
	}
	return nil
}
