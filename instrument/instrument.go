/*
NAME
  instrument.go - wavemeter driver interface.

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

// Package instrument abstracts the wavemeter hardware driver and provides
// a simulator for development and testing without the instrument.
package instrument

// Callback receives one raw reading from the driver. It is invoked from
// the driver's own thread and must not block.
type Callback func(channel string, timestamp int64, value float64)

// Driver is the control surface of a wavemeter.
type Driver interface {
	// InstallCallback registers cb to receive raw readings.
	InstallCallback(cb Callback) error

	// RemoveCallback deregisters the current callback.
	RemoveCallback() error

	// StartMeasurement starts the measurement loop.
	StartMeasurement() error

	// StopMeasurement halts the measurement loop.
	StopMeasurement() error

	// Calibrate recalibrates the meter against the given reference
	// wavelength in nm on the given multiplexer port. The measurement
	// must be stopped first.
	Calibrate(channel int, wavelength float64) error
}
