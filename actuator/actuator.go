/*
NAME
  actuator.go - analog output interface for laser tuning elements.

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

// Package actuator drives the analog outputs that tune a laser, such as
// a piezo voltage or a diode current, through DACs on serial or I2C.
package actuator

// Actuator is a single bounded analog output. Set requests a value in
// output units and returns the value the hardware actually applied,
// which may differ through quantization or device-side limits. Callers
// must persist the applied value, not the requested one.
type Actuator interface {
	Set(value float64) (applied float64, err error)
}

// Passthrough is an Actuator without hardware behind it. It applies any
// requested value exactly. Useful for channels whose output is consumed
// elsewhere, and in tests.
type Passthrough struct{}

// Set implements Actuator.
func (Passthrough) Set(value float64) (float64, error) { return value, nil }
