/*
NAME
  i2c.go - I2C DAC driver for MCP4725-style converters.

AUTHORS
  Miriam Voss <miriam@oqclab.org>
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

package actuator

import (
	"fmt"
	"sync"

	"github.com/ausocean/utils/logging"
	"github.com/kidoman/embd"
)

const dacCodes = 1 << 12 // 12-bit converter

// I2CDAC drives an MCP4725-style 12-bit DAC on an I2C bus. Output units
// are volts across [0, FullScale]. The applied value is the requested
// voltage quantized to the converter's resolution.
type I2CDAC struct {
	mu        sync.Mutex
	bus       embd.I2CBus
	addr      byte
	fullScale float64
	log       logging.Logger
}

// NewI2CDAC opens I2C bus number busNo and returns a DAC at addr with
// the given full-scale voltage.
func NewI2CDAC(busNo byte, addr byte, fullScale float64, l logging.Logger) (*I2CDAC, error) {
	if fullScale <= 0 {
		return nil, fmt.Errorf("full-scale voltage must be positive, got %v", fullScale)
	}
	bus := embd.NewI2CBus(busNo)
	return &I2CDAC{bus: bus, addr: addr, fullScale: fullScale, log: l}, nil
}

// quantize maps a requested voltage to the nearest converter code and
// the voltage that code produces.
func quantize(value, fullScale float64) (code int, applied float64) {
	code = int(value/fullScale*(dacCodes-1) + 0.5)
	if code < 0 {
		code = 0
	}
	if code > dacCodes-1 {
		code = dacCodes - 1
	}
	return code, float64(code) / (dacCodes - 1) * fullScale
}

// Set implements Actuator.
func (d *I2CDAC) Set(value float64) (float64, error) {
	code, applied := quantize(value, d.fullScale)

	d.mu.Lock()
	defer d.mu.Unlock()
	// MCP4725 fast mode write: upper nibble zero, then the 12-bit code.
	err := d.bus.WriteBytes(d.addr, []byte{byte(code >> 8), byte(code & 0xff)})
	if err != nil {
		return 0, fmt.Errorf("could not write to I2C DAC at 0x%02x: %w", d.addr, err)
	}
	d.log.Debug("I2C DAC set", "requested", value, "applied", applied, "code", code)
	return applied, nil
}

// Close releases the I2C bus.
func (d *I2CDAC) Close() error {
	return d.bus.Close()
}
