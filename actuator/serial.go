/*
NAME
  serial.go - serial DAC driver.

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

package actuator

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/ausocean/utils/logging"
	"github.com/jacobsa/go-serial/serial"
)

// SerialDAC drives a DAC over a serial line. The device speaks a plain
// line protocol: we send "SET <value>\r\n" and it answers "OK <applied>"
// with the value it actually produced, or "ERR <reason>".
type SerialDAC struct {
	mu   sync.Mutex
	port io.ReadWriteCloser
	rd   *bufio.Reader
	log  logging.Logger
}

// NewSerialDAC opens the serial device and returns a ready DAC.
func NewSerialDAC(device string, baud uint, l logging.Logger) (*SerialDAC, error) {
	options := serial.OpenOptions{
		PortName:        device,
		BaudRate:        baud,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
	}
	port, err := serial.Open(options)
	if err != nil {
		return nil, fmt.Errorf("could not open serial port %s: %w", device, err)
	}
	l.Debug("opened serial DAC", "device", device, "baud", baud)
	return &SerialDAC{port: port, rd: bufio.NewReader(port), log: l}, nil
}

// Set implements Actuator.
func (d *SerialDAC) Set(value float64) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := fmt.Fprintf(d.port, "SET %.6f\r\n", value)
	if err != nil {
		return 0, fmt.Errorf("could not write to serial DAC: %w", err)
	}
	line, err := d.rd.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("could not read serial DAC response: %w", err)
	}
	applied, err := parseSetResponse(line)
	if err != nil {
		return 0, err
	}
	d.log.Debug("serial DAC set", "requested", value, "applied", applied)
	return applied, nil
}

// Close releases the serial port.
func (d *SerialDAC) Close() error {
	return d.port.Close()
}

func parseSetResponse(line string) (float64, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	switch {
	case len(fields) == 2 && fields[0] == "OK":
		applied, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0, fmt.Errorf("bad applied value in DAC response %q: %w", line, err)
		}
		return applied, nil
	case len(fields) >= 1 && fields[0] == "ERR":
		return 0, fmt.Errorf("DAC error: %s", strings.TrimSpace(strings.TrimPrefix(line, "ERR")))
	default:
		return 0, fmt.Errorf("malformed DAC response %q", line)
	}
}
