/*
NAME
  wavemeter.go - sample types, channel naming and instrument error codes.

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

// Package wavemeter ingests raw wavemeter readings, filters them and
// publishes validated samples per channel.
package wavemeter

import (
	"fmt"
	"strings"
)

// Wavelength channels are named ch1, ch2, ... after the multiplexer port.
// Auxiliary quantities use single-letter names.
const (
	TemperatureChannel = "T" // wavemeter enclosure temperature, degrees C
	PressureChannel    = "p" // enclosure air pressure, hPa
)

// Instrument error codes. A non-positive sample value is not a wavelength
// but one of these conditions reported by the meter. Other non-positive
// values are opaque instrument errors and are passed through unchanged.
const (
	ErrCodeNoValue      = -1 // no measurement available yet
	ErrCodeBadSignal    = -2
	ErrCodeUnderexposed = -3
	ErrCodeOverexposed  = -4
)

// ChannelName returns the channel name for multiplexer port n.
func ChannelName(n int) string {
	return fmt.Sprintf("ch%d", n)
}

// IsWavelength reports whether channel carries wavelength readings, as
// opposed to an auxiliary quantity such as temperature or pressure.
func IsWavelength(channel string) bool {
	return strings.HasPrefix(channel, "ch")
}

// ErrCodeText describes an instrument error code for logging.
func ErrCodeText(code float64) string {
	switch code {
	case ErrCodeNoValue:
		return "no value"
	case ErrCodeBadSignal:
		return "bad signal"
	case ErrCodeUnderexposed:
		return "underexposed"
	case ErrCodeOverexposed:
		return "overexposed"
	default:
		return fmt.Sprintf("error code %v", code)
	}
}

// Sample is one validated reading on a channel. Value is a wavelength in
// nm for chN channels, otherwise the auxiliary quantity in its own unit.
// A non-positive Value is an instrument error code.
type Sample struct {
	Channel   string  `json:"channel"`
	Timestamp int64   `json:"timestamp"` // instrument time, ms
	Value     float64 `json:"value"`
}
