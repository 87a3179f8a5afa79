/*
NAME
  scan.go - setpoint scan waveforms around the lock point.

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
	"errors"
	"math"
	"time"
)

// Scan waveforms. Shapes are described in frequency space; note that a
// higher frequency offset means a shorter wavelength.
const (
	// WaveformHome ramps from the current setpoint back to the lock
	// point, then stops.
	WaveformHome = iota

	// WaveformToLower and WaveformToUpper ramp to one bound, then stop.
	WaveformToLower
	WaveformToUpper

	// WaveformTriangleUp and WaveformTriangleDown bounce between the
	// bounds until stopped, starting upward/downward in frequency.
	WaveformTriangleUp
	WaveformTriangleDown

	// Sawtooths run between the bounds until stopped. The first pair
	// sweeps upward in frequency, the second downward; JumpStart
	// variants begin with a jump to the far bound, RampStart variants
	// with a ramp to the near one.
	WaveformSawUpJumpStart
	WaveformSawUpRampStart
	WaveformSawDownJumpStart
	WaveformSawDownRampStart

	numWaveforms
)

// Scan precondition failures.
var (
	ErrNotLocked       = errors.New("scanning only works in lock")
	ErrScanning        = errors.New("already scanning")
	ErrBadTimestep     = errors.New("timestep must be positive")
	ErrBadBounds       = errors.New("upper frequency must not be below lower frequency")
	ErrUnknownWaveform = errors.New("unknown waveform")
)

// StartScan sweeps the setpoint around the lock point. Frequency bounds
// are offsets in MHz relative to the lock point, rate is in MHz/s, and
// the setpoint advances once per timestep. Each step feeds the setpoint
// delta forward to the output, so measure the output sensitivity first
// to avoid overshoot on the sawtooth jumps. The sweep runs until its
// waveform completes or StopScan is called.
func (c *Controller) StartScan(waveform int, rate, lowerFreq, upperFreq float64, timestep time.Duration) error {
	if waveform < 0 || waveform >= numWaveforms {
		return ErrUnknownWaveform
	}
	if timestep <= 0 {
		return ErrBadTimestep
	}
	if lowerFreq > upperFreq {
		return ErrBadBounds
	}

	c.mu.Lock()
	if !c.st.Locked {
		c.mu.Unlock()
		return ErrNotLocked
	}
	if c.st.Scanning {
		c.mu.Unlock()
		return ErrScanning
	}

	c.st.Scanning = true
	c.scanGen++
	gen := c.scanGen
	c.log.Info("starting scan", "channel", c.cfg.Channel, "waveform", waveform, "rate", rate,
		"lowerFreq", lowerFreq, "upperFreq", upperFreq, "timestep", timestep)

	// A positive frequency offset shortens the wavelength, so the
	// lower frequency bound is the longer wavelength of the two.
	base := c.st.SetpointNoScan
	lowerWL := SpeedOfLight / (SpeedOfLight/base + lowerFreq)
	upperWL := SpeedOfLight / (SpeedOfLight/base + upperFreq)
	step := base * base / SpeedOfLight * rate * timestep.Seconds()

	direction := 0.0
	var out float64
	var ff bool
	switch waveform {
	case WaveformTriangleUp, WaveformSawUpRampStart:
		direction = -1
	case WaveformTriangleDown, WaveformSawDownRampStart:
		direction = 1
	case WaveformSawUpJumpStart:
		c.st.Setpoint = lowerWL
		out, ff = c.feedForwardLocked(lowerWL - base)
		direction = -1
	case WaveformSawDownJumpStart:
		c.st.Setpoint = upperWL
		out, ff = c.feedForwardLocked(upperWL - base)
		direction = 1
	}
	c.publishLocked()
	c.mu.Unlock()

	if ff {
		c.applyFeedForward(out)
	}
	go c.scan(gen, waveform, direction, lowerWL, upperWL, step, timestep)
	return nil
}

// StopScan freezes the setpoint at its current value. Use Relock to
// return to the lock point. Stopping an idle channel is a no-op.
func (c *Controller) StopScan() {
	c.mu.Lock()
	c.st.Scanning = false
	c.publishLocked()
	c.mu.Unlock()
	c.log.Info("stopping scan", "channel", c.cfg.Channel)
}

func (c *Controller) scan(gen uint64, waveform int, direction, lowerWL, upperWL, step float64, timestep time.Duration) {
	for {
		c.mu.Lock()
		if !c.st.Scanning || c.scanGen != gen {
			c.mu.Unlock()
			return
		}
		prev := c.st.Setpoint
		direction = c.scanStepLocked(waveform, direction, lowerWL, upperWL, step)
		out, ff := c.feedForwardLocked(c.st.Setpoint - prev)
		c.publishLocked()
		c.mu.Unlock()
		if ff {
			c.applyFeedForward(out)
		}
		time.Sleep(timestep)
	}
}

// scanStepLocked advances the setpoint by one waveform step and returns
// the direction for the next step. Callers hold mu.
func (c *Controller) scanStepLocked(waveform int, direction, lowerWL, upperWL, step float64) float64 {
	sp := c.st.Setpoint

	switch waveform {
	case WaveformHome, WaveformToLower, WaveformToUpper:
		target := c.st.SetpointNoScan
		switch waveform {
		case WaveformToLower:
			target = lowerWL
		case WaveformToUpper:
			target = upperWL
		}
		if math.Abs(sp-target) > step {
			if sp < target {
				c.st.Setpoint = sp + step
			} else {
				c.st.Setpoint = sp - step
			}
		} else {
			c.st.Setpoint = target
			c.st.Scanning = false
		}

	case WaveformTriangleUp, WaveformTriangleDown:
		// Reverse at the bounds.
		if direction == 1 && sp >= lowerWL {
			direction = -1
		}
		if direction == -1 && sp <= upperWL {
			direction = 1
		}
		if direction == -1 {
			if math.Abs(sp-upperWL) > step {
				c.st.Setpoint = sp + direction*step
			} else {
				c.st.Setpoint = upperWL
				direction = 1
			}
		}
		if direction == 1 {
			sp = c.st.Setpoint
			if math.Abs(sp-lowerWL) > step {
				c.st.Setpoint = sp + direction*step
			} else {
				c.st.Setpoint = lowerWL
				direction = -1
			}
		}

	case WaveformSawUpJumpStart, WaveformSawUpRampStart:
		// Sweep toward the upper frequency bound, then jump back.
		if sp <= upperWL {
			c.st.Setpoint = lowerWL
		} else if math.Abs(sp-upperWL) > step {
			c.st.Setpoint = sp - step
		} else {
			c.st.Setpoint = upperWL
		}

	case WaveformSawDownJumpStart, WaveformSawDownRampStart:
		// Sweep toward the lower frequency bound, then jump back.
		if sp >= lowerWL {
			c.st.Setpoint = upperWL
		} else if math.Abs(sp-lowerWL) > step {
			c.st.Setpoint = sp + step
		} else {
			c.st.Setpoint = lowerWL
		}
	}
	return direction
}
