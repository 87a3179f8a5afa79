/*
NAME
  autocal.go - periodic wavemeter calibration against a reference laser.

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

// Package autocal recalibrates the wavemeter at a fixed interval
// against a reference laser, as long as the reference channel actually
// reads the reference wavelength.
package autocal

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ausocean/utils/logging"

	"github.com/oqclab/wavelock/broadcast"
	"github.com/oqclab/wavelock/instrument"
	"github.com/oqclab/wavelock/wavemeter"
)

// StatusTopic is the broadcast topic for supervisor status snapshots.
const StatusTopic = "autocal"

// Values provides the latest published sample per channel. The
// wavemeter pipeline satisfies this.
type Values interface {
	Latest(channel string) wavemeter.Sample
}

// Status is a snapshot of the supervisor state.
type Status struct {
	// Countdown in seconds until the next calibration attempt.
	Countdown int `json:"autocal_countdown"`

	// CalibrationTimestamp is the unix time of the last successful
	// calibration, -1 before the first one.
	CalibrationTimestamp float64 `json:"calibration_timestamp"`
}

// Supervisor runs the calibration countdown loop. At most one loop is
// active at a time; Start waits for a stopping predecessor to finish.
type Supervisor struct {
	mu sync.Mutex
	st Status

	running atomic.Bool
	stop    atomic.Bool

	drv    instrument.Driver
	values Values
	hub    *broadcast.Hub[Status]
	log    logging.Logger

	tick time.Duration
}

// New returns an idle supervisor.
func New(drv instrument.Driver, values Values, hub *broadcast.Hub[Status], l logging.Logger) *Supervisor {
	return &Supervisor{
		drv:    drv,
		values: values,
		hub:    hub,
		log:    l,
		st:     Status{CalibrationTimestamp: -1},
		tick:   time.Second,
	}
}

// Status returns a snapshot of the supervisor state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// TimeSinceCalibration returns the seconds since the last successful
// calibration. Before the first one the reference point is unix time
// -1, so the result is the age of the epoch.
func (s *Supervisor) TimeSinceCalibration() float64 {
	s.mu.Lock()
	ts := s.st.CalibrationTimestamp
	s.mu.Unlock()
	return float64(time.Now().UnixNano())/1e9 - ts
}

// Calibrate pauses the measurement, runs the instrument's calibration
// primitive on the given channel against the reference wavelength in
// nm, and resumes the measurement. A successful run records the
// calibration timestamp.
func (s *Supervisor) Calibrate(channel int, wavelength float64) error {
	measured := s.values.Latest(wavemeter.ChannelName(channel)).Value
	s.log.Info("attempting calibration", "channel", channel, "measured", measured, "reference", wavelength)

	if err := s.drv.StopMeasurement(); err != nil {
		return fmt.Errorf("could not pause measurement for calibration: %w", err)
	}
	calErr := s.drv.Calibrate(channel, wavelength)
	if err := s.drv.StartMeasurement(); err != nil {
		s.log.Error("could not resume measurement after calibration", "error", err)
		if calErr == nil {
			return fmt.Errorf("could not resume measurement after calibration: %w", err)
		}
	}
	if calErr != nil {
		s.log.Warning("instrument rejected calibration attempt", "channel", channel, "error", calErr)
		return calErr
	}

	s.mu.Lock()
	s.st.CalibrationTimestamp = float64(time.Now().UnixNano()) / 1e9
	snap := s.st
	s.mu.Unlock()
	s.publish(snap)
	return nil
}

// Start launches the countdown loop: once the countdown reaches zero,
// the reference channel is compared to wavelength, and if it is within
// threshold nm a calibration runs and the countdown restarts at
// interval seconds; otherwise the attempt is suspended for
// retryInterval seconds. If a previous loop is still stopping, Start
// blocks until its running flag clears.
func (s *Supervisor) Start(ctx context.Context, channel int, wavelength, threshold float64, interval, retryInterval int) error {
	s.stop.Store(true)
	for s.running.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.tick):
		}
	}
	s.stop.Store(false)

	s.mu.Lock()
	s.st.Countdown = 0
	snap := s.st
	s.mu.Unlock()
	s.publish(snap)

	s.log.Info("starting autocalibration", "channel", channel, "reference", wavelength,
		"threshold", threshold, "interval", interval, "retryInterval", retryInterval)
	go s.loop(ctx, channel, wavelength, threshold, interval, retryInterval)
	return nil
}

// Stop signals the loop to exit. The loop observes the flag once per
// tick, so it may run for up to one more tick.
func (s *Supervisor) Stop() {
	s.stop.Store(true)
	s.log.Info("stopping autocalibration")
}

func (s *Supervisor) loop(ctx context.Context, channel int, wavelength, threshold float64, interval, retryInterval int) {
	s.running.Store(true)
	defer s.running.Store(false)

	for !s.stop.Load() {
		s.mu.Lock()
		countdown := s.st.Countdown
		s.mu.Unlock()

		if countdown <= 0 {
			measured := s.values.Latest(wavemeter.ChannelName(channel)).Value
			if math.Abs(measured-wavelength) < threshold {
				// A rejected calibration still waits the full interval
				// to avoid frequent measurement interruptions.
				if err := s.Calibrate(channel, wavelength); err != nil {
					s.log.Warning("calibration failed", "channel", channel, "error", err)
				}
				s.setCountdown(interval)
			} else {
				s.log.Warning("suspending autocalibration, reference off target", "channel", channel,
					"measured", measured, "reference", wavelength, "retryInterval", retryInterval)
				s.setCountdown(retryInterval)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.tick):
		}

		s.mu.Lock()
		s.st.Countdown--
		snap := s.st
		s.mu.Unlock()
		s.publish(snap)
	}
}

func (s *Supervisor) setCountdown(v int) {
	s.mu.Lock()
	s.st.Countdown = v
	snap := s.st
	s.mu.Unlock()
	s.publish(snap)
}

func (s *Supervisor) publish(snap Status) {
	if s.hub != nil {
		s.hub.Publish(StatusTopic, snap)
	}
}
