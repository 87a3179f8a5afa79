/*
NAME
  sim.go - simulated wavemeter for bench-free development and testing.

AUTHORS
  Jonas Felder <jonas@oqclab.org>
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

package instrument

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/ausocean/utils/logging"

	"github.com/oqclab/wavelock/wavemeter"
)

const defaultSimPeriod = 100 * time.Millisecond

// ErrMeasurementRunning is returned by Calibrate while the measurement
// loop is active.
var ErrMeasurementRunning = errors.New("measurement is running")

// SimConfig describes the simulated laser on each channel.
type SimConfig struct {
	// Base maps multiplexer ports to base wavelengths in nm.
	Base map[int]float64

	// Period between readings on each channel. Defaults to 100 ms.
	Period time.Duration

	// Noise is the amplitude of uniform measurement noise in nm.
	Noise float64

	// Drift in nm per second, cancelled by a calibration.
	Drift float64

	// Coupling in nm per actuator output unit, applied to the value
	// read from the channel's output source.
	Coupling float64

	// Temperature and Pressure enable the auxiliary channels.
	Temperature bool
	Pressure    bool
}

// Sim is an in-process wavemeter. Readings are produced on a goroutine
// per the configured period, so callbacks arrive on a foreign thread
// exactly like with the hardware driver.
type Sim struct {
	mu       sync.Mutex
	cfg      SimConfig
	cb       Callback
	running  bool
	stop     chan struct{}
	outputs  map[int]func() float64
	errcodes map[int]float64
	epoch    time.Time
	log      logging.Logger
}

// NewSim returns a stopped simulator.
func NewSim(cfg SimConfig, l logging.Logger) *Sim {
	if cfg.Period <= 0 {
		cfg.Period = defaultSimPeriod
	}
	return &Sim{
		cfg:      cfg,
		outputs:  make(map[int]func() float64),
		errcodes: make(map[int]float64),
		epoch:    time.Now(),
		log:      l,
	}
}

// SetOutputSource couples channel to an actuator output read through f,
// closing the simulated physical loop.
func (s *Sim) SetOutputSource(channel int, f func() float64) {
	s.mu.Lock()
	s.outputs[channel] = f
	s.mu.Unlock()
}

// InjectError forces channel to report the given instrument error code.
// A code of zero restores normal readings.
func (s *Sim) InjectError(channel int, code float64) {
	s.mu.Lock()
	if code == 0 {
		delete(s.errcodes, channel)
	} else {
		s.errcodes[channel] = code
	}
	s.mu.Unlock()
}

// InstallCallback implements Driver.
func (s *Sim) InstallCallback(cb Callback) error {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
	return nil
}

// RemoveCallback implements Driver.
func (s *Sim) RemoveCallback() error {
	s.mu.Lock()
	s.cb = nil
	s.mu.Unlock()
	return nil
}

// StartMeasurement implements Driver. Starting twice is harmless.
func (s *Sim) StartMeasurement() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stop = make(chan struct{})
	go s.run(s.stop)
	return nil
}

// StopMeasurement implements Driver.
func (s *Sim) StopMeasurement() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	close(s.stop)
	return nil
}

// Calibrate implements Driver. It zeroes the accumulated drift, which is
// what a real calibration achieves against a reference laser.
func (s *Sim) Calibrate(channel int, wavelength float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrMeasurementRunning
	}
	if _, ok := s.cfg.Base[channel]; !ok {
		return errors.New("no such channel")
	}
	s.epoch = time.Now()
	s.log.Info("simulated calibration", "channel", channel, "reference", wavelength)
	return nil
}

func (s *Sim) run(stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Sim) tick() {
	s.mu.Lock()
	cb := s.cb
	if cb == nil {
		s.mu.Unlock()
		return
	}
	drift := s.cfg.Drift * time.Since(s.epoch).Seconds()
	type reading struct {
		channel string
		value   float64
	}
	var out []reading
	for ch, base := range s.cfg.Base {
		if code, ok := s.errcodes[ch]; ok {
			out = append(out, reading{wavemeter.ChannelName(ch), code})
			continue
		}
		v := base + drift + s.cfg.Noise*(2*rand.Float64()-1)
		if f := s.outputs[ch]; f != nil {
			v += s.cfg.Coupling * f()
		}
		out = append(out, reading{wavemeter.ChannelName(ch), v})
	}
	if s.cfg.Temperature {
		out = append(out, reading{wavemeter.TemperatureChannel, 21.3 + 0.1*(2*rand.Float64()-1)})
	}
	if s.cfg.Pressure {
		out = append(out, reading{wavemeter.PressureChannel, 1013.2 + 0.5*(2*rand.Float64()-1)})
	}
	s.mu.Unlock()

	ts := time.Now().UnixMilli()
	for _, r := range out {
		cb(r.channel, ts, r.value)
	}
}
