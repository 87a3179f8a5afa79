/*
NAME
  lock.go - PI wavelength lock for one laser channel.

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

// Package lock holds a laser's wavelength on a setpoint by feeding the
// wavemeter reading back onto an actuator, and can scan the setpoint
// around its lock point.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ausocean/utils/logging"
	"gonum.org/v1/gonum/stat"

	"github.com/oqclab/wavelock/actuator"
	"github.com/oqclab/wavelock/broadcast"
	"github.com/oqclab/wavelock/wavemeter"
)

// SpeedOfLight in nm·MHz, used to convert between frequency offsets and
// wavelength deltas via λ²/c.
const SpeedOfLight = 299792458e3

var (
	// ErrLocked is returned by operations that require the lock to be
	// disengaged.
	ErrLocked = errors.New("channel is locked")

	// ErrMeasurementRunning is returned when a sensitivity measurement
	// is already in flight.
	ErrMeasurementRunning = errors.New("sensitivity measurement already running")
)

// Status is a snapshot of one channel's lock state. It is broadcast to
// subscribers after every mutation; all fields are read-only copies.
type Status struct {
	Channel           string  `json:"channel"`
	LatestValue       float64 `json:"latest_value"`
	LatestTimestamp   int64   `json:"latest_timestamp"`
	Locked            bool    `json:"locked"`
	Setpoint          float64 `json:"setpoint"`
	SetpointNoScan    float64 `json:"setpoint_noscan"`
	CP                float64 `json:"cp"`
	CI                float64 `json:"ci"`
	Integrator        float64 `json:"integrator"`
	Output            float64 `json:"output"`
	OutputOffset      float64 `json:"output_offset"`
	OutputRailWarning bool    `json:"output_rail_warning"`
	AuxOutput         float64 `json:"aux_output"`
	Scanning          bool    `json:"scanning"`
	OutputSensitivity float64 `json:"output_sensitivity"`
}

// Controller implements the lock for one channel. All state is guarded
// by mu; OnSample never waits for a running output update thanks to the
// updating flag, it drops the sample instead.
type Controller struct {
	mu  sync.Mutex
	cfg Config
	st  Status

	act actuator.Actuator
	aux actuator.Actuator

	samples *broadcast.Hub[wavemeter.Sample]
	status  *broadcast.Hub[Status]
	log     logging.Logger

	// Rail warning thresholds derived from the warning margin.
	outputLowAlert  float64
	outputHighAlert float64

	prevValue     float64
	prevTimestamp int64

	updating  atomic.Bool
	measuring atomic.Bool

	accumulating bool
	accum        []float64

	// scanGen identifies the current scan. A scan goroutine exits as
	// soon as the controller's generation moves past its own, so a
	// stop/start pair within one timestep can never leave two scans
	// stepping the setpoint.
	scanGen uint64

	railAlert func(Status)
}

// New returns a controller for cfg.Channel driving act. aux may be nil
// when the channel has no auxiliary output. Validated samples are
// consumed from the samples hub and status snapshots are published to
// the status hub, both under the channel name as topic.
func New(cfg Config, act, aux actuator.Actuator, samples *broadcast.Hub[wavemeter.Sample], status *broadcast.Hub[Status], l logging.Logger) (*Controller, error) {
	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("bad lock config for channel %s: %w", cfg.Channel, err)
	}
	if act == nil {
		return nil, errors.New("lock controller needs an actuator")
	}
	if aux == nil {
		aux = actuator.Passthrough{}
	}
	span := cfg.OutputMax - cfg.OutputMin
	c := &Controller{
		cfg:     cfg,
		act:     act,
		aux:     aux,
		samples: samples,
		status:  status,
		log:     l,
		st: Status{
			Channel:           cfg.Channel,
			LatestTimestamp:   -1,
			Setpoint:          cfg.Setpoint,
			SetpointNoScan:    cfg.Setpoint,
			CP:                cfg.CP,
			CI:                cfg.CI,
			OutputOffset:      cfg.OutputOffset,
			OutputSensitivity: cfg.OutputSensitivity,
		},
		outputLowAlert:  cfg.OutputMin + cfg.WarningMargin*span,
		outputHighAlert: cfg.OutputMax - cfg.WarningMargin*span,
		// The timeout guard must hold for the very first sample.
		prevTimestamp: -cfg.IntegratorTimeout,
	}
	if cfg.OutputOffset < cfg.OutputMin || cfg.OutputOffset > cfg.OutputMax {
		l.Warning("output offset lies outside the output range", "channel", cfg.Channel,
			"offset", cfg.OutputOffset, "min", cfg.OutputMin, "max", cfg.OutputMax)
	}
	if cfg.StartupLocked {
		c.Relock()
	}
	return c, nil
}

// Channel returns the wavemeter channel this controller follows.
func (c *Controller) Channel() string { return c.cfg.Channel }

// OutputUnit returns the display unit of the main output.
func (c *Controller) OutputUnit() string { return c.cfg.OutputUnit }

// AuxOutputUnit returns the display unit of the auxiliary output.
func (c *Controller) AuxOutputUnit() string { return c.cfg.AuxOutputUnit }

// AuxOutputName returns the display name of the auxiliary output.
func (c *Controller) AuxOutputName() string { return c.cfg.AuxOutputName }

// SetRailAlert installs f to be called, on its own goroutine, whenever
// an applied output lands in the rail warning margin.
func (c *Controller) SetRailAlert(f func(Status)) {
	c.mu.Lock()
	c.railAlert = f
	c.mu.Unlock()
}

// Status returns a snapshot of the channel state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

// publishLocked broadcasts the current state. Callers hold mu.
func (c *Controller) publishLocked() {
	if c.status != nil {
		c.status.Publish(c.cfg.Channel, c.st)
	}
}

// Run consumes published samples for this channel until ctx is
// cancelled.
func (c *Controller) Run(ctx context.Context) {
	sub := c.samples.Subscribe(c.cfg.Channel)
	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	for {
		s, ok := sub.Next()
		if !ok {
			return
		}
		c.OnSample(s)
	}
}

// OnSample feeds one validated sample to the controller. Error codes
// update the latest reading but never drive the output. If a feedback
// update is still in flight the sample is dropped rather than queued.
func (c *Controller) OnSample(s wavemeter.Sample) {
	c.mu.Lock()
	c.st.LatestValue = s.Value
	c.st.LatestTimestamp = s.Timestamp
	if c.accumulating && s.Value > 0 {
		c.accum = append(c.accum, s.Value)
	}
	locked := c.st.Locked
	c.publishLocked()
	c.mu.Unlock()

	if !locked || s.Value <= 0 {
		return
	}
	if !c.updating.CompareAndSwap(false, true) {
		c.log.Debug("feedback update in flight, sample dropped", "channel", c.cfg.Channel, "value", s.Value)
		return
	}
	go func() {
		defer c.updating.Store(false)
		c.update(s.Value, s.Timestamp)
	}()
}

// update advances the integrator and applies the new output. It is the
// only caller that runs under the updating flag.
func (c *Controller) update(value float64, timestamp int64) {
	c.mu.Lock()
	dt := timestamp - c.prevTimestamp
	mid := 0.5 * (value + c.prevValue)
	if dt <= c.cfg.IntegratorTimeout && math.Abs(mid-c.st.Setpoint) > c.cfg.IntegratorCutoff {
		c.st.Integrator += c.st.CI * float64(dt) * (mid - c.st.Setpoint)
	}
	raw := c.st.OutputOffset + c.st.CP*(value-c.st.Setpoint) + c.st.Integrator
	c.prevValue = value
	c.prevTimestamp = timestamp
	c.mu.Unlock()

	if _, err := c.SetOutput(raw); err != nil {
		c.log.Error("could not apply feedback output", "channel", c.cfg.Channel, "error", err)
	}
}

// SetOutput clamps v to the output bounds, applies it and returns the
// actuator's actually applied value. The actuator is driven without
// holding mu, so sample ingestion is never stalled by slow hardware.
func (c *Controller) SetOutput(v float64) (float64, error) {
	if v > c.cfg.OutputMax {
		v = c.cfg.OutputMax
	}
	if v < c.cfg.OutputMin {
		v = c.cfg.OutputMin
	}
	applied, err := c.act.Set(v)
	if err != nil {
		return 0, fmt.Errorf("could not set %s output: %w", c.cfg.Channel, err)
	}

	c.mu.Lock()
	c.st.Output = applied
	if applied < c.outputLowAlert || applied > c.outputHighAlert {
		if f := c.railAlert; f != nil {
			snap := c.st
			snap.OutputRailWarning = true
			go f(snap)
		}
		if !c.st.OutputRailWarning {
			c.log.Warning("output rail warning", "channel", c.cfg.Channel, "output", applied, "unit", c.cfg.OutputUnit)
			c.st.OutputRailWarning = true
		}
	} else if c.st.OutputRailWarning {
		c.st.OutputRailWarning = false
	}
	c.publishLocked()
	c.mu.Unlock()
	return applied, nil
}

// SetAuxOutput clamps v to the auxiliary bounds, applies it and returns
// the actually applied value.
func (c *Controller) SetAuxOutput(v float64) (float64, error) {
	if v > c.cfg.AuxOutputMax {
		v = c.cfg.AuxOutputMax
	}
	if v < c.cfg.AuxOutputMin {
		v = c.cfg.AuxOutputMin
	}
	applied, err := c.aux.Set(v)
	if err != nil {
		return 0, fmt.Errorf("could not set %s aux output: %w", c.cfg.Channel, err)
	}
	c.mu.Lock()
	c.st.AuxOutput = applied
	c.publishLocked()
	c.mu.Unlock()
	return applied, nil
}

// SetOutputOffset changes the offset added to every computed output,
// effective from the next feedback update.
func (c *Controller) SetOutputOffset(offset float64) {
	c.mu.Lock()
	c.st.OutputOffset = offset
	c.publishLocked()
	c.mu.Unlock()
}

// ResetIntegrator zeroes the integrator.
func (c *Controller) ResetIntegrator() {
	c.mu.Lock()
	c.st.Integrator = 0
	c.publishLocked()
	c.mu.Unlock()
}

// Lock engages the lock, or updates its parameters when already
// engaged. The output is offset + cp·(λ − setpoint) plus the integral
// of ci·(λ − setpoint), so cp and ci are negative for negative
// feedback unless the actuator inverts.
func (c *Controller) Lock(setpoint, cp, ci float64) {
	c.mu.Lock()
	prev := c.st.Setpoint
	c.st.Scanning = false
	c.st.Setpoint = setpoint
	c.st.SetpointNoScan = setpoint
	c.st.CP = cp
	c.st.CI = ci
	var out float64
	var ff bool
	if c.st.Locked {
		out, ff = c.feedForwardLocked(setpoint - prev)
	}
	c.st.Locked = true
	c.publishLocked()
	c.mu.Unlock()
	if ff {
		c.applyFeedForward(out)
	}
}

// Relock re-engages the lock with the current parameters, returning the
// setpoint to its pre-scan value. Aborts any scan.
func (c *Controller) Relock() {
	c.mu.Lock()
	setpoint, cp, ci := c.st.SetpointNoScan, c.st.CP, c.st.CI
	c.mu.Unlock()
	c.Lock(setpoint, cp, ci)
}

// Unlock stops the feedback. Unlocking an unlocked channel is a no-op.
func (c *Controller) Unlock() {
	c.mu.Lock()
	c.st.Locked = false
	c.st.Scanning = false
	c.publishLocked()
	c.mu.Unlock()
}

// ChangeSetpoint moves the lock setpoint, feeding the delta forward to
// the output when locked. During a scan only the scan's return point
// moves.
func (c *Controller) ChangeSetpoint(setpoint float64) {
	c.mu.Lock()
	prev := c.st.SetpointNoScan
	c.log.Info("changing lock setpoint", "channel", c.cfg.Channel, "setpoint", setpoint)
	c.st.SetpointNoScan = setpoint
	if !c.st.Scanning {
		c.st.Setpoint = setpoint
	}
	var out float64
	var ff bool
	if c.st.Locked {
		out, ff = c.feedForwardLocked(setpoint - prev)
	}
	c.publishLocked()
	c.mu.Unlock()
	if ff {
		c.applyFeedForward(out)
	}
}

// SetpointStepMHz moves the setpoint by a frequency offset in MHz,
// converted to a wavelength delta at the current setpoint.
func (c *Controller) SetpointStepMHz(step float64) {
	c.mu.Lock()
	sp := c.st.Setpoint
	c.mu.Unlock()
	c.ChangeSetpoint(sp - sp*sp/SpeedOfLight*step)
}

// feedForwardLocked adjusts the integrator for a setpoint jump when the
// output sensitivity is known. It returns the new integrator value and
// whether the caller must apply it via applyFeedForward after releasing
// mu. Callers hold mu.
func (c *Controller) feedForwardLocked(step float64) (float64, bool) {
	if c.st.OutputSensitivity == 0 {
		return 0, false
	}
	c.log.Debug("feeding setpoint step forward", "channel", c.cfg.Channel, "step", step,
		"output", step/c.st.OutputSensitivity, "unit", c.cfg.OutputUnit)
	c.st.Integrator += step / c.st.OutputSensitivity
	return c.st.Integrator, true
}

// applyFeedForward drives the actuator to a fed-forward integrator
// value. Failures are logged, not returned, since feed-forward rides on
// operations that have already succeeded.
func (c *Controller) applyFeedForward(out float64) {
	if _, err := c.SetOutput(out); err != nil {
		c.log.Error("could not apply feed-forward output", "channel", c.cfg.Channel, "error", err)
	}
}

// MeasureSensitivity determines the slope between output value and
// wavelength by observing the wavelength at two output values, then
// restores the previous output. The result drives setpoint
// feed-forward. Valid only while unlocked; one run at a time.
func (c *Controller) MeasureSensitivity(lower, upper float64, avgTime, settleTime time.Duration) error {
	c.mu.Lock()
	locked := c.st.Locked
	c.mu.Unlock()
	if locked {
		return ErrLocked
	}
	if !c.measuring.CompareAndSwap(false, true) {
		return ErrMeasurementRunning
	}
	go c.measureSensitivity(lower, upper, avgTime, settleTime)
	return nil
}

func (c *Controller) measureSensitivity(lower, upper float64, avgTime, settleTime time.Duration) {
	defer c.measuring.Store(false)

	c.mu.Lock()
	prev := c.st.Output
	lower = math.Min(math.Max(lower, c.cfg.OutputMin), c.cfg.OutputMax)
	upper = math.Min(math.Max(upper, c.cfg.OutputMin), c.cfg.OutputMax)
	c.mu.Unlock()

	c.log.Info("measuring output sensitivity", "channel", c.cfg.Channel, "lower", lower, "upper", upper,
		"unit", c.cfg.OutputUnit)

	if lower == upper {
		c.log.Error("cannot measure sensitivity over an empty output span", "channel", c.cfg.Channel)
		return
	}

	restore := func() {
		if _, err := c.SetOutput(prev); err != nil {
			c.log.Error("could not restore output after sensitivity measurement", "channel", c.cfg.Channel, "error", err)
		}
	}

	lowerAvg, lowerSamples, err := c.averageAt(lower, avgTime, settleTime)
	if err != nil {
		c.log.Error("sensitivity measurement aborted", "channel", c.cfg.Channel, "error", err)
		restore()
		return
	}
	upperAvg, upperSamples, err := c.averageAt(upper, avgTime, settleTime)
	if err != nil {
		c.log.Error("sensitivity measurement aborted", "channel", c.cfg.Channel, "error", err)
		restore()
		return
	}
	restore()

	sens := (upperAvg - lowerAvg) / (upper - lower)
	c.mu.Lock()
	c.st.OutputSensitivity = sens
	c.publishLocked()
	c.mu.Unlock()
	c.log.Info("determined output sensitivity", "channel", c.cfg.Channel, "sensitivity", sens,
		"unit", c.cfg.OutputUnit)

	if c.cfg.PlotDir != "" {
		err := writeSensitivityPlot(c.cfg.PlotDir, c.cfg.Channel, lower, upper, lowerSamples, upperSamples)
		if err != nil {
			c.log.Warning("could not write sensitivity plot", "channel", c.cfg.Channel, "error", err)
		}
	}
}

// averageAt drives the output to v, waits for the laser to settle, then
// averages the incoming wavelengths for avgTime.
func (c *Controller) averageAt(v float64, avgTime, settleTime time.Duration) (float64, []float64, error) {
	if _, err := c.SetOutput(v); err != nil {
		return 0, nil, err
	}
	time.Sleep(settleTime)

	c.mu.Lock()
	c.accum = nil
	c.accumulating = true
	c.mu.Unlock()

	time.Sleep(avgTime)

	c.mu.Lock()
	c.accumulating = false
	samples := c.accum
	c.accum = nil
	c.mu.Unlock()

	if len(samples) == 0 {
		return 0, nil, fmt.Errorf("no samples received at output %v", v)
	}
	return stat.Mean(samples, nil), samples, nil
}
