/*
NAME
  lock_test.go - PI lock controller tests.

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

package lock

import (
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ausocean/utils/logging"

	"github.com/oqclab/wavelock/broadcast"
	"github.com/oqclab/wavelock/wavemeter"
)

// mockActuator records applied values. With block set, Set waits until
// the channel is closed, simulating slow hardware.
type mockActuator struct {
	mu      sync.Mutex
	applied []float64
	block   chan struct{}
}

func (m *mockActuator) Set(v float64) (float64, error) {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, v)
	return v, nil
}

func (m *mockActuator) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.applied)
}

func (m *mockActuator) last() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.applied) == 0 {
		return 0
	}
	return m.applied[len(m.applied)-1]
}

func newTestController(t *testing.T, cfg Config) (*Controller, *mockActuator) {
	t.Helper()
	if cfg.Channel == "" {
		cfg.Channel = "ch1"
	}
	act := &mockActuator{}
	l := logging.New(logging.Error, io.Discard, true)
	c, err := New(cfg, act, nil, broadcast.NewHub[wavemeter.Sample](), broadcast.NewHub[Status](), l)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c, act
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFirstSampleSkipsIntegrator(t *testing.T) {
	c, act := newTestController(t, Config{})
	c.Lock(700.0, 1.0, 0.5)

	// prev timestamp starts one timeout in the past, so dt exceeds the
	// integrator timeout on the very first sample.
	c.OnSample(wavemeter.Sample{Channel: "ch1", Timestamp: 1000, Value: 701.0})

	waitFor(t, "feedback update", func() bool { return act.count() == 1 })
	st := c.Status()
	if st.Integrator != 0 {
		t.Errorf("integrator = %v; expected 0 on first sample", st.Integrator)
	}
	if st.Output != 1.0 {
		t.Errorf("output = %v; expected cp * (701 - 700) = 1", st.Output)
	}
}

func TestIntegratorAccumulates(t *testing.T) {
	c, act := newTestController(t, Config{})
	c.Lock(700.0, 0, 0.001)

	c.OnSample(wavemeter.Sample{Channel: "ch1", Timestamp: 1000, Value: 700.5})
	waitFor(t, "first update", func() bool { return act.count() == 1 })

	// dt = 100 ms, midpoint error 0.5 nm.
	c.OnSample(wavemeter.Sample{Channel: "ch1", Timestamp: 1100, Value: 700.5})
	waitFor(t, "second update", func() bool { return act.count() == 2 })

	st := c.Status()
	want := 0.001 * 100 * 0.5
	if math.Abs(st.Integrator-want) > 1e-12 {
		t.Errorf("integrator = %v; expected %v", st.Integrator, want)
	}
	if math.Abs(st.Output-want) > 1e-12 {
		t.Errorf("output = %v; expected integrator %v", st.Output, want)
	}
}

func TestIntegratorCutoff(t *testing.T) {
	c, act := newTestController(t, Config{IntegratorCutoff: 1.0})
	c.Lock(700.0, 0, 0.001)

	c.OnSample(wavemeter.Sample{Channel: "ch1", Timestamp: 1000, Value: 700.5})
	waitFor(t, "first update", func() bool { return act.count() == 1 })
	c.OnSample(wavemeter.Sample{Channel: "ch1", Timestamp: 1100, Value: 700.5})
	waitFor(t, "second update", func() bool { return act.count() == 2 })

	if st := c.Status(); st.Integrator != 0 {
		t.Errorf("integrator = %v; expected 0 inside cutoff", st.Integrator)
	}
}

func TestOutputClamped(t *testing.T) {
	c, _ := newTestController(t, Config{})
	for _, v := range []float64{100, -100, 5, 10.0001, -10.0001} {
		applied, err := c.SetOutput(v)
		if err != nil {
			t.Fatalf("SetOutput(%v) failed: %v", v, err)
		}
		if applied < -10 || applied > 10 {
			t.Errorf("SetOutput(%v) applied %v outside bounds", v, applied)
		}
		if st := c.Status(); st.Output < -10 || st.Output > 10 {
			t.Errorf("status output %v outside bounds after SetOutput(%v)", st.Output, v)
		}
	}
}

func TestRailWarning(t *testing.T) {
	c, _ := newTestController(t, Config{})

	alerts := make(chan Status, 16)
	c.SetRailAlert(func(s Status) { alerts <- s })

	// Default margin 0.05 on [-10, 10] puts the alert levels at ±9.
	if _, err := c.SetOutput(9.5); err != nil {
		t.Fatalf("SetOutput failed: %v", err)
	}
	if !c.Status().OutputRailWarning {
		t.Error("expected rail warning at 9.5")
	}
	select {
	case s := <-alerts:
		if !s.OutputRailWarning {
			t.Error("alert snapshot missing rail warning")
		}
	case <-time.After(time.Second):
		t.Error("rail alert hook not invoked")
	}

	if _, err := c.SetOutput(0); err != nil {
		t.Fatalf("SetOutput failed: %v", err)
	}
	if c.Status().OutputRailWarning {
		t.Error("rail warning not cleared at 0")
	}
}

func TestErrorCodesIgnoredByFeedback(t *testing.T) {
	c, act := newTestController(t, Config{})
	c.Lock(700.0, 1.0, 0)

	c.OnSample(wavemeter.Sample{Channel: "ch1", Timestamp: 1000, Value: wavemeter.ErrCodeNoValue})
	time.Sleep(20 * time.Millisecond)
	if act.count() != 0 {
		t.Error("error code drove the actuator")
	}
	if st := c.Status(); st.LatestValue != wavemeter.ErrCodeNoValue {
		t.Errorf("latest value = %v; expected error code recorded", st.LatestValue)
	}
}

func TestUnlockedIgnoresSamples(t *testing.T) {
	c, act := newTestController(t, Config{})
	c.OnSample(wavemeter.Sample{Channel: "ch1", Timestamp: 1000, Value: 700.0})
	time.Sleep(20 * time.Millisecond)
	if act.count() != 0 {
		t.Error("unlocked controller drove the actuator")
	}
}

func TestUpdateInFlightDropsSample(t *testing.T) {
	cfg := Config{Channel: "ch1"}
	act := &mockActuator{block: make(chan struct{})}
	l := logging.New(logging.Error, io.Discard, true)
	c, err := New(cfg, act, nil, broadcast.NewHub[wavemeter.Sample](), broadcast.NewHub[Status](), l)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.Lock(700.0, 1.0, 0)

	// First sample's update stalls in the actuator.
	c.OnSample(wavemeter.Sample{Channel: "ch1", Timestamp: 1000, Value: 701.0})

	// Second sample arrives while the update is in flight: its value is
	// recorded but no second update may start.
	c.OnSample(wavemeter.Sample{Channel: "ch1", Timestamp: 1100, Value: 702.0})
	if st := c.Status(); st.LatestValue != 702.0 {
		t.Errorf("latest value = %v; expected 702 recorded while update in flight", st.LatestValue)
	}

	close(act.block)
	waitFor(t, "stalled update", func() bool { return act.count() == 1 })

	// Only the first sample's output may appear.
	time.Sleep(20 * time.Millisecond)
	if n := act.count(); n != 1 {
		t.Fatalf("actuator driven %d times; expected 1, dropped sample must not catch up", n)
	}
	if v := act.last(); v != 1.0 {
		t.Errorf("applied output = %v; expected 1 from the first sample", v)
	}
}

func TestLockIdempotence(t *testing.T) {
	c, _ := newTestController(t, Config{})
	c.Unlock()
	c.Unlock()
	if st := c.Status(); st.Locked {
		t.Error("controller locked after Unlock")
	}
	c.StopScan()
	if st := c.Status(); st.Scanning {
		t.Error("controller scanning after StopScan")
	}
}

func TestFeedForwardOnSetpointChange(t *testing.T) {
	c, act := newTestController(t, Config{OutputSensitivity: 0.001})
	c.Lock(700.0, 0, 0)

	// 0.001 nm step at 0.001 nm per unit: one output unit.
	c.ChangeSetpoint(700.001)

	waitFor(t, "feed-forward output", func() bool { return act.count() == 1 })
	st := c.Status()
	if math.Abs(st.Integrator-1.0) > 1e-9 {
		t.Errorf("integrator = %v; expected 1 after feed-forward", st.Integrator)
	}
	if math.Abs(act.last()-1.0) > 1e-9 {
		t.Errorf("applied output = %v; expected 1", act.last())
	}
}

func TestSetpointStepMHz(t *testing.T) {
	c, _ := newTestController(t, Config{})
	c.Lock(700.0, 0, 0)
	c.SetpointStepMHz(100)

	want := 700.0 - 700.0*700.0/SpeedOfLight*100
	if st := c.Status(); math.Abs(st.Setpoint-want) > 1e-12 {
		t.Errorf("setpoint = %v; expected %v", st.Setpoint, want)
	}
}

func TestRelockRestoresSetpoint(t *testing.T) {
	c, _ := newTestController(t, Config{})
	c.Lock(700.0, 1.0, 0.5)
	if err := c.StartScan(WaveformToLower, 5000, -100, 0, time.Millisecond); err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}
	waitFor(t, "scan movement", func() bool { return c.Status().Setpoint != 700.0 })

	c.Relock()
	st := c.Status()
	if st.Scanning {
		t.Error("still scanning after Relock")
	}
	if st.Setpoint != 700.0 || st.SetpointNoScan != 700.0 {
		t.Errorf("setpoint = %v / %v; expected 700 restored", st.Setpoint, st.SetpointNoScan)
	}
	if st.CP != 1.0 || st.CI != 0.5 {
		t.Errorf("gains = %v, %v; expected 1, 0.5 preserved", st.CP, st.CI)
	}
}

func TestMeasureSensitivityPreconditions(t *testing.T) {
	c, _ := newTestController(t, Config{})
	c.Lock(700.0, 0, 0)
	if err := c.MeasureSensitivity(-1, 1, 50*time.Millisecond, 10*time.Millisecond); err != ErrLocked {
		t.Errorf("MeasureSensitivity while locked returned %v; expected ErrLocked", err)
	}

	c.Unlock()
	if err := c.MeasureSensitivity(-1, 1, 50*time.Millisecond, 10*time.Millisecond); err != nil {
		t.Fatalf("MeasureSensitivity failed: %v", err)
	}
	if err := c.MeasureSensitivity(-1, 1, 50*time.Millisecond, 10*time.Millisecond); err != ErrMeasurementRunning {
		t.Errorf("second MeasureSensitivity returned %v; expected ErrMeasurementRunning", err)
	}
}

func TestMeasureSensitivity(t *testing.T) {
	c, act := newTestController(t, Config{})

	// Simulated laser: 0.5 nm per output unit around 700 nm.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ts := int64(0)
		for {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
				ts += 2
				c.OnSample(wavemeter.Sample{Channel: "ch1", Timestamp: ts, Value: 700.0 + 0.5*act.last()})
			}
		}
	}()

	err := c.MeasureSensitivity(-1, 1, 40*time.Millisecond, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("MeasureSensitivity failed: %v", err)
	}

	waitFor(t, "sensitivity result", func() bool { return c.Status().OutputSensitivity != 0 })
	sens := c.Status().OutputSensitivity
	if math.Abs(sens-0.5) > 0.01 {
		t.Errorf("sensitivity = %v; expected about 0.5", sens)
	}

	// The previous output (0) must be restored.
	waitFor(t, "output restore", func() bool { return c.Status().Output == 0 })
}
