/*
NAME
  remote_test.go - HTTP API tests.

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

package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ausocean/utils/logging"

	"github.com/oqclab/wavelock/actuator"
	"github.com/oqclab/wavelock/autocal"
	"github.com/oqclab/wavelock/broadcast"
	"github.com/oqclab/wavelock/instrument"
	"github.com/oqclab/wavelock/lock"
	"github.com/oqclab/wavelock/wavemeter"
)

type fixture struct {
	srv  *Server
	ctrl *lock.Controller
	pipe *wavemeter.Pipeline
	drv  *instrument.Sim
	ts   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := logging.New(logging.Error, io.Discard, true)

	samples := broadcast.NewHub[wavemeter.Sample]()
	statuses := broadcast.NewHub[lock.Status]()
	acHub := broadcast.NewHub[autocal.Status]()

	pipe := wavemeter.NewPipeline(wavemeter.Config{
		Channels:      []string{"ch1", wavemeter.TemperatureChannel},
		SkipThreshold: 10,
	}, samples, l)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go pipe.Run(ctx)

	ctrl, err := lock.New(lock.Config{Channel: "ch1"}, actuator.Passthrough{}, nil, samples, statuses, l)
	if err != nil {
		t.Fatalf("could not create controller: %v", err)
	}
	go ctrl.Run(ctx)

	drv := instrument.NewSim(instrument.SimConfig{Base: map[int]float64{1: 700.0}}, l)
	sup := autocal.New(drv, pipe, acHub, l)

	srv := New(map[string]*lock.Controller{"ch1": ctrl}, pipe, sup, drv, samples, statuses, acHub, l)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &fixture{srv: srv, ctrl: ctrl, pipe: pipe, drv: drv, ts: ts}
}

func (f *fixture) post(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(f.ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("POST %s read: %v", path, err)
	}
	return resp, b
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("GET %s read: %v", path, err)
	}
	return resp, b
}

func TestPing(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/api/v1/ping")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
	var out map[string]bool
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("could not decode response: %v", err)
	}
	if !out["ok"] {
		t.Error("ping did not report ok")
	}
}

func TestUnknownChannel(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.post(t, "/api/v1/channels/ch9/unlock", "{}")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("got status %d, want 404", resp.StatusCode)
	}
}

func TestBadRequestBody(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.post(t, "/api/v1/channels/ch1/setpoint", "{not json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", resp.StatusCode)
	}
}

func TestLockAndUnlock(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/api/v1/channels/ch1/lock", `{"setpoint":700.0,"cp":-0.5,"ci":-0.01}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lock: got status %d, want 200", resp.StatusCode)
	}
	var st lock.Status
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("could not decode status: %v", err)
	}
	if !st.Locked {
		t.Error("status not locked after lock request")
	}
	if st.Setpoint != 700.0 {
		t.Errorf("got setpoint %v, want 700.0", st.Setpoint)
	}

	resp, body = f.post(t, "/api/v1/channels/ch1/unlock", "{}")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unlock: got status %d, want 200", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("could not decode status: %v", err)
	}
	if st.Locked {
		t.Error("status still locked after unlock request")
	}
}

func TestSetOutput(t *testing.T) {
	f := newFixture(t)
	resp, body := f.post(t, "/api/v1/channels/ch1/output", `{"value":1.5}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
	var out map[string]float64
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("could not decode response: %v", err)
	}
	if out["applied"] != 1.5 {
		t.Errorf("got applied %v, want 1.5", out["applied"])
	}
	if got := f.ctrl.Status().Output; got != 1.5 {
		t.Errorf("controller output is %v, want 1.5", got)
	}
}

func TestScanRequiresLock(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.post(t, "/api/v1/channels/ch1/scan/start",
		`{"waveform":3,"rate":50,"lower_frequency":-100,"upper_frequency":100,"timestep_s":0.05}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("got status %d, want 409", resp.StatusCode)
	}
}

func TestScanBadWaveform(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Lock(700.0, -0.5, 0)
	resp, _ := f.post(t, "/api/v1/channels/ch1/scan/start",
		`{"waveform":42,"rate":50,"lower_frequency":-100,"upper_frequency":100,"timestep_s":0.05}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("got status %d, want 422", resp.StatusCode)
	}
}

func TestLatestValue(t *testing.T) {
	f := newFixture(t)
	f.pipe.OnRawSample("ch1", 1000, 700.123)

	deadline := time.Now().Add(time.Second)
	for f.pipe.Latest("ch1").Timestamp < 0 {
		if time.Now().After(deadline) {
			t.Fatal("sample not processed in time")
		}
		time.Sleep(time.Millisecond)
	}

	resp, body := f.get(t, "/api/v1/channels/ch1/values")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
	var s wavemeter.Sample
	if err := json.Unmarshal(body, &s); err != nil {
		t.Fatalf("could not decode sample: %v", err)
	}
	if s.Value != 700.123 || s.Timestamp != 1000 {
		t.Errorf("got sample %+v, want value 700.123 at 1000", s)
	}
}

func TestAuxChannelNoData(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.get(t, "/api/v1/temperature")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("got status %d, want 404", resp.StatusCode)
	}
}

func TestMeasurementControl(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.post(t, "/api/v1/measurement/start", "{}")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: got status %d, want 200", resp.StatusCode)
	}
	resp, _ = f.post(t, "/api/v1/measurement/stop", "{}")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop: got status %d, want 200", resp.StatusCode)
	}
}

func TestCalibrateEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.post(t, "/api/v1/calibrate", `{"channel":1,"wavelength":700.0}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}

	resp, body := f.get(t, "/api/v1/calibration/age")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("age: got status %d, want 200", resp.StatusCode)
	}
	var out map[string]float64
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("could not decode response: %v", err)
	}
	if age := out["seconds"]; age < 0 || age > 60 {
		t.Errorf("got calibration age %v, want recent", age)
	}
}

func TestStatusStream(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/api/v1/channels/ch1/status/stream", nil)
	if err != nil {
		t.Fatalf("could not build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("could not open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("got content type %q, want text/event-stream", ct)
	}

	// Trigger a status publication once the subscriber is in place.
	go func() {
		time.Sleep(50 * time.Millisecond)
		f.ctrl.Lock(700.0, -0.5, 0)
	}()

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var st lock.Status
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &st); err != nil {
			t.Fatalf("could not decode event: %v", err)
		}
		if !st.Locked || st.Setpoint != 700.0 {
			t.Errorf("got status %+v, want locked at 700.0", st)
		}
		return
	}
	t.Fatalf("stream ended without an event: %v", sc.Err())
}

func TestValueStream(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/api/v1/channels/ch1/values/stream", nil)
	if err != nil {
		t.Fatalf("could not build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("could not open stream: %v", err)
	}
	defer resp.Body.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		ts := int64(1000)
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				f.pipe.OnRawSample("ch1", ts, 700.5)
				ts += 20
			}
		}
	}()
	defer func() { cancel(); <-done }()

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var s wavemeter.Sample
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &s); err != nil {
			t.Fatalf("could not decode event: %v", err)
		}
		if s.Channel != "ch1" || s.Value != 700.5 {
			t.Errorf("got sample %+v, want 700.5 on ch1", s)
		}
		return
	}
	t.Fatalf("stream ended without an event: %v", sc.Err())
}
