/*
NAME
  remote.go - HTTP control and monitoring API.

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

// Package remote exposes the locks, the pipeline and the calibration
// supervisor over HTTP. State changes use plain JSON POSTs; live values
// and status snapshots stream over server-sent events.
package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ausocean/utils/logging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/oqclab/wavelock/autocal"
	"github.com/oqclab/wavelock/broadcast"
	"github.com/oqclab/wavelock/instrument"
	"github.com/oqclab/wavelock/lock"
	"github.com/oqclab/wavelock/wavemeter"
)

// Server routes control requests to the right controller and streams
// published samples and status snapshots to remote clients.
type Server struct {
	ctrls      map[string]*lock.Controller
	pipeline   *wavemeter.Pipeline
	supervisor *autocal.Supervisor
	drv        instrument.Driver
	samples    *broadcast.Hub[wavemeter.Sample]
	statuses   *broadcast.Hub[lock.Status]
	autocalHub *broadcast.Hub[autocal.Status]
	log        logging.Logger
	mux        *chi.Mux
}

// New assembles the API server. The controllers are keyed by channel
// name.
func New(ctrls map[string]*lock.Controller, pipeline *wavemeter.Pipeline, supervisor *autocal.Supervisor,
	drv instrument.Driver, samples *broadcast.Hub[wavemeter.Sample], statuses *broadcast.Hub[lock.Status],
	autocalHub *broadcast.Hub[autocal.Status], l logging.Logger) *Server {
	s := &Server{
		ctrls:      ctrls,
		pipeline:   pipeline,
		supervisor: supervisor,
		drv:        drv,
		samples:    samples,
		statuses:   statuses,
		autocalHub: autocalHub,
		log:        l,
	}
	s.routes()
	return s
}

// Router returns the HTTP handler for the API.
func (s *Server) Router() http.Handler { return s.mux }

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ping", s.handlePing)
		r.Get("/channels", s.handleChannels)

		r.Route("/channels/{channel}", func(r chi.Router) {
			r.Get("/status", s.withController(s.handleStatus))
			r.Get("/status/stream", s.withController(s.handleStatusStream))
			r.Get("/values", s.handleLatestValue)
			r.Get("/values/stream", s.handleValueStream)

			r.Post("/lock", s.withController(s.handleLock))
			r.Post("/relock", s.withController(s.handleRelock))
			r.Post("/unlock", s.withController(s.handleUnlock))
			r.Post("/integrator/reset", s.withController(s.handleResetIntegrator))
			r.Post("/setpoint", s.withController(s.handleSetpoint))
			r.Post("/setpoint/step", s.withController(s.handleSetpointStep))
			r.Post("/output", s.withController(s.handleOutput))
			r.Post("/output/offset", s.withController(s.handleOutputOffset))
			r.Post("/aux-output", s.withController(s.handleAuxOutput))
			r.Post("/sensitivity/measure", s.withController(s.handleMeasureSensitivity))
			r.Post("/scan/start", s.withController(s.handleStartScan))
			r.Post("/scan/stop", s.withController(s.handleStopScan))
		})

		r.Post("/calibrate", s.handleCalibrate)
		r.Post("/autocalibration/start", s.handleStartAutocal)
		r.Post("/autocalibration/stop", s.handleStopAutocal)
		r.Get("/autocalibration/status", s.handleAutocalStatus)
		r.Get("/autocalibration/status/stream", streamSSE(s.autocalHub, autocal.StatusTopic))
		r.Get("/calibration/age", s.handleCalibrationAge)

		r.Post("/measurement/start", s.handleStartMeasurement)
		r.Post("/measurement/stop", s.handleStopMeasurement)

		r.Get("/temperature", s.handleAux(wavemeter.TemperatureChannel))
		r.Get("/pressure", s.handleAux(wavemeter.PressureChannel))
	})

	s.mux = r
}

// withController resolves the {channel} URL parameter before running h.
func (s *Server) withController(h func(http.ResponseWriter, *http.Request, *lock.Controller)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch := chi.URLParam(r, "channel")
		c, ok := s.ctrls[ch]
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("no lock on channel %s", ch))
			return
		}
		h(w, r, c)
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"channels": s.pipeline.Channels()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, c *lock.Controller) {
	writeJSON(w, c.Status())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request, c *lock.Controller) {
	streamSSE(s.statuses, c.Channel())(w, r)
}

func (s *Server) handleLatestValue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.pipeline.Latest(chi.URLParam(r, "channel")))
}

func (s *Server) handleValueStream(w http.ResponseWriter, r *http.Request) {
	streamSSE(s.samples, chi.URLParam(r, "channel"))(w, r)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request, c *lock.Controller) {
	var req struct {
		Setpoint float64 `json:"setpoint"`
		CP       float64 `json:"cp"`
		CI       float64 `json:"ci"`
	}
	if !decode(w, r, &req) {
		return
	}
	c.Lock(req.Setpoint, req.CP, req.CI)
	writeJSON(w, c.Status())
}

func (s *Server) handleRelock(w http.ResponseWriter, r *http.Request, c *lock.Controller) {
	c.Relock()
	writeJSON(w, c.Status())
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request, c *lock.Controller) {
	c.Unlock()
	writeJSON(w, c.Status())
}

func (s *Server) handleResetIntegrator(w http.ResponseWriter, r *http.Request, c *lock.Controller) {
	c.ResetIntegrator()
	writeJSON(w, c.Status())
}

func (s *Server) handleSetpoint(w http.ResponseWriter, r *http.Request, c *lock.Controller) {
	var req struct {
		Setpoint float64 `json:"setpoint"`
	}
	if !decode(w, r, &req) {
		return
	}
	c.ChangeSetpoint(req.Setpoint)
	writeJSON(w, c.Status())
}

func (s *Server) handleSetpointStep(w http.ResponseWriter, r *http.Request, c *lock.Controller) {
	var req struct {
		StepMHz float64 `json:"step_mhz"`
	}
	if !decode(w, r, &req) {
		return
	}
	c.SetpointStepMHz(req.StepMHz)
	writeJSON(w, c.Status())
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request, c *lock.Controller) {
	var req struct {
		Value float64 `json:"value"`
	}
	if !decode(w, r, &req) {
		return
	}
	applied, err := c.SetOutput(req.Value)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, map[string]float64{"applied": applied})
}

func (s *Server) handleOutputOffset(w http.ResponseWriter, r *http.Request, c *lock.Controller) {
	var req struct {
		Offset float64 `json:"offset"`
	}
	if !decode(w, r, &req) {
		return
	}
	c.SetOutputOffset(req.Offset)
	writeJSON(w, c.Status())
}

func (s *Server) handleAuxOutput(w http.ResponseWriter, r *http.Request, c *lock.Controller) {
	var req struct {
		Value float64 `json:"value"`
	}
	if !decode(w, r, &req) {
		return
	}
	applied, err := c.SetAuxOutput(req.Value)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, map[string]float64{"applied": applied})
}

func (s *Server) handleMeasureSensitivity(w http.ResponseWriter, r *http.Request, c *lock.Controller) {
	var req struct {
		Lower         float64 `json:"lower"`
		Upper         float64 `json:"upper"`
		AveragingTime float64 `json:"averaging_time_s"`
		SettleTime    float64 `json:"settle_time_s"`
	}
	if !decode(w, r, &req) {
		return
	}
	err := c.MeasureSensitivity(req.Lower, req.Upper,
		time.Duration(req.AveragingTime*float64(time.Second)),
		time.Duration(req.SettleTime*float64(time.Second)))
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, map[string]bool{"started": true})
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request, c *lock.Controller) {
	var req struct {
		Waveform       int     `json:"waveform"`
		Rate           float64 `json:"rate"`
		LowerFrequency float64 `json:"lower_frequency"`
		UpperFrequency float64 `json:"upper_frequency"`
		Timestep       float64 `json:"timestep_s"`
	}
	if !decode(w, r, &req) {
		return
	}
	err := c.StartScan(req.Waveform, req.Rate, req.LowerFrequency, req.UpperFrequency,
		time.Duration(req.Timestep*float64(time.Second)))
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, lock.ErrBadTimestep) || errors.Is(err, lock.ErrBadBounds) ||
			errors.Is(err, lock.ErrUnknownWaveform) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, c.Status())
}

func (s *Server) handleStopScan(w http.ResponseWriter, r *http.Request, c *lock.Controller) {
	c.StopScan()
	writeJSON(w, c.Status())
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel    int     `json:"channel"`
		Wavelength float64 `json:"wavelength"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.supervisor.Calibrate(req.Channel, req.Wavelength); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleStartAutocal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel       int     `json:"channel"`
		Wavelength    float64 `json:"wavelength"`
		Threshold     float64 `json:"threshold"`
		Interval      int     `json:"interval_s"`
		RetryInterval int     `json:"retry_interval_s"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Threshold <= 0 {
		req.Threshold = 0.00005
	}
	if req.Interval <= 0 {
		req.Interval = 600
	}
	if req.RetryInterval <= 0 {
		req.RetryInterval = 10
	}
	// Waits for a previous loop to wind down; bounded by the client's
	// request context.
	err := s.supervisor.Start(r.Context(), req.Channel, req.Wavelength, req.Threshold,
		req.Interval, req.RetryInterval)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, s.supervisor.Status())
}

func (s *Server) handleStopAutocal(w http.ResponseWriter, r *http.Request) {
	s.supervisor.Stop()
	writeJSON(w, s.supervisor.Status())
}

func (s *Server) handleAutocalStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.supervisor.Status())
}

func (s *Server) handleCalibrationAge(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]float64{"seconds": s.supervisor.TimeSinceCalibration()})
}

func (s *Server) handleStartMeasurement(w http.ResponseWriter, r *http.Request) {
	if err := s.drv.StartMeasurement(); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleStopMeasurement(w http.ResponseWriter, r *http.Request) {
	if err := s.drv.StopMeasurement(); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

// handleAux serves the latest reading of a pseudo-channel such as the
// enclosure temperature.
func (s *Server) handleAux(channel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sample := s.pipeline.Latest(channel)
		if sample.Timestamp < 0 {
			writeError(w, http.StatusNotFound, fmt.Errorf("no data on channel %s", channel))
			return
		}
		writeJSON(w, sample)
	}
}

// streamSSE pushes every value published on topic to the client as a
// server-sent event until the client goes away.
func streamSSE[T any](hub *broadcast.Hub[T], topic string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fl, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		sub := hub.Subscribe(topic)
		defer sub.Close()
		go func() {
			<-r.Context().Done()
			sub.Close()
		}()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		fl.Flush()

		for {
			v, ok := sub.Next()
			if !ok {
				return
			}
			b, err := json.Marshal(v)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			fl.Flush()
		}
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("could not decode request body: %w", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
