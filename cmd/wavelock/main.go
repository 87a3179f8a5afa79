/*
NAME
  wavelock - wavemeter-referenced laser lock daemon.

DESCRIPTION
  See Readme.md

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

// wavelock runs wavemeter-referenced frequency locks and serves their
// control API over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/kidoman/embd/host/all"
	"github.com/yryz/ds18b20"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ausocean/utils/logging"

	"github.com/oqclab/wavelock/actuator"
	"github.com/oqclab/wavelock/autocal"
	"github.com/oqclab/wavelock/broadcast"
	"github.com/oqclab/wavelock/config"
	"github.com/oqclab/wavelock/instrument"
	"github.com/oqclab/wavelock/lock"
	"github.com/oqclab/wavelock/remote"
	"github.com/oqclab/wavelock/wavemeter"
)

const (
	progName            = "wavelock"
	logMaxSize          = 500 // MB
	logMaxBackup        = 10
	logMaxAge           = 28 // days
	logSuppress         = true
	enclosurePollPeriod = 10 * time.Second
	shutdownTimeout     = 5 * time.Second
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "/etc/wavelock/wavelock.yaml", "Path to the configuration file")
	var debug bool
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progName, err)
		os.Exit(1)
	}

	var logVerbosity = logging.Info
	if debug {
		logVerbosity = logging.Debug
	}
	var logDst io.Writer = os.Stderr
	if cfg.LogFile != "" {
		fileLog := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    logMaxSize,
			MaxBackups: logMaxBackup,
			MaxAge:     logMaxAge,
		}
		logDst = io.MultiWriter(os.Stderr, fileLog)
	}
	log := logging.New(logVerbosity, logDst, logSuppress)
	log.Info("wavelock: logger initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	samples := broadcast.NewHub[wavemeter.Sample]()
	statuses := broadcast.NewHub[lock.Status]()
	acHub := broadcast.NewHub[autocal.Status]()

	pipe := wavemeter.NewPipeline(wavemeter.Config{
		Channels:      cfg.Wavemeter.Channels,
		SkipThreshold: cfg.Wavemeter.SkipThreshold,
		QueueSize:     cfg.Wavemeter.QueueSize,
	}, samples, log)
	go pipe.Run(ctx)

	sim := instrument.SimConfig{
		Base:        cfg.Sim.Base,
		Period:      time.Duration(cfg.Sim.PeriodMs) * time.Millisecond,
		Noise:       cfg.Sim.Noise,
		Drift:       cfg.Sim.Drift,
		Coupling:    cfg.Sim.Coupling,
		Temperature: cfg.Wavemeter.Temperature,
		Pressure:    cfg.Wavemeter.Pressure,
	}
	drv := instrument.NewSim(sim, log)

	ctrls := make(map[string]*lock.Controller, len(cfg.Locks))
	for i := range cfg.Locks {
		lc := &cfg.Locks[i]
		act, err := newActuator(&lc.Actuator, log)
		if err != nil {
			log.Error("wavelock: could not set up actuator", "channel", lc.Channel, "error", err.Error())
			os.Exit(1)
		}
		var aux actuator.Actuator
		if lc.AuxActuator != nil {
			aux, err = newActuator(lc.AuxActuator, log)
			if err != nil {
				log.Error("wavelock: could not set up aux actuator", "channel", lc.Channel, "error", err.Error())
				os.Exit(1)
			}
		}
		c, err := lock.New(lc.LockConfig(), act, aux, samples, statuses, log)
		if err != nil {
			log.Error("wavelock: bad lock configuration", "channel", lc.Channel, "error", err.Error())
			os.Exit(1)
		}
		go c.Run(ctx)
		ctrls[lc.Channel] = c

		// Close the simulated loop: the instrument reads back the
		// lock's own output so the feedback has something to act on.
		if n, ok := channelNumber(lc.Channel); ok {
			c := c
			drv.SetOutputSource(n, func() float64 { return c.Status().Output })
		}
		log.Info("wavelock: lock configured", "channel", lc.Channel, "actuator", lc.Actuator.Type)
	}

	if err := drv.InstallCallback(pipe.OnRawSample); err != nil {
		log.Error("wavelock: could not install instrument callback", "error", err.Error())
		os.Exit(1)
	}
	if err := drv.StartMeasurement(); err != nil {
		log.Error("wavelock: could not start measurement", "error", err.Error())
		os.Exit(1)
	}

	if cfg.EnclosureSensor != "" {
		go pollEnclosure(ctx, cfg.EnclosureSensor, pipe, log)
	}

	sup := autocal.New(drv, pipe, acHub, log)
	if cfg.Autocal.Interval > 0 {
		err := sup.Start(ctx, cfg.Autocal.Channel, cfg.Autocal.Wavelength,
			cfg.Autocal.Threshold, cfg.Autocal.Interval, cfg.Autocal.RetryInterval)
		if err != nil {
			log.Warning("wavelock: could not start autocalibration", "error", err.Error())
		}
	}

	api := remote.New(ctrls, pipe, sup, drv, samples, statuses, acHub, log)
	srv := &http.Server{Addr: cfg.Listen, Handler: api.Router()}
	go func() {
		<-ctx.Done()
		log.Info("wavelock: shutting down")
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shCtx)
	}()

	log.Info("wavelock: serving", "listen", cfg.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("wavelock: server failed", "error", err.Error())
		os.Exit(1)
	}
	drv.StopMeasurement()
}

// newActuator builds the configured output driver. Type "none" applies
// outputs verbatim, which is what the simulated instrument expects.
func newActuator(ac *config.Actuator, l logging.Logger) (actuator.Actuator, error) {
	switch ac.Type {
	case "serial":
		return actuator.NewSerialDAC(ac.Device, ac.Baud, l)
	case "i2c":
		return actuator.NewI2CDAC(ac.Bus, ac.Address, ac.FullScale, l)
	default:
		return actuator.Passthrough{}, nil
	}
}

// channelNumber extracts N from a "chN" channel name.
func channelNumber(channel string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimPrefix(channel, "ch"))
	if err != nil {
		return 0, false
	}
	return n, true
}

// pollEnclosure feeds DS18B20 readings to the temperature
// pseudo-channel so remote clients can watch the enclosure.
func pollEnclosure(ctx context.Context, sensor string, pipe *wavemeter.Pipeline, l logging.Logger) {
	ticker := time.NewTicker(enclosurePollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t, err := ds18b20.Temperature(sensor)
			if err != nil {
				l.Warning("wavelock: could not read enclosure sensor", "sensor", sensor, "error", err.Error())
				continue
			}
			pipe.OnRawSample(wavemeter.TemperatureChannel, time.Now().UnixMilli(), t)
		}
	}
}
