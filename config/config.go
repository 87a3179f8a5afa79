/*
NAME
  config.go - YAML configuration for the wavelock daemon.

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

// Package config loads and validates the daemon configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ausocean/utils/sliceutils"

	"github.com/oqclab/wavelock/lock"
	"github.com/oqclab/wavelock/wavemeter"
)

// Defaults applied by Load.
const (
	defaultListen        = ":3280"
	defaultSkipThreshold = 10.0
	defaultSerialBaud    = 115200
)

// Actuator describes how a lock output reaches hardware.
type Actuator struct {
	// Type selects the driver: "serial", "i2c" or "none".
	Type string `yaml:"type"`

	// Serial parameters.
	Device string `yaml:"device"`
	Baud   uint   `yaml:"baud"`

	// I2C parameters.
	Bus       byte    `yaml:"bus"`
	Address   byte    `yaml:"address"`
	FullScale float64 `yaml:"full_scale"`
}

// Channel configures one locked channel.
type Channel struct {
	Channel           string  `yaml:"channel"`
	OutputMin         float64 `yaml:"output_min"`
	OutputMax         float64 `yaml:"output_max"`
	WarningMargin     float64 `yaml:"warning_margin"`
	IntegratorTimeout int64   `yaml:"integrator_timeout_ms"`
	IntegratorCutoff  float64 `yaml:"integrator_cutoff"`
	Setpoint          float64 `yaml:"setpoint"`
	CP                float64 `yaml:"cp"`
	CI                float64 `yaml:"ci"`
	OutputSensitivity float64 `yaml:"output_sensitivity"`
	OutputOffset      float64 `yaml:"output_offset"`
	StartupLocked     bool    `yaml:"startup_locked"`
	AuxOutputMin      float64 `yaml:"aux_output_min"`
	AuxOutputMax      float64 `yaml:"aux_output_max"`
	OutputUnit        string  `yaml:"output_unit"`
	AuxOutputUnit     string  `yaml:"aux_output_unit"`
	AuxOutputName     string  `yaml:"aux_output_name"`
	PlotDir           string  `yaml:"plot_dir"`

	Actuator    Actuator  `yaml:"actuator"`
	AuxActuator *Actuator `yaml:"aux_actuator"`
}

// Wavemeter configures the sample ingestion pipeline.
type Wavemeter struct {
	Channels      []string `yaml:"channels"`
	SkipThreshold float64  `yaml:"skip_threshold"`
	QueueSize     int      `yaml:"queue_size"`
	Temperature   bool     `yaml:"temperature"`
	Pressure      bool     `yaml:"pressure"`
}

// Sim configures the simulated instrument used when no real wavemeter
// is attached.
type Sim struct {
	Base     map[int]float64 `yaml:"base"`
	PeriodMs int             `yaml:"period_ms"`
	Noise    float64         `yaml:"noise"`
	Drift    float64         `yaml:"drift"`
	Coupling float64         `yaml:"coupling"`
}

// Autocal configures automatic calibration at startup. A zero Interval
// leaves autocalibration off until a client starts it.
type Autocal struct {
	Channel       int     `yaml:"channel"`
	Wavelength    float64 `yaml:"wavelength"`
	Threshold     float64 `yaml:"threshold"`
	Interval      int     `yaml:"interval_s"`
	RetryInterval int     `yaml:"retry_interval_s"`
}

// Config is the root of the configuration file.
type Config struct {
	Listen string `yaml:"listen"`

	// LogFile receives the rotating log. Empty means stderr only.
	LogFile string `yaml:"log_file"`

	// EnclosureSensor, when non-empty, names a DS18B20 sensor whose
	// readings are fed to the temperature pseudo-channel.
	EnclosureSensor string `yaml:"enclosure_sensor"`

	Wavemeter Wavemeter `yaml:"wavemeter"`
	Sim       Sim       `yaml:"sim"`
	Autocal   Autocal   `yaml:"autocal"`
	Locks     []Channel `yaml:"locks"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}
	return Parse(b)
}

// Parse decodes and validates configuration bytes.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("could not parse config: %w", err)
	}
	if err := c.normalize(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) normalize() error {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Wavemeter.SkipThreshold == 0 {
		c.Wavemeter.SkipThreshold = defaultSkipThreshold
	}
	if len(c.Wavemeter.Channels) == 0 {
		return fmt.Errorf("config needs at least one wavemeter channel")
	}
	// Enabling the auxiliary readings implies accepting their
	// pseudo-channels, so spare the file from listing them twice.
	if c.Wavemeter.Temperature && !sliceutils.ContainsString(c.Wavemeter.Channels, wavemeter.TemperatureChannel) {
		c.Wavemeter.Channels = append(c.Wavemeter.Channels, wavemeter.TemperatureChannel)
	}
	if c.Wavemeter.Pressure && !sliceutils.ContainsString(c.Wavemeter.Channels, wavemeter.PressureChannel) {
		c.Wavemeter.Channels = append(c.Wavemeter.Channels, wavemeter.PressureChannel)
	}
	for i := range c.Locks {
		l := &c.Locks[i]
		if l.Channel == "" {
			return fmt.Errorf("lock %d has no channel", i)
		}
		if !sliceutils.ContainsString(c.Wavemeter.Channels, l.Channel) {
			return fmt.Errorf("lock on %s: channel not in wavemeter channel list", l.Channel)
		}
		if err := l.Actuator.normalize(); err != nil {
			return fmt.Errorf("lock on %s: %w", l.Channel, err)
		}
		if l.AuxActuator != nil {
			if err := l.AuxActuator.normalize(); err != nil {
				return fmt.Errorf("lock on %s aux actuator: %w", l.Channel, err)
			}
		}
	}
	return nil
}

func (a *Actuator) normalize() error {
	switch a.Type {
	case "", "none":
		a.Type = "none"
	case "serial":
		if a.Device == "" {
			return fmt.Errorf("serial actuator needs a device")
		}
		if a.Baud == 0 {
			a.Baud = defaultSerialBaud
		}
	case "i2c":
		if a.Address == 0 {
			return fmt.Errorf("i2c actuator needs an address")
		}
		if a.FullScale == 0 {
			a.FullScale = 10.0
		}
	default:
		return fmt.Errorf("unknown actuator type %q", a.Type)
	}
	return nil
}

// LockConfig maps the channel section onto the controller's config.
func (ch *Channel) LockConfig() lock.Config {
	return lock.Config{
		Channel:           ch.Channel,
		OutputMin:         ch.OutputMin,
		OutputMax:         ch.OutputMax,
		WarningMargin:     ch.WarningMargin,
		IntegratorTimeout: ch.IntegratorTimeout,
		IntegratorCutoff:  ch.IntegratorCutoff,
		Setpoint:          ch.Setpoint,
		CP:                ch.CP,
		CI:                ch.CI,
		OutputSensitivity: ch.OutputSensitivity,
		OutputOffset:      ch.OutputOffset,
		StartupLocked:     ch.StartupLocked,
		AuxOutputMin:      ch.AuxOutputMin,
		AuxOutputMax:      ch.AuxOutputMax,
		OutputUnit:        ch.OutputUnit,
		AuxOutputUnit:     ch.AuxOutputUnit,
		AuxOutputName:     ch.AuxOutputName,
		PlotDir:           ch.PlotDir,
	}
}
