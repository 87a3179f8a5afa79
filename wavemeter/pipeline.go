/*
NAME
  pipeline.go - lossy ingestion pipeline from instrument callback to subscribers.

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

package wavemeter

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/ausocean/utils/logging"

	"github.com/oqclab/wavelock/broadcast"
)

const defaultQueueSize = 16

// Config selects the channels the pipeline accepts and tunes its filtering.
type Config struct {
	// Channels lists the accepted channel names. Readings on any other
	// channel are ignored.
	Channels []string

	// SkipThreshold rejects a wavelength reading that differs from the
	// last seen reading on its channel by this many nm or more.
	SkipThreshold float64

	// QueueSize bounds the shared event queue. Defaults to 16.
	QueueSize int
}

type event struct {
	channel   string
	timestamp int64
	value     float64
}

// Pipeline moves raw instrument readings to per-channel subscribers.
// OnRawSample is safe to call from the instrument's callback thread and
// never blocks: while a channel has a reading in flight, newer readings
// on that channel are dropped. A single consumer goroutine, started with
// Run, validates readings and publishes the survivors.
type Pipeline struct {
	cfg   Config
	hub   *broadcast.Hub[Sample]
	log   logging.Logger
	busy  map[string]*atomic.Bool
	queue chan event

	mu        sync.RWMutex
	published map[string]Sample

	lastSeen map[string]float64 // consumer goroutine only
	hasSeen  map[string]bool

	busyDrops  atomic.Uint64
	queueDrops atomic.Uint64
	rejected   atomic.Uint64
}

// NewPipeline returns a pipeline publishing validated samples to hub,
// keyed by channel name.
func NewPipeline(cfg Config, hub *broadcast.Hub[Sample], l logging.Logger) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	p := &Pipeline{
		cfg:       cfg,
		hub:       hub,
		log:       l,
		busy:      make(map[string]*atomic.Bool),
		queue:     make(chan event, cfg.QueueSize),
		published: make(map[string]Sample),
		lastSeen:  make(map[string]float64),
		hasSeen:   make(map[string]bool),
	}
	for _, ch := range cfg.Channels {
		p.busy[ch] = new(atomic.Bool)
	}
	return p
}

// Channels returns the accepted channel names.
func (p *Pipeline) Channels() []string {
	chans := make([]string, len(p.cfg.Channels))
	copy(chans, p.cfg.Channels)
	return chans
}

// OnRawSample accepts one raw reading from the instrument. It is
// non-blocking and safe for concurrent use; install it as the
// instrument driver's callback.
func (p *Pipeline) OnRawSample(channel string, timestamp int64, value float64) {
	slot, ok := p.busy[channel]
	if !ok {
		return
	}
	if !slot.CompareAndSwap(false, true) {
		p.busyDrops.Add(1)
		p.log.Debug("reading dropped, channel busy", "channel", channel, "value", value)
		return
	}
	select {
	case p.queue <- event{channel, timestamp, value}:
	default:
		slot.Store(false)
		p.queueDrops.Add(1)
		p.log.Warning("reading dropped, queue full", "channel", channel, "value", value, "queued", len(p.queue))
	}
}

// Run consumes queued readings until ctx is cancelled. Call it from
// exactly one goroutine.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			p.process(ev)
			p.busy[ev.channel].Store(false)
		}
	}
}

func (p *Pipeline) process(ev event) {
	// Error codes bypass the jump filter so downstream always learns
	// the instrument lost its reading.
	if ev.value <= 0 {
		p.log.Debug("instrument error on channel", "channel", ev.channel, "error", ErrCodeText(ev.value))
		p.lastSeen[ev.channel] = ev.value
		p.hasSeen[ev.channel] = true
		p.publish(ev)
		return
	}

	if IsWavelength(ev.channel) && p.hasSeen[ev.channel] &&
		math.Abs(ev.value-p.lastSeen[ev.channel]) >= p.cfg.SkipThreshold {
		p.rejected.Add(1)
		p.log.Info("reading ignored as wavelength jump", "channel", ev.channel,
			"jump", ev.value-p.Latest(ev.channel).Value)
		p.lastSeen[ev.channel] = ev.value
		return
	}

	p.lastSeen[ev.channel] = ev.value
	p.hasSeen[ev.channel] = true
	p.publish(ev)
}

func (p *Pipeline) publish(ev event) {
	s := Sample{Channel: ev.channel, Timestamp: ev.timestamp, Value: ev.value}
	p.mu.Lock()
	p.published[ev.channel] = s
	p.mu.Unlock()
	p.hub.Publish(ev.channel, s)
}

// Latest returns the last published sample on channel. Before anything
// was published it reports value 0 at timestamp -1.
func (p *Pipeline) Latest(channel string) Sample {
	p.mu.RLock()
	s, ok := p.published[channel]
	p.mu.RUnlock()
	if !ok {
		return Sample{Channel: channel, Timestamp: -1}
	}
	return s
}

// Stats reports the counts of readings dropped while their channel was
// busy, dropped on a full queue, and rejected as wavelength jumps.
func (p *Pipeline) Stats() (busyDrops, queueDrops, rejected uint64) {
	return p.busyDrops.Load(), p.queueDrops.Load(), p.rejected.Load()
}
