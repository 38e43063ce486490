package cpdma

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/cpdma/config"
	"github.com/slackhq/cpdma/ring"
)

const (
	defaultDescriptorBase = 0x4a102000
	defaultBufferBase     = 0x80000000
	defaultBufferSize     = 1536
	defaultBuffers        = 512
	defaultDescriptors    = 64
)

// dmaConfig is the controller wide part of the configuration.
type dmaConfig struct {
	descriptorBase uint32
	// descriptors is the size of the shared descriptor memory, every channel
	// takes a window out of it.
	descriptors int

	bufferBase uint32
	bufferSize int
	buffers    int

	teardownRetries  int
	teardownInterval time.Duration
	minPacketSize    int
}

func parseDMAConfig(c *config.C) (dmaConfig, error) {
	var (
		d   dmaConfig
		err error
	)

	if d.descriptorBase, err = c.GetAddress("dma.descriptor_base", defaultDescriptorBase); err != nil {
		return d, err
	}
	if d.bufferBase, err = c.GetAddress("dma.buffer_base", defaultBufferBase); err != nil {
		return d, err
	}
	if d.bufferSize, err = c.GetByteSize("dma.buffer_size", defaultBufferSize); err != nil {
		return d, err
	}
	if d.bufferSize <= 0 || d.bufferSize > ring.MaxPacketLength {
		return d, fmt.Errorf("dma.buffer_size must be between 1 and %d, got %d", ring.MaxPacketLength, d.bufferSize)
	}

	d.buffers = c.GetInt("dma.buffers", defaultBuffers)
	if d.buffers <= 0 {
		return d, fmt.Errorf("dma.buffers must be positive, got %d", d.buffers)
	}

	d.descriptors = c.GetInt("dma.descriptors", 0)
	if d.descriptors < 0 || d.descriptors > ring.MaxDescriptors*ring.ChannelsPerDirection*2 {
		return d, fmt.Errorf("dma.descriptors is out of range: %d", d.descriptors)
	}

	d.teardownRetries = c.GetInt("dma.teardown.retries", ring.DefaultTeardownRetries)
	d.teardownInterval = c.GetDuration("dma.teardown.interval", ring.DefaultTeardownInterval)
	if d.teardownRetries <= 0 {
		return d, fmt.Errorf("dma.teardown.retries must be positive, got %d", d.teardownRetries)
	}

	d.minPacketSize = c.GetInt("dma.min_packet_size", ring.DefaultMinPacketSize)
	return d, nil
}

// parseChannels reads channels.tx and channels.rx. Settings missing from an
// entry are taken from the dma section.
func parseChannels(c *config.C, d dmaConfig) ([]ChannelConfig, error) {
	var out []ChannelConfig
	seen := map[ring.ChannelID]bool{}

	for _, dir := range []ring.Direction{ring.RX, ring.TX} {
		key := "channels." + dir.String()
		entries, err := c.GetMapSlice(key)
		if err != nil {
			return nil, err
		}

		for i, m := range entries {
			path := fmt.Sprintf("%s[%d]", key, i)
			cfg, err := parseChannel(m, dir, d)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			if seen[cfg.ID] {
				return nil, fmt.Errorf("%s: channel %s is configured more than once", path, cfg.ID)
			}
			seen[cfg.ID] = true
			out = append(out, cfg)
		}
	}

	if len(out) == 0 {
		return nil, errors.New("no channels configured")
	}
	return out, nil
}

func parseChannel(m map[string]any, dir ring.Direction, d dmaConfig) (ChannelConfig, error) {
	cfg := ChannelConfig{
		ChannelConfig: ring.ChannelConfig{
			TeardownRetries:  d.teardownRetries,
			TeardownInterval: d.teardownInterval,
		},
	}

	n, err := mapInt(m, "number", -1)
	if err != nil {
		return cfg, err
	}
	cfg.ID = ring.ChannelID{Direction: dir, Number: n}
	if !cfg.ID.Valid() {
		return cfg, fmt.Errorf("number must be between 0 and %d, got %d", ring.ChannelsPerDirection-1, n)
	}

	if cfg.Descriptors, err = mapInt(m, "descriptors", defaultDescriptors); err != nil {
		return cfg, err
	}
	if err := ring.CheckDescriptorCount(cfg.Descriptors); err != nil {
		return cfg, err
	}
	if cfg.ServiceMax, err = mapInt(m, "service_max", cfg.Descriptors); err != nil {
		return cfg, err
	}

	switch dir {
	case ring.TX:
		if cfg.ReclaimThreshold, err = mapInt(m, "reclaim_threshold", 0); err != nil {
			return cfg, err
		}
		if cfg.MinPacketSize, err = mapInt(m, "min_packet_size", d.minPacketSize); err != nil {
			return cfg, err
		}
		for _, k := range []string{"pass_crc", "buffer_size"} {
			if _, ok := m[k]; ok {
				return cfg, fmt.Errorf("%s is only valid for rx channels", k)
			}
		}

	case ring.RX:
		cfg.BufferSize = d.bufferSize
		if v, ok := m["buffer_size"]; ok {
			if cfg.BufferSize, err = strconv.Atoi(fmt.Sprintf("%v", v)); err != nil {
				return cfg, fmt.Errorf("buffer_size is not a number: %v", v)
			}
			if cfg.BufferSize > d.bufferSize {
				return cfg, fmt.Errorf("buffer_size %d is larger than dma.buffer_size %d", cfg.BufferSize, d.bufferSize)
			}
		}
		if v, ok := m["pass_crc"]; ok {
			if cfg.PassCRC, ok = config.AsBool(v); !ok {
				return cfg, fmt.Errorf("pass_crc is not a boolean: %v", v)
			}
		}
		if _, ok := m["reclaim_threshold"]; ok {
			return cfg, errors.New("reclaim_threshold is only valid for tx channels")
		}
	}

	return cfg, nil
}

func mapInt(m map[string]any, k string, d int) (int, error) {
	v, ok := m[k]
	if !ok {
		if d < 0 {
			return 0, fmt.Errorf("%s is required", k)
		}
		return d, nil
	}
	i, err := strconv.Atoi(fmt.Sprintf("%v", v))
	if err != nil {
		return 0, fmt.Errorf("%s is not a number: %v", k, v)
	}
	return i, nil
}

// descriptorsNeeded returns the descriptor memory the channels take together.
func descriptorsNeeded(channels []ChannelConfig) int {
	n := 0
	for _, ch := range channels {
		n += ch.Descriptors
	}
	return n
}

// reloadChannels applies the settings that can change while a channel is open.
// Everything else needs a restart and is only reported.
func reloadChannels(l *logrus.Logger, c *config.C, e *Engine) {
	if !c.HasChanged("channels") {
		return
	}

	d, err := parseDMAConfig(c)
	if err != nil {
		l.WithError(err).Error("Failed to reload channels")
		return
	}
	channels, err := parseChannels(c, d)
	if err != nil {
		l.WithError(err).Error("Failed to reload channels")
		return
	}

	for _, cfg := range channels {
		cl := l.WithField("channel", cfg.ID.String())
		ch := e.Channel(cfg.ID)
		if ch == nil {
			cl.Warn("New channels are only opened at startup")
			continue
		}

		cur := ch.Config()
		if cur.Descriptors != cfg.Descriptors || cur.BufferSize != cfg.BufferSize || cur.PassCRC != cfg.PassCRC {
			cl.Warn("Only service_max and reclaim_threshold can change without a restart")
		}

		if cur.ServiceMax != cfg.ServiceMax {
			if err := ch.SetServiceMax(cfg.ServiceMax); err != nil {
				cl.WithError(err).Error("Failed to change service_max")
			} else {
				cl.WithField("serviceMax", cfg.ServiceMax).Info("Changed service_max")
			}
		}
		if cfg.ID.Direction == ring.TX && cur.ReclaimThreshold != cfg.ReclaimThreshold {
			if err := ch.SetReclaimThreshold(cfg.ReclaimThreshold); err != nil {
				cl.WithError(err).Error("Failed to change reclaim_threshold")
			} else {
				cl.WithField("reclaimThreshold", cfg.ReclaimThreshold).Info("Changed reclaim_threshold")
			}
		}
	}
}
