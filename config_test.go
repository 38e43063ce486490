package cpdma

import (
	"testing"
	"time"

	"github.com/slackhq/cpdma/config"
	"github.com/slackhq/cpdma/ring"
	"github.com/slackhq/cpdma/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadConfig(t *testing.T, raw string) *config.C {
	t.Helper()
	c := config.NewC(test.NewLogger())
	require.NoError(t, c.LoadString(raw))
	return c
}

func TestParseDMAConfig(t *testing.T) {
	d, err := parseDMAConfig(loadConfig(t, "dma: {}\n"))
	require.NoError(t, err)
	assert.Equal(t, dmaConfig{
		descriptorBase:   defaultDescriptorBase,
		bufferBase:       defaultBufferBase,
		bufferSize:       defaultBufferSize,
		buffers:          defaultBuffers,
		teardownRetries:  ring.DefaultTeardownRetries,
		teardownInterval: ring.DefaultTeardownInterval,
		minPacketSize:    ring.DefaultMinPacketSize,
	}, d)

	d, err = parseDMAConfig(loadConfig(t, `
dma:
  descriptor_base: 0x10000000
  descriptors: 256
  buffer_base: "0x20000000"
  buffer_size: 1KiB
  buffers: 64
  teardown: {retries: 5, interval: 1ms}
  min_packet_size: 0
`))
	require.NoError(t, err)
	assert.EqualValues(t, 0x10000000, d.descriptorBase)
	assert.Equal(t, 256, d.descriptors)
	assert.EqualValues(t, 0x20000000, d.bufferBase)
	assert.Equal(t, 1024, d.bufferSize)
	assert.Equal(t, 64, d.buffers)
	assert.Equal(t, 5, d.teardownRetries)
	assert.Equal(t, time.Millisecond, d.teardownInterval)
	assert.Equal(t, 0, d.minPacketSize)

	for _, raw := range []string{
		"dma: {descriptor_base: nope}\n",
		"dma: {buffer_size: 4KiB}\n",
		"dma: {buffers: 0}\n",
		"dma: {descriptors: -1}\n",
		"dma: {teardown: {retries: -1}}\n",
	} {
		_, err := parseDMAConfig(loadConfig(t, raw))
		assert.Error(t, err, raw)
	}
}

func TestParseChannels(t *testing.T) {
	c := loadConfig(t, `
dma:
  buffer_size: 1536
  teardown: {retries: 7}
channels:
  tx:
    - {number: 0, descriptors: 32, service_max: 8, reclaim_threshold: 4}
    - {number: 3}
  rx:
    - {number: 0, descriptors: 16, pass_crc: yes, buffer_size: 1024}
`)
	d, err := parseDMAConfig(c)
	require.NoError(t, err)
	channels, err := parseChannels(c, d)
	require.NoError(t, err)
	require.Len(t, channels, 3)

	// Receive channels come first.
	rx := channels[0]
	assert.Equal(t, rx0, rx.ID)
	assert.Equal(t, 16, rx.Descriptors)
	assert.Equal(t, 16, rx.ServiceMax)
	assert.Equal(t, 1024, rx.BufferSize)
	assert.True(t, rx.PassCRC)
	assert.Equal(t, 7, rx.TeardownRetries)

	tx := channels[1]
	assert.Equal(t, tx0, tx.ID)
	assert.Equal(t, 32, tx.Descriptors)
	assert.Equal(t, 8, tx.ServiceMax)
	assert.Equal(t, 4, tx.ReclaimThreshold)
	assert.Equal(t, ring.DefaultMinPacketSize, tx.MinPacketSize)

	assert.Equal(t, ring.ChannelID{Direction: ring.TX, Number: 3}, channels[2].ID)
	assert.Equal(t, defaultDescriptors, channels[2].Descriptors)

	assert.Equal(t, 32+defaultDescriptors+16, descriptorsNeeded(channels))

	id, ok := firstTransmitChannel(channels)
	assert.True(t, ok)
	assert.Equal(t, tx0, id)
}

func TestParseChannels_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"none", "channels: {}\n"},
		{"not a list", "channels: {tx: 1}\n"},
		{"not a map", "channels: {tx: [1]}\n"},
		{"no number", "channels: {tx: [{descriptors: 4}]}\n"},
		{"number out of range", "channels: {tx: [{number: 8}]}\n"},
		{"duplicate", "channels: {rx: [{number: 1}, {number: 1}]}\n"},
		{"too many descriptors", "channels: {tx: [{number: 0, descriptors: 8193}]}\n"},
		{"not a number", "channels: {tx: [{number: 0, service_max: lots}]}\n"},
		{"pass_crc on tx", "channels: {tx: [{number: 0, pass_crc: true}]}\n"},
		{"reclaim_threshold on rx", "channels: {rx: [{number: 0, reclaim_threshold: 1}]}\n"},
		{"buffer_size too large", "channels: {rx: [{number: 0, buffer_size: 2000}]}\n"},
		{"pass_crc not a bool", "channels: {rx: [{number: 0, pass_crc: maybe}]}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := loadConfig(t, "dma: {buffer_size: 1536}\n"+tt.raw)
			d, err := parseDMAConfig(c)
			require.NoError(t, err)
			_, err = parseChannels(c, d)
			assert.Error(t, err)
		})
	}
}

func TestReloadChannels(t *testing.T) {
	f := newTestEngine(t, 32, 32)
	raw := `
channels:
  tx: [{number: 0, descriptors: 8, service_max: 8, reclaim_threshold: 0}]
  rx: [{number: 0, descriptors: 8, service_max: 8}]
`
	c := loadConfig(t, raw)
	d, err := parseDMAConfig(c)
	require.NoError(t, err)
	channels, err := parseChannels(c, d)
	require.NoError(t, err)
	for _, cfg := range channels {
		require.NoError(t, f.e.OpenChannel(cfg))
	}

	require.NoError(t, c.ReloadConfigString(`
channels:
  tx: [{number: 0, descriptors: 16, service_max: 2, reclaim_threshold: 3}]
  rx: [{number: 0, descriptors: 8, service_max: 4}]
`))
	reloadChannels(test.NewLogger(), c, f.e)

	tx := f.e.Channel(tx0).Config()
	assert.Equal(t, 2, tx.ServiceMax)
	assert.Equal(t, 3, tx.ReclaimThreshold)
	assert.Equal(t, 8, tx.Descriptors, "the pool size needs a restart")
	assert.Equal(t, 4, f.e.Channel(rx0).ServiceMax())

	// A broken config leaves everything alone.
	require.NoError(t, c.ReloadConfigString("channels: {tx: [{number: 0, service_max: -1}]}\n"))
	reloadChannels(test.NewLogger(), c, f.e)
	assert.Equal(t, 2, f.e.Channel(tx0).ServiceMax())
}
